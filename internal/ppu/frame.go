package ppu

// dmgShade maps a 2-bit BG/OBJ palette-resolved shade to an RGB888 triple,
// the traditional four-gray DMG palette.
var dmgShade = [4][3]byte{
	{0xFF, 0xFF, 0xFF},
	{0xAA, 0xAA, 0xAA},
	{0x55, 0x55, 0x55},
	{0x00, 0x00, 0x00},
}

func dmgColor(paletteReg byte, colorIndex byte) (byte, byte, byte) {
	shade := (paletteReg >> (colorIndex * 2)) & 0x03
	c := dmgShade[shade]
	return c[0], c[1], c[2]
}

// rgb555to888 expands a little-endian RGB555 color (as stored in CGB palette
// RAM) to RGB888.
func rgb555to888(v uint16) (byte, byte, byte) {
	r := byte(v & 0x1F)
	g := byte((v >> 5) & 0x1F)
	b := byte((v >> 10) & 0x1F)
	scale := func(c byte) byte { return byte(uint16(c) * 255 / 31) }
	return scale(r), scale(g), scale(b)
}

// RenderFrame composes the full 160x144 framebuffer as packed RGBA bytes
// (row-major, 4 bytes per pixel), using the per-scanline register snapshots
// captured by captureLine during Tick. BG/window are rebuilt per line from
// those snapshots so mid-frame SCX/SCY/WX/WY/LCDC/palette changes (split
// scroll, palette swaps) render correctly; sprites are scanned against the
// OAM contents as they stand at render time, since OAM is not independently
// snapshotted per line.
func (p *PPU) RenderFrame() []byte {
	fb := make([]byte, 160*144*4)

	for ly := 0; ly < 144; ly++ {
		lr := p.lines[ly]

		var ci, pal [160]byte
		var pri [160]bool

		bgMapBase := uint16(0x9800)
		if lr.LCDC&0x08 != 0 {
			bgMapBase = 0x9C00
		}
		tileData8000 := lr.LCDC&0x10 != 0

		if p.cgb {
			ci, pal, pri = RenderBGScanlineCGB(p, bgMapBase, bgMapBase, tileData8000, lr.SCX, lr.SCY, byte(ly))
		} else if lr.LCDC&0x01 != 0 {
			ci = RenderBGScanlineUsingFetcher(p, bgMapBase, tileData8000, lr.SCX, lr.SCY, byte(ly))
		}

		windowVisible := lr.LCDC&0x20 != 0 && byte(ly) >= lr.WY && lr.WX <= 166
		if windowVisible && (p.cgb || lr.LCDC&0x01 != 0) {
			winMapBase := uint16(0x9800)
			if lr.LCDC&0x40 != 0 {
				winMapBase = 0x9C00
			}
			wxStart := int(lr.WX) - 7
			if p.cgb {
				wci, wpal, wpri := RenderWindowScanlineCGB(p, winMapBase, winMapBase, tileData8000, wxStart, lr.WinLine)
				for x := max0(wxStart); x < 160; x++ {
					ci[x], pal[x], pri[x] = wci[x], wpal[x], wpri[x]
				}
			} else {
				wci := RenderWindowScanlineUsingFetcher(p, winMapBase, tileData8000, wxStart, lr.WinLine)
				for x := max0(wxStart); x < 160; x++ {
					ci[x] = wci[x]
				}
			}
		}

		var spriteCi, spriteAttr [160]byte
		if lr.LCDC&0x02 != 0 {
			sprites := ScanOAM(p, ly)
			spriteCi, spriteAttr = ComposeSpriteLineDetailed(p, sprites, byte(ly), ci, p.cgb)
		}

		rowOff := ly * 160 * 4
		for x := 0; x < 160; x++ {
			var r, g, b byte

			useSprite := spriteCi[x] != 0
			if useSprite && p.cgb && lr.LCDC&0x01 != 0 && pri[x] && ci[x] != 0 {
				useSprite = false // BG/window tile priority bit wins over OBJ
			}

			switch {
			case useSprite:
				attr := spriteAttr[x]
				if p.cgb {
					r, g, b = rgb555to888(p.OBJPalRGB555(int(attr&0x07), int(spriteCi[x])))
				} else {
					obp := lr.OBP0
					if attr&0x10 != 0 {
						obp = lr.OBP1
					}
					r, g, b = dmgColor(obp, spriteCi[x])
				}
			case p.cgb:
				r, g, b = rgb555to888(p.BGPalRGB555(int(pal[x]&0x07), int(ci[x])))
			default:
				r, g, b = dmgColor(lr.BGP, ci[x])
			}

			off := rowOff + x*4
			fb[off+0] = r
			fb[off+1] = g
			fb[off+2] = b
			fb[off+3] = 0xFF
		}
	}

	return fb
}

func max0(v int) int {
	if v < 0 {
		return 0
	}
	return v
}
