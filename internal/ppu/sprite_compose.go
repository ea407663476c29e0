package ppu

import (
	"sort"

	"github.com/student/gbcore/internal/ringbuf"
)

// Sprite is one OAM-scan candidate for a scanline. X and Y are already in
// screen space (the raw OAM X-8/Y-16 offset has been applied by the caller);
// Tile is the tile index to use for *this* 8-pixel row (8x16 top/bottom tile
// selection, if any, is resolved before building the Sprite).
type Sprite struct {
	X, Y     int
	Tile     byte
	Attr     byte
	OAMIndex int
}

// ScanOAM walks the 40 OAM entries and returns up to 10 sprites visible on
// scanline ly, honoring LCDC.2 (8x8 vs 8x16 sprite size).
func ScanOAM(p *PPU, ly int) []Sprite {
	tall := p.lcdc&0x04 != 0
	height := 8
	if tall {
		height = 16
	}
	var out ringbuf.Sprites[Sprite]
	for i := 0; i < 40 && !out.Full(); i++ {
		base := i * 4
		y := int(p.OAMByte(base+0)) - 16
		x := int(p.OAMByte(base+1)) - 8
		tile := p.OAMByte(base + 2)
		attr := p.OAMByte(base + 3)
		if ly < y || ly >= y+height {
			continue
		}
		if tall {
			// Resolve the y-flip and top/bottom-tile selection here, against
			// the full 16-row bounding box, then hand ComposeSpriteLine an
			// already-flip-resolved 8x8 tile so it never needs to know the
			// sprite was double height.
			row := ly - y
			if attr&0x40 != 0 {
				row = height - 1 - row
			}
			tile &^= 0x01
			if row >= 8 {
				tile |= 0x01
				row -= 8
			}
			flat := attr &^ 0x40
			out.Add(Sprite{X: x, Y: ly - row, Tile: tile, Attr: flat, OAMIndex: i})
			continue
		}
		out.Add(Sprite{X: x, Y: y, Tile: tile, Attr: attr, OAMIndex: i})
	}
	return out.Slice()
}

// ComposeSpriteLine draws the given sprite candidates into a 160-wide color
// index line, honoring X-priority (DMG) / OAM-order priority (CGB), 8x8
// flip, transparency (index 0), and the OBJ-behind-BG attribute bit against
// the already-composed background line bgci.
func ComposeSpriteLine(mem VRAMReader, sprites []Sprite, ly byte, bgci [160]byte, cgbMode bool) [160]byte {
	ci, _ := composeSpriteLineDetailed(mem, sprites, ly, bgci, cgbMode)
	return ci
}

// ComposeSpriteLineDetailed is ComposeSpriteLine plus, for every opaque
// pixel, the OAM attribute byte of the sprite that painted it (needed to
// pick OBP0/OBP1 on DMG or the CGB object palette number).
func ComposeSpriteLineDetailed(mem VRAMReader, sprites []Sprite, ly byte, bgci [160]byte, cgbMode bool) (ci [160]byte, attr [160]byte) {
	return composeSpriteLineDetailed(mem, sprites, ly, bgci, cgbMode)
}

func composeSpriteLineDetailed(mem VRAMReader, sprites []Sprite, ly byte, bgci [160]byte, cgbMode bool) (out [160]byte, attrOut [160]byte) {
	order := make([]int, len(sprites))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		sa, sb := sprites[order[a]], sprites[order[b]]
		if cgbMode {
			return sa.OAMIndex < sb.OAMIndex
		}
		if sa.X != sb.X {
			return sa.X < sb.X
		}
		return sa.OAMIndex < sb.OAMIndex
	})

	// Draw lowest-priority first so the highest-priority sprite is painted
	// last and wins any per-pixel overlap.
	for k := len(order) - 1; k >= 0; k-- {
		s := sprites[order[k]]
		row := int(ly) - s.Y
		if row < 0 || row > 7 {
			continue
		}
		if s.Attr&0x40 != 0 { // y-flip
			row = 7 - row
		}
		tileAddr := uint16(0x8000) + uint16(s.Tile)*16 + uint16(row)*2
		lo := mem.Read(tileAddr)
		hi := mem.Read(tileAddr + 1)
		behindBG := s.Attr&0x80 != 0
		for col := 0; col < 8; col++ {
			x := s.X + col
			if x < 0 || x >= 160 {
				continue
			}
			c := col
			if s.Attr&0x20 != 0 { // x-flip
				c = 7 - col
			}
			bit := 7 - byte(c)
			px := ((hi>>bit)&1)<<1 | ((lo >> bit) & 1)
			if px == 0 {
				continue
			}
			if behindBG && bgci[x] != 0 {
				continue
			}
			out[x] = px
			attrOut[x] = s.Attr
		}
	}
	return out, attrOut
}
