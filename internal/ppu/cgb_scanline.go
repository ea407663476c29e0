package ppu

// VRAMBankReader is VRAMReader plus explicit-bank access, needed for CGB
// rendering where the tile map lives in bank 0 and its attribute byte lives
// in the same offset of bank 1.
type VRAMBankReader interface {
	VRAMReader
	ReadBank(bank int, addr uint16) byte
}

// cgbAttr decodes a CGB BG/window map attribute byte: bit7 priority,
// bit6 y-flip, bit5 x-flip, bit4 VRAM bank, bits0-2 palette number.
type cgbAttr struct {
	priority bool
	yflip    bool
	xflip    bool
	bank     int
	pal      byte
}

func decodeCGBAttr(v byte) cgbAttr {
	a := cgbAttr{
		priority: v&0x80 != 0,
		yflip:    v&0x40 != 0,
		xflip:    v&0x20 != 0,
		pal:      v & 0x07,
	}
	if v&0x10 != 0 {
		a.bank = 1
	}
	return a
}

func cgbTileRow(mem VRAMBankReader, attr cgbAttr, tileData8000 bool, tileNum byte, row byte) (lo, hi byte) {
	if attr.yflip {
		row = 7 - row
	}
	var base uint16
	if tileData8000 {
		base = 0x8000 + uint16(tileNum)*16 + uint16(row)*2
	} else {
		base = 0x9000 + uint16(int8(tileNum))*16 + uint16(row)*2
	}
	return mem.ReadBank(attr.bank, base), mem.ReadBank(attr.bank, base+1)
}

func cgbColorIndex(lo, hi byte, col byte, xflip bool) byte {
	if xflip {
		col = 7 - col
	}
	bit := 7 - col
	return ((hi>>bit)&1)<<1 | ((lo >> bit) & 1)
}

// RenderBGScanlineCGB renders 160 BG pixels for ly, returning color index,
// palette number, and the BG-to-OBJ priority bit per pixel, honoring the
// CGB tile attribute map at attrBase (bank 1) alongside the tile numbers at
// mapBase (bank 0).
func RenderBGScanlineCGB(mem VRAMBankReader, mapBase, attrBase uint16, tileData8000 bool, scx, scy, ly byte) (ci [160]byte, pal [160]byte, pri [160]bool) {
	bgY := uint16(ly) + uint16(scy)
	fineY := byte(bgY & 7)
	mapY := (bgY >> 3) & 31

	for x := 0; x < 160; x++ {
		px := uint16(scx) + uint16(x)
		tileX := (px >> 3) & 31
		fineX := byte(px & 7)
		offset := mapY*32 + tileX

		tileNum := mem.ReadBank(0, mapBase+offset)
		attr := decodeCGBAttr(mem.ReadBank(1, attrBase+offset))
		lo, hi := cgbTileRow(mem, attr, tileData8000, tileNum, fineY)

		ci[x] = cgbColorIndex(lo, hi, fineX, attr.xflip)
		pal[x] = attr.pal
		pri[x] = attr.priority
	}
	return
}

// RenderWindowScanlineCGB renders the window layer starting at screen column
// wxStart (WX-7), for the window's internal line winLine. Columns before
// wxStart are left zeroed so callers can blend against the BG line.
func RenderWindowScanlineCGB(mem VRAMBankReader, mapBase, attrBase uint16, tileData8000 bool, wxStart int, winLine byte) (ci [160]byte, pal [160]byte, pri [160]bool) {
	if wxStart >= 160 {
		return
	}
	if wxStart < 0 {
		wxStart = 0
	}
	mapY := (uint16(winLine) >> 3) & 31
	fineY := winLine & 7

	for x := wxStart; x < 160; x++ {
		winX := uint16(x - wxStart)
		tileX := (winX >> 3) & 31
		fineX := byte(winX & 7)
		offset := mapY*32 + tileX

		tileNum := mem.ReadBank(0, mapBase+offset)
		attr := decodeCGBAttr(mem.ReadBank(1, attrBase+offset))
		lo, hi := cgbTileRow(mem, attr, tileData8000, tileNum, fineY)

		ci[x] = cgbColorIndex(lo, hi, fineX, attr.xflip)
		pal[x] = attr.pal
		pri[x] = attr.priority
	}
	return
}
