// Package dma implements the two DMA engines described in spec §4.6:
// OAM-DMA (0xFF46, a 160-m-cycle byte-at-a-time copy into OAM) and the
// GBC VRAM-DMA controller (0xFF51-0xFF55, general-purpose and H-Blank
// modes). Both are driven by the bus, which owns the actual memory reads
// and writes; these types hold only the state machines.
package dma

// OAM drives the OAM-DMA burst: writing the high source byte starts a
// 160-byte copy from src*0x100 into OAM, one byte per m-cycle.
type OAM struct {
	active   bool
	srcHigh  byte
	src      uint16
	index    int
}

// Start begins (or restarts) a transfer from high*0x100.
func (d *OAM) Start(high byte) {
	d.srcHigh = high
	d.src = uint16(high) << 8
	d.index = 0
	d.active = true
}

func (d *OAM) Active() bool    { return d.active }
func (d *OAM) SourceHigh() byte { return d.srcHigh }

// Step advances the copy by one m-cycle. read fetches the next source
// byte (routed through the bus so echo/ROM/WRAM sources all work);
// writeOAM deposits it directly into OAM, bypassing the PPU-mode lock
// that would otherwise block CPU-side OAM writes during the copy.
func (d *OAM) Step(read func(addr uint16) byte, writeOAM func(offset int, v byte)) {
	if !d.active {
		return
	}
	v := read(d.src + uint16(d.index))
	writeOAM(d.index, v)
	d.index++
	if d.index >= 0xA0 {
		d.active = false
	}
}

// VRAM drives the GBC general-purpose / H-Blank VRAM-DMA transfer.
type VRAM struct {
	srcHi, srcLo byte
	dstHi, dstLo byte

	active     bool
	hblankMode bool
	remaining  int // bytes left to copy
	src        uint16
	dst        uint16 // VRAM-relative, 0x0000-0x1FFF
}

func (d *VRAM) WriteSrcHi(v byte) { d.srcHi = v }
func (d *VRAM) WriteSrcLo(v byte) { d.srcLo = v & 0xF0 } // low 4 bits ignored

func (d *VRAM) WriteDstHi(v byte) { d.dstHi = v & 0x1F }
func (d *VRAM) WriteDstLo(v byte) { d.dstLo = v & 0xF0 }

func (d *VRAM) source() uint16 { return uint16(d.srcHi)<<8 | uint16(d.srcLo) }
func (d *VRAM) dest() uint16   { return 0x8000 | (uint16(d.dstHi)<<8 | uint16(d.dstLo))&0x1FFF }

// WriteHDMA5 starts a transfer, or terminates an active H-Blank transfer
// if bit7=0 is written while one is running (spec §4.6).
// immediateCopy is invoked synchronously for general-purpose transfers: the
// caller supplies a function that copies one byte from src to a
// VRAM-relative destination offset; General mode copies the whole block now.
// Returns the number of m-cycles the CPU should be stalled for a
// general-purpose transfer (0 for H-Blank mode, which trickles in later).
func (d *VRAM) WriteHDMA5(value byte, copyByte func(src uint16, dstOff uint16)) int {
	length := (int(value&0x7F) + 1) * 0x10
	if value&0x80 == 0 {
		if d.active && d.hblankMode {
			d.active = false
			d.hblankMode = false
			return 0
		}
		src := d.source()
		dst := d.dest() - 0x8000
		for i := 0; i < length; i++ {
			copyByte(src+uint16(i), (dst+uint16(i))&0x1FFF)
		}
		d.active = false
		return length / 2
	}
	d.src = d.source()
	d.dst = d.dest() - 0x8000
	d.remaining = length
	d.active = true
	d.hblankMode = true
	return 0
}

// ReadHDMA5 reports remaining length (0-based block count) or 0xFF if no
// transfer is in progress.
func (d *VRAM) ReadHDMA5() byte {
	if !d.active {
		return 0xFF
	}
	blocksLeft := d.remaining / 0x10
	return byte(blocksLeft-1) & 0x7F
}

// StepHBlank copies one 0x10-byte chunk; called by the PPU/bus each time a
// new scanline enters H-Blank while an H-Blank transfer is outstanding.
func (d *VRAM) StepHBlank(copyByte func(src uint16, dstOff uint16)) {
	if !d.active || !d.hblankMode || d.remaining <= 0 {
		return
	}
	for i := 0; i < 0x10; i++ {
		copyByte(d.src+uint16(i), (d.dst+uint16(i))&0x1FFF)
	}
	d.src += 0x10
	d.dst = (d.dst + 0x10) & 0x1FFF
	d.remaining -= 0x10
	if d.remaining <= 0 {
		d.active = false
		d.hblankMode = false
	}
}

func (d *VRAM) Active() bool { return d.active }
