package ppu

import (
	"bytes"
	"encoding/gob"
)

// InterruptRequester is a callback signature to request IF bits (0:VBlank, 1:STAT, etc.).
type InterruptRequester func(bit int)

// LineRegs is a snapshot of the registers that affect rendering, captured the
// instant a scanline enters pixel-transfer (mode 3). Deferring composition to
// end-of-frame against these per-line snapshots lets SCX/SCY/WX/WY/LCDC/BGP
// changes mid-frame (a common trick used by games for split-scroll and
// palette effects) show up correctly without a true per-dot pipeline.
type LineRegs struct {
	SCX, SCY byte
	WX, WY   byte
	LCDC     byte
	BGP      byte
	OBP0     byte
	OBP1     byte
	WinLine  byte
}

// PPU models VRAM/OAM, LCDC/STAT regs, LY/LYC, CGB palette RAM, and the
// mode/timing state machine, plus (via RenderFrame) the per-scanline
// BG/window/sprite composition.
type PPU struct {
	cgb bool

	vram     [2][0x2000]byte // bank 0 and bank 1 (CGB only uses bank 1)
	vramBank byte            // FF4F bit0
	oam      [0xA0]byte      // 0xFE00-0xFE9F

	lcdc byte // FF40
	stat byte // FF41
	scy  byte // FF42
	scx  byte // FF43
	ly   byte // FF44
	lyc  byte // FF45
	bgp  byte // FF47
	obp0 byte // FF48
	obp1 byte // FF49
	wy   byte // FF4A
	wx   byte // FF4B

	bgpi      byte // FF68
	obpi      byte // FF6A
	bgPalRAM  [64]byte
	objPalRAM [64]byte

	dot int

	winLineCounter int
	winActive      bool
	lines          [144]LineRegs

	req InterruptRequester
}

func New(req InterruptRequester) *PPU { return &PPU{req: req} }

// NewCGB builds a PPU with CGB palette RAM and the second VRAM bank enabled.
func NewCGB(req InterruptRequester) *PPU { return &PPU{req: req, cgb: true} }

// CPURead returns bytes for VRAM, OAM, and PPU IO registers. Returns 0xFF for others.
func (p *PPU) CPURead(addr uint16) byte {
	switch {
	case addr >= 0x8000 && addr <= 0x9FFF:
		if (p.stat & 0x03) == 3 {
			return 0xFF
		}
		return p.vram[p.vramBank][addr-0x8000]
	case addr >= 0xFE00 && addr <= 0xFE9F:
		m := p.stat & 0x03
		if m == 2 || m == 3 {
			return 0xFF
		}
		return p.oam[addr-0xFE00]
	case addr == 0xFF40:
		return p.lcdc
	case addr == 0xFF41:
		return 0x80 | (p.stat & 0x7F)
	case addr == 0xFF42:
		return p.scy
	case addr == 0xFF43:
		return p.scx
	case addr == 0xFF44:
		return p.ly
	case addr == 0xFF45:
		return p.lyc
	case addr == 0xFF47:
		return p.bgp
	case addr == 0xFF48:
		return p.obp0
	case addr == 0xFF49:
		return p.obp1
	case addr == 0xFF4A:
		return p.wy
	case addr == 0xFF4B:
		return p.wx
	case addr == 0xFF4F:
		return 0xFE | p.vramBank
	case addr == 0xFF68:
		return p.bgpi
	case addr == 0xFF69:
		return p.bgPalRAM[p.bgpi&0x3F]
	case addr == 0xFF6A:
		return p.obpi
	case addr == 0xFF6B:
		return p.objPalRAM[p.obpi&0x3F]
	default:
		return 0xFF
	}
}

// CPUWrite handles writes to VRAM, OAM, and PPU IO regs. Others are ignored here.
func (p *PPU) CPUWrite(addr uint16, value byte) {
	switch {
	case addr >= 0x8000 && addr <= 0x9FFF:
		if (p.stat & 0x03) == 3 {
			return
		}
		p.vram[p.vramBank][addr-0x8000] = value
	case addr >= 0xFE00 && addr <= 0xFE9F:
		m := p.stat & 0x03
		if m == 2 || m == 3 {
			return
		}
		p.oam[addr-0xFE00] = value
	case addr == 0xFF40:
		prev := p.lcdc
		p.lcdc = value
		if (p.lcdc&0x80) == 0 && (prev&0x80) != 0 {
			p.ly = 0
			p.dot = 0
			p.setMode(0)
			p.updateLYC()
		} else if (p.lcdc&0x80) != 0 && (prev&0x80) == 0 {
			p.ly = 0
			p.dot = 0
			p.setMode(2)
			p.updateLYC()
		}
	case addr == 0xFF41:
		p.stat = (p.stat & 0x07) | (value & 0x78)
	case addr == 0xFF42:
		p.scy = value
	case addr == 0xFF43:
		p.scx = value
	case addr == 0xFF44:
		p.ly = 0
		p.dot = 0
		p.updateLYC()
		if (p.lcdc & 0x80) != 0 {
			p.setMode(2)
		}
	case addr == 0xFF45:
		p.lyc = value
		p.updateLYC()
	case addr == 0xFF47:
		p.bgp = value
	case addr == 0xFF48:
		p.obp0 = value
	case addr == 0xFF49:
		p.obp1 = value
	case addr == 0xFF4A:
		p.wy = value
	case addr == 0xFF4B:
		p.wx = value
	case addr == 0xFF4F:
		p.vramBank = value & 0x01
	case addr == 0xFF68:
		p.bgpi = value
	case addr == 0xFF69:
		p.bgPalRAM[p.bgpi&0x3F] = value
		p.autoIncrement(&p.bgpi)
	case addr == 0xFF6A:
		p.obpi = value
	case addr == 0xFF6B:
		p.objPalRAM[p.obpi&0x3F] = value
		p.autoIncrement(&p.obpi)
	}
}

func (p *PPU) autoIncrement(idx *byte) {
	if *idx&0x80 == 0 {
		return
	}
	*idx = 0x80 | ((*idx + 1) & 0x3F)
}

// VRAMBank returns the currently CPU-selected VRAM bank (0 or 1).
func (p *PPU) VRAMBank() byte { return p.vramBank }

// ReadBank reads VRAM from an explicit bank, independent of the CPU-selected
// bank — used by the BG/window attribute fetch (bit4 of the attribute byte
// selects which bank the tile pattern itself lives in).
func (p *PPU) ReadBank(bank int, addr uint16) byte {
	if addr < 0x8000 || addr > 0x9FFF {
		return 0xFF
	}
	return p.vram[bank&1][addr-0x8000]
}

// Read satisfies VRAMReader using the currently CPU-selected bank.
func (p *PPU) Read(addr uint16) byte { return p.ReadBank(int(p.vramBank), addr) }

// Tick advances PPU state by the given number of dots (CPU cycles, or
// CPU cycles/2 in double-speed — the caller is responsible for feeding
// dot-equivalent counts).
func (p *PPU) Tick(cycles int) {
	if cycles <= 0 {
		return
	}
	for i := 0; i < cycles; i++ {
		if (p.lcdc & 0x80) == 0 {
			continue
		}
		p.dot++
		var mode byte
		if p.ly >= 144 {
			mode = 1
		} else {
			switch {
			case p.dot < 80:
				mode = 2
			case p.dot < 80+172:
				mode = 3
			default:
				mode = 0
			}
		}
		prevMode := p.stat & 0x03
		p.setMode(mode)
		if prevMode != 3 && mode == 3 && p.ly < 144 {
			p.captureLine()
		}

		if p.dot >= 456 {
			p.dot = 0
			p.ly++
			if p.ly == 144 {
				if p.req != nil {
					p.req(0)
				}
				if (p.stat & (1 << 4)) != 0 {
					if p.req != nil {
						p.req(1)
					}
				}
				p.winActive = false
				p.winLineCounter = 0
			} else if p.ly > 153 {
				p.ly = 0
			}
			p.updateLYC()
			if p.ly >= 144 {
				p.setMode(1)
			} else {
				p.setMode(2)
			}
		}
	}
}

// captureLine records the register snapshot and advances the window line
// counter for the scanline that just entered pixel-transfer.
func (p *PPU) captureLine() {
	visible := (p.lcdc&0x20) != 0 && p.ly >= p.wy && p.wx <= 166
	if visible {
		if !p.winActive {
			p.winActive = true
			p.winLineCounter = 0
		} else {
			p.winLineCounter++
		}
	}
	lr := LineRegs{SCX: p.scx, SCY: p.scy, WX: p.wx, WY: p.wy, LCDC: p.lcdc,
		BGP: p.bgp, OBP0: p.obp0, OBP1: p.obp1}
	if visible {
		lr.WinLine = byte(p.winLineCounter)
	}
	p.lines[p.ly] = lr
}

// LineRegs returns the captured register snapshot for scanline ly (the zero
// value if it was never rendered, e.g. the LCD was off).
func (p *PPU) LineRegs(ly int) LineRegs {
	if ly < 0 || ly >= len(p.lines) {
		return LineRegs{}
	}
	return p.lines[ly]
}

func (p *PPU) setMode(mode byte) {
	prev := p.stat & 0x03
	if prev == mode {
		return
	}
	p.stat = (p.stat &^ 0x03) | (mode & 0x03)
	switch mode {
	case 0:
		if (p.stat & (1 << 3)) != 0 {
			if p.req != nil {
				p.req(1)
			}
		}
	case 2:
		if (p.stat & (1 << 5)) != 0 {
			if p.req != nil {
				p.req(1)
			}
		}
	}
}

func (p *PPU) updateLYC() {
	if p.ly == p.lyc {
		p.stat |= 1 << 2
		if (p.stat & (1 << 6)) != 0 {
			if p.req != nil {
				p.req(1)
			}
		}
	} else {
		p.stat &^= 1 << 2
	}
}

// Mode reports the current STAT mode (0-3).
func (p *PPU) Mode() byte { return p.stat & 0x03 }

// LY reports the current scanline counter.
func (p *PPU) LY() byte { return p.ly }

func (p *PPU) BGP() byte  { return p.bgp }
func (p *PPU) OBP0() byte { return p.obp0 }
func (p *PPU) OBP1() byte { return p.obp1 }
func (p *PPU) LCDC() byte { return p.lcdc }
func (p *PPU) SCY() byte  { return p.scy }
func (p *PPU) SCX() byte  { return p.scx }
func (p *PPU) WY() byte   { return p.wy }
func (p *PPU) WX() byte   { return p.wx }
func (p *PPU) CGB() bool  { return p.cgb }

// OAMByte exposes raw OAM bytes to the sprite-scan step (kept separate from
// CPURead so the scan can run even during PPU modes that would block CPU access).
func (p *PPU) OAMByte(i int) byte { return p.oam[i] }

// WriteOAMRaw deposits a byte into OAM bypassing the PPU-mode lock, used by
// OAM-DMA: real hardware's DMA engine writes OAM regardless of the current
// PPU mode, unlike ordinary CPU accesses.
func (p *PPU) WriteOAMRaw(i int, v byte) { p.oam[i] = v }

// WriteVRAMRaw deposits a byte into an explicit VRAM bank bypassing the
// PPU-mode lock, used by GBC VRAM-DMA.
func (p *PPU) WriteVRAMRaw(bank int, addr uint16, v byte) {
	if addr < 0x8000 || addr > 0x9FFF {
		return
	}
	p.vram[bank&1][addr-0x8000] = v
}

// BGPalRGB555 returns the raw little-endian RGB555 color for a CGB BG palette/color pair.
func (p *PPU) BGPalRGB555(pal, color int) uint16 {
	off := (pal&7)*8 + (color&3)*2
	return uint16(p.bgPalRAM[off]) | uint16(p.bgPalRAM[off+1])<<8
}

// OBJPalRGB555 is the object-palette equivalent of BGPalRGB555.
func (p *PPU) OBJPalRGB555(pal, color int) uint16 {
	off := (pal&7)*8 + (color&3)*2
	return uint16(p.objPalRAM[off]) | uint16(p.objPalRAM[off+1])<<8
}

type ppuState struct {
	CGB                           bool
	VRAM                          [2][0x2000]byte
	VRAMBank                      byte
	OAM                           [0xA0]byte
	LCDC, STAT, SCY, SCX, LY, LYC byte
	BGP, OBP0, OBP1, WY, WX       byte
	BGPI, OBPI                    byte
	BGPalRAM, OBJPalRAM           [64]byte
	Dot                           int
	WinLineCounter                int
	WinActive                     bool
	Lines                         [144]LineRegs
}

func (p *PPU) SaveState() []byte {
	var buf bytes.Buffer
	_ = gob.NewEncoder(&buf).Encode(ppuState{
		CGB: p.cgb, VRAM: p.vram, VRAMBank: p.vramBank, OAM: p.oam,
		LCDC: p.lcdc, STAT: p.stat, SCY: p.scy, SCX: p.scx, LY: p.ly, LYC: p.lyc,
		BGP: p.bgp, OBP0: p.obp0, OBP1: p.obp1, WY: p.wy, WX: p.wx,
		BGPI: p.bgpi, OBPI: p.obpi, BGPalRAM: p.bgPalRAM, OBJPalRAM: p.objPalRAM,
		Dot: p.dot, WinLineCounter: p.winLineCounter, WinActive: p.winActive, Lines: p.lines,
	})
	return buf.Bytes()
}

func (p *PPU) LoadState(data []byte) {
	var s ppuState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return
	}
	p.cgb, p.vram, p.vramBank, p.oam = s.CGB, s.VRAM, s.VRAMBank, s.OAM
	p.lcdc, p.stat, p.scy, p.scx, p.ly, p.lyc = s.LCDC, s.STAT, s.SCY, s.SCX, s.LY, s.LYC
	p.bgp, p.obp0, p.obp1, p.wy, p.wx = s.BGP, s.OBP0, s.OBP1, s.WY, s.WX
	p.bgpi, p.obpi, p.bgPalRAM, p.objPalRAM = s.BGPI, s.OBPI, s.BGPalRAM, s.OBJPalRAM
	p.dot, p.winLineCounter, p.winActive, p.lines = s.Dot, s.WinLineCounter, s.WinActive, s.Lines
}
