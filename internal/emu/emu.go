package emu

import (
	"io"
	"os"

	"github.com/student/gbcore/internal/bus"
	"github.com/student/gbcore/internal/cart"
	"github.com/student/gbcore/internal/machine"
)

// Buttons is the host-facing button state for one frame.
type Buttons struct {
	A, B, Start, Select   bool
	Up, Down, Left, Right bool
}

func (b Buttons) mask() byte {
	var m byte
	if b.Right {
		m |= bus.JoypRight
	}
	if b.Left {
		m |= bus.JoypLeft
	}
	if b.Up {
		m |= bus.JoypUp
	}
	if b.Down {
		m |= bus.JoypDown
	}
	if b.A {
		m |= bus.JoypA
	}
	if b.B {
		m |= bus.JoypB
	}
	if b.Select {
		m |= bus.JoypSelectBtn
	}
	if b.Start {
		m |= bus.JoypStart
	}
	return m
}

// cgbCompatSetNames/cgbCompatSets are the curated 4-shade palettes applied
// to DMG-only carts run in CGB compatibility mode (same mechanism real CGB
// hardware uses: the boot ROM pre-seeds BG/OBJ palette RAM before handing
// off to a game that never touches it itself). IDs index both slices and
// are what compat_tables.go's title heuristics resolve to.
var cgbCompatSetNames = []string{"Green", "Sepia", "Blue", "Red", "Pastel", "Gray"}

var cgbCompatSets = [][4][3]byte{
	{{155, 188, 15}, {139, 172, 15}, {48, 98, 48}, {15, 56, 15}},        // Green
	{{255, 246, 211}, {206, 159, 115}, {139, 94, 60}, {60, 35, 22}},     // Sepia
	{{224, 248, 255}, {148, 196, 255}, {60, 120, 220}, {8, 24, 90}},     // Blue
	{{255, 224, 224}, {240, 140, 140}, {180, 60, 60}, {60, 10, 10}},     // Red
	{{255, 239, 249}, {243, 184, 211}, {178, 130, 188}, {90, 60, 110}},  // Pastel
	{{255, 255, 255}, {170, 170, 170}, {85, 85, 85}, {0, 0, 0}},         // Gray
}

func rgb555(r, g, b byte) uint16 {
	return uint16(r>>3) | uint16(g>>3)<<5 | uint16(b>>3)<<10
}

// Machine is the host-facing wrapper ui/cmd drive: it owns the current ROM
// and boot ROM bytes (so it can rebuild internal/machine.Machine across
// resets/mode switches), per-ROM CGB-compat palette selection, and file I/O
// for ROMs/save-states/battery RAM.
type Machine struct {
	cfg Config
	w, h int
	fb   []byte // RGBA 160x144*4, last rendered frame

	m *machine.Machine

	rom, boot []byte
	romPath   string
	header    *cart.Header

	compatID     int
	wantCGBBG    bool // sticky user preference toggled via SetUseCGBBG
	activeCGBBG  bool // whether the currently-running machine has compat colorization applied
}

func New(cfg Config) *Machine {
	return &Machine{
		cfg: cfg, w: 160, h: 144,
		fb: make([]byte, 160*144*4),
	}
}

func (m *Machine) bootMachine(withBootROM, cgb bool) error {
	if len(m.rom) == 0 {
		return nil
	}
	mm := machine.New(machine.Config{CGB: cgb, Trace: m.cfg.Trace, UseFetcherBG: m.cfg.UseFetcherBG})
	var err error
	if withBootROM && len(m.boot) >= 0x100 {
		err = mm.LoadCartridgeWithBoot(m.rom, m.boot)
	} else {
		err = mm.LoadCartridge(m.rom)
	}
	if err != nil {
		return err
	}
	m.m = mm
	m.activeCGBBG = cgb
	if cgb {
		m.applyCompatPalette()
	}
	return nil
}

func (m *Machine) applyCompatPalette() {
	if m.m == nil || m.m.Bus == nil {
		return
	}
	set := cgbCompatSets[m.compatID%len(cgbCompatSets)]
	for _, regs := range [][2]uint16{{0xFF68, 0xFF69}, {0xFF6A, 0xFF6B}} {
		sel, data := regs[0], regs[1]
		m.m.Bus.Write(sel, 0x80) // auto-increment, start at palette 0 byte 0
		passes := 1
		if sel == 0xFF6A {
			passes = 2 // program OBJ palettes 0 and 1 with the same set
		}
		for p := 0; p < passes; p++ {
			for _, rgb := range set {
				v := rgb555(rgb[0], rgb[1], rgb[2])
				m.m.Bus.Write(data, byte(v))
				m.m.Bus.Write(data, byte(v>>8))
			}
		}
	}
}

// LoadCartridge parses rom's header and boots the machine in DMG mode
// (post-boot register state unless boot is provided, in which case the real
// boot sequence runs from PC=0).
func (m *Machine) LoadCartridge(rom []byte, boot []byte) error {
	h, err := cart.ParseHeader(rom)
	if err != nil {
		return err
	}
	m.rom = rom
	m.boot = boot
	m.header = h
	m.compatID, _ = autoCompatPaletteFromHeader(h)
	return m.bootMachine(len(boot) >= 0x100, false)
}

// LoadROMFromFile reads path, loads it as the current cartridge, and
// remembers path for ROMPath()/title-bar and save-file derivation.
func (m *Machine) LoadROMFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := m.LoadCartridge(data, m.boot); err != nil {
		return err
	}
	m.romPath = path
	return nil
}

// SetBootROM stashes a DMG boot ROM to be used by subsequent ResetWithBoot
// and LoadROMFromFile calls, and maps it into the running machine's bus.
// LoadCartridge uses only the boot ROM passed to it directly.
func (m *Machine) SetBootROM(data []byte) {
	m.boot = data
	if m.m != nil && len(data) >= 0x100 {
		m.m.Bus.SetBootROM(data)
	}
}

func (m *Machine) StepFrame() {
	if m.m == nil {
		return
	}
	m.m.CycleFrame()
	m.fb = m.m.Framebuffer()
}

// StepFrameNoRender advances emulation without recomputing the framebuffer,
// used for fast-forward where only the final displayed frame matters.
func (m *Machine) StepFrameNoRender() {
	if m.m == nil {
		return
	}
	m.m.CycleFrame()
}

// SetSerialWriter attaches a sink for bytes written to the serial port
// (0xFF01/0xFF02), used by test ROMs (e.g. Blargg's suite) that report
// pass/fail over serial instead of the screen.
func (m *Machine) SetSerialWriter(w io.Writer) {
	if m.m != nil {
		m.m.Bus.SetSerialWriter(w)
	}
}

func (m *Machine) Framebuffer() []byte  { return m.fb }
func (m *Machine) SetButtons(b Buttons) {
	if m.m != nil {
		m.m.Bus.SetJoypadState(b.mask())
	}
}

// ResetPostBoot reboots the current ROM in plain DMG mode.
func (m *Machine) ResetPostBoot() error { return m.bootMachine(false, false) }

// ResetWithBoot reboots the current ROM running the stashed boot ROM from
// PC=0, if one was provided via SetBootROM.
func (m *Machine) ResetWithBoot() error { return m.bootMachine(true, false) }

// ResetCGBPostBoot reboots the current ROM past the boot sequence, in CGB
// mode when on is true and in DMG mode when it is false. In CGB mode the
// curated compat palette selected via SetCompatPalette/CycleCompatPalette is
// programmed into CGB palette RAM, mirroring what the real CGB boot ROM does
// for old games.
func (m *Machine) ResetCGBPostBoot(on bool) error {
	m.wantCGBBG = on
	return m.bootMachine(false, on)
}

func (m *Machine) SetUseCGBBG(v bool) { m.wantCGBBG = v }
func (m *Machine) WantCGBColors() bool { return m.wantCGBBG }
func (m *Machine) UseCGBBG() bool      { return m.activeCGBBG }

func (m *Machine) SetUseFetcherBG(v bool) { m.cfg.UseFetcherBG = v }

// IsCGBCompat reports whether the loaded cart is DMG-only (no native CGB
// support), making it eligible for compat-palette colorization.
func (m *Machine) IsCGBCompat() bool {
	return m.header != nil && m.header.CGBFlag != 0x80 && m.header.CGBFlag != 0xC0
}

func (m *Machine) CurrentCompatPalette() int { return m.compatID }

func (m *Machine) SetCompatPalette(id int) {
	if id < 0 {
		id = 0
	}
	m.compatID = id % len(cgbCompatSets)
	if m.activeCGBBG {
		m.applyCompatPalette()
	}
}

func (m *Machine) CycleCompatPalette(delta int) {
	n := len(cgbCompatSets)
	m.compatID = ((m.compatID+delta)%n + n) % n
	if m.activeCGBBG {
		m.applyCompatPalette()
	}
}

func (m *Machine) CompatPaletteName(id int) string {
	if id < 0 || id >= len(cgbCompatSetNames) {
		return "Unknown"
	}
	return cgbCompatSetNames[id]
}

func (m *Machine) ROMPath() string {
	return m.romPath
}

func (m *Machine) ROMTitle() string {
	if m.header == nil {
		return ""
	}
	return m.header.Title
}

// LoadBattery loads previously-saved external RAM into the cart, if it
// supports battery backing. Reports whether the cart accepted it.
func (m *Machine) LoadBattery(data []byte) bool {
	if m.m == nil {
		return false
	}
	if bb, ok := m.m.Bus.Cart().(cart.BatteryBacked); ok {
		bb.LoadRAM(data)
		return true
	}
	return false
}

// SaveBattery returns the cart's external RAM for persistence, if battery
// backed.
func (m *Machine) SaveBattery() ([]byte, bool) {
	if m.m == nil {
		return nil, false
	}
	if bb, ok := m.m.Bus.Cart().(cart.BatteryBacked); ok {
		return bb.SaveRAM(), true
	}
	return nil, false
}

func (m *Machine) SaveStateToFile(path string) error {
	if m.m == nil {
		return os.ErrInvalid
	}
	return os.WriteFile(path, m.m.SaveState(), 0644)
}

func (m *Machine) LoadStateFromFile(path string) error {
	if m.m == nil {
		return os.ErrInvalid
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	m.m.LoadState(data)
	return nil
}

// APUBufferedStereo, APUPullStereo, APUCapBufferedStereo, and
// APUClearAudioLatency forward to the Bus's APU accessors for the audio
// player goroutine in internal/ui.
func (m *Machine) APUBufferedStereo() int {
	if m.m == nil {
		return 0
	}
	return m.m.Bus.APUBufferedStereo()
}

func (m *Machine) APUPullStereo(max int) []int16 {
	if m.m == nil {
		return nil
	}
	return m.m.Bus.APUPullStereo(max)
}

func (m *Machine) APUCapBufferedStereo(maxFrames int) {
	if m.m != nil {
		m.m.Bus.APUCapBufferedStereo(maxFrames)
	}
}

func (m *Machine) APUClearAudioLatency() {
	if m.m != nil {
		m.m.Bus.APUClearAudioLatency()
	}
}
