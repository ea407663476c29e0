// Package machine drives a single Game Boy instance: it owns the CPU and
// Bus, steps whole frames, and (via Run) coordinates a dedicated emulation
// goroutine against sink consumers using errgroup so shutdown is clean.
package machine

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/student/gbcore/internal/bus"
	"github.com/student/gbcore/internal/cart"
	"github.com/student/gbcore/internal/cpu"
)

// TCyclesPerFrame is the DMG/CGB T-cycle count of one 59.7 Hz video frame
// (154 scanlines * 456 cycles).
const TCyclesPerFrame = 70224

// FPS is the nominal Game Boy refresh rate.
const FPS = 4194304.0 / TCyclesPerFrame

// Config selects the hardware mode and a few host-visible behaviors that
// affect emulation (as opposed to ui.Config, which only affects the window).
type Config struct {
	CGB          bool // power on in Game Boy Color mode
	Trace        bool // reserved for a future CPU instruction tracer; unused today
	UseFetcherBG bool // not read anywhere; the DMG BG always renders through the fetcher path
}

// FrameSink receives a completed RGBA framebuffer (160*144*4 bytes) once per
// CycleFrame call made by the Run loop.
type FrameSink interface {
	PushFrame(rgba []byte)
}

// AudioSink receives interleaved stereo int16 samples as they drain from the
// APU's ring buffer.
type AudioSink interface {
	PushAudio(stereo []int16)
}

// JoypadSource is polled once per frame for the current button state, using
// the bus.Joyp* bitmask.
type JoypadSource interface {
	Buttons() byte
}

// Machine owns one Game Boy's CPU, Bus (and transitively PPU/APU/cartridge)
// and exposes CycleFrame as the single per-frame drive step; Run wraps
// CycleFrame in a real-time loop coordinated against sink goroutines.
type Machine struct {
	Bus *bus.Bus
	CPU *cpu.CPU
	cfg Config
}

// New creates a Machine with no cartridge loaded yet; call LoadCartridge
// before CycleFrame.
func New(cfg Config) *Machine {
	return &Machine{cfg: cfg}
}

// LoadCartridge parses rom's header, builds the matching MBC, and resets the
// CPU past the boot sequence (post-boot register state, matching a real boot
// ROM handoff).
func (m *Machine) LoadCartridge(rom []byte) error {
	if len(rom) < 0x150 {
		return fmt.Errorf("machine: rom too short (%d bytes, need at least 0x150)", len(rom))
	}
	c := cart.NewCartridge(rom)
	if m.cfg.CGB {
		m.Bus = bus.NewCGB(c)
	} else {
		m.Bus = bus.NewWithCartridge(c)
	}
	m.CPU = cpu.New(m.Bus)
	m.CPU.ResetNoBoot()
	return nil
}

// LoadCartridgeWithBoot behaves like LoadCartridge but additionally maps a
// boot ROM at 0x0000-0x00FF and starts the CPU at PC=0 instead of jumping
// straight to the post-boot state, so the real boot animation/checks run.
func (m *Machine) LoadCartridgeWithBoot(rom, boot []byte) error {
	if err := m.LoadCartridge(rom); err != nil {
		return err
	}
	if len(boot) >= 0x100 {
		m.Bus.SetBootROM(boot)
		m.CPU.SetPC(0)
	}
	return nil
}

// CycleFrame advances the CPU (and, transitively via Bus.Tick, the PPU,
// APU, and both DMA engines) by exactly one video frame's worth of T-cycles.
// CPU.Step already dispatches pending interrupts and ticks the bus with the
// cycles it consumes, so CycleFrame only needs to keep calling Step until
// the frame's cycle budget is spent.
func (m *Machine) CycleFrame() {
	budget := TCyclesPerFrame
	for budget > 0 {
		budget -= m.CPU.Step()
	}
}

// Framebuffer renders the current PPU scanline buffer into an RGBA image.
func (m *Machine) Framebuffer() []byte {
	return m.Bus.PPU().RenderFrame()
}

// Run drives the machine in real time until ctx is canceled: one goroutine
// paces CycleFrame at ~59.7 Hz and polls joy, the other drains completed
// frames/audio to the sinks. errgroup.WithContext ties their lifetimes
// together so an error returned by either goroutine cancels the other and
// Run returns once both have exited.
func (m *Machine) Run(ctx context.Context, frames FrameSink, audio AudioSink, joy JoypadSource) error {
	g, ctx := errgroup.WithContext(ctx)
	pending := make(chan []byte, 2)

	g.Go(func() error {
		defer close(pending)
		ticker := time.NewTicker(time.Duration(float64(time.Second) / FPS))
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if joy != nil {
					m.Bus.SetJoypadState(joy.Buttons())
				}
				m.CycleFrame()
				fb := make([]byte, 160*144*4)
				copy(fb, m.Framebuffer())
				select {
				case pending <- fb:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	})

	g.Go(func() error {
		for fb := range pending {
			if frames != nil {
				frames.PushFrame(fb)
			}
			if audio != nil {
				if samples := m.Bus.APUPullStereo(4096); len(samples) > 0 {
					audio.PushAudio(samples)
				}
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// SaveState concatenates the CPU's register snapshot with the Bus's
// snapshot (which itself covers PPU/APU/cartridge state); the CPU blob is
// preceded by its 4-byte big-endian length and the Bus blob fills the rest,
// so LoadState can split them back apart.
func (m *Machine) SaveState() []byte {
	cs := m.CPU.SaveState()
	bs := m.Bus.SaveState()
	out := make([]byte, 4+len(cs)+len(bs))
	binary.BigEndian.PutUint32(out, uint32(len(cs)))
	copy(out[4:], cs)
	copy(out[4+len(cs):], bs)
	return out
}

func (m *Machine) LoadState(data []byte) {
	if len(data) < 4 {
		return
	}
	n := int(binary.BigEndian.Uint32(data))
	if 4+n > len(data) {
		return
	}
	m.CPU.LoadState(data[4 : 4+n])
	m.Bus.LoadState(data[4+n:])
}
