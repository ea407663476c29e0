// Package joypad implements the P1 (0xFF00) row-matrix register (spec §4.5).
package joypad

import "github.com/student/gbcore/internal/interrupt"

// Button bitmasks for the state bitmap returned by a JoypadSource, matching
// spec §4.5's 8-button vector {A,B,Start,Select,Up,Down,Left,Right}.
const (
	Right = 1 << iota
	Left
	Up
	Down
	A
	B
	Select
	Start
)

// Source is the external capability the machine loop polls once per frame.
type Source interface {
	Provide() byte
}

// Joypad tracks the current button bitmap and the P1 row-select bits
// written by software, raising a Joypad interrupt on any falling edge
// (button press) within the currently selected row(s).
type Joypad struct {
	irq *interrupt.Controller

	selectBits byte // bits 5-4 of P1 as last written
	pressed    byte // bitmask of the Right..Start constants, 1 = pressed
	lastLower4 byte // last computed active-low lower nibble, for edge detection
}

func New(irq *interrupt.Controller) *Joypad {
	return &Joypad{irq: irq, lastLower4: 0x0F}
}

// SetButtons is called once per frame with the host's current button state.
func (j *Joypad) SetButtons(mask byte) {
	j.pressed = mask
	j.recompute()
}

// Read returns the P1 register value: bits 7-6 read as 1, bits 5-4 mirror
// the last select write, bits 3-0 are the active-low state of whichever
// row(s) are selected.
func (j *Joypad) Read() byte {
	return 0xC0 | (j.selectBits & 0x30) | j.lower4()
}

// Write handles a P1 write; only bits 5-4 (row select) are writable.
func (j *Joypad) Write(v byte) {
	j.selectBits = v & 0x30
	j.recompute()
}

func (j *Joypad) lower4() byte {
	lower := byte(0x0F)
	if j.selectBits&0x10 == 0 { // P14 low selects D-pad
		if j.pressed&Right != 0 {
			lower &^= 0x01
		}
		if j.pressed&Left != 0 {
			lower &^= 0x02
		}
		if j.pressed&Up != 0 {
			lower &^= 0x04
		}
		if j.pressed&Down != 0 {
			lower &^= 0x08
		}
	}
	if j.selectBits&0x20 == 0 { // P15 low selects buttons
		if j.pressed&A != 0 {
			lower &^= 0x01
		}
		if j.pressed&B != 0 {
			lower &^= 0x02
		}
		if j.pressed&Select != 0 {
			lower &^= 0x04
		}
		if j.pressed&Start != 0 {
			lower &^= 0x08
		}
	}
	return lower
}

func (j *Joypad) recompute() {
	newLower := j.lower4()
	// A 1->0 transition on any line the CPU is watching raises the IRQ.
	if j.lastLower4&^newLower != 0 {
		j.irq.Request(interrupt.Joypad)
	}
	j.lastLower4 = newLower
}
