package cart

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"time"
)

// nowUnix is indirected so tests can control the RTC's wall-clock source.
var nowUnix = func() int64 { return time.Now().Unix() }

// MBC3 implements ROM/RAM banking plus the real-time clock (spec §4.3):
// 7-bit ROM bank, 2-bit RAM bank or RTC register select, and a latch
// sequence (write 0x00 then 0x01 to 0x6000-0x7FFF) that freezes the live
// RTC into a latched shadow the CPU actually reads.
//
// Banking behavior:
//   - 0000-1FFF: RAM/RTC enable (0x0A in low nibble)
//   - 2000-3FFF: ROM bank, 7 bits (0 maps to 1)
//   - 4000-5FFF: RAM bank (0-3) or RTC register select (0x08-0x0C)
//   - 6000-7FFF: latch-clock trigger (0x00 then 0x01)
//   - A000-BFFF: external RAM, or the latched RTC register when selected
type MBC3 struct {
	rom []byte
	ram []byte

	ramEnabled bool
	romBank    byte // 7 bits, 0 remaps to 1
	ramBank    byte // 0..3 selects RAM; 0x08..0x0C selects an RTC register
	rtcSelect  bool

	// Live RTC counters, advanced lazily from wall-clock time.
	rtcSec, rtcMin, rtcHour byte
	rtcDay                  uint16 // 9-bit day counter
	rtcHalt                 bool
	rtcCarry                bool
	lastRTCWallSec          int64

	// Latched shadow, the values actually exposed to reads until the next latch.
	latchSec, latchMin, latchHour byte
	latchDay                      uint16
	latchHalt, latchCarry         bool

	lastLatchWrite byte
}

func NewMBC3(rom []byte, ramSize int) *MBC3 {
	m := &MBC3{rom: rom}
	if ramSize > 0 {
		m.ram = make([]byte, ramSize)
	}
	m.romBank = 1
	m.lastRTCWallSec = nowUnix()
	return m
}

func (m *MBC3) Read(addr uint16) byte {
	m.updateRTC()
	switch {
	case addr < 0x4000:
		if int(addr) < len(m.rom) {
			return m.rom[addr]
		}
		return 0xFF
	case addr < 0x8000:
		bank := m.romBank & 0x7F
		if bank == 0 {
			bank = 1
		}
		off := int(bank)*0x4000 + int(addr-0x4000)
		if off >= 0 && off < len(m.rom) {
			return m.rom[off]
		}
		return 0xFF
	case addr >= 0xA000 && addr <= 0xBFFF:
		if !m.ramEnabled {
			return 0xFF
		}
		if m.rtcSelect {
			return m.readRTCRegister()
		}
		if len(m.ram) == 0 {
			return 0xFF
		}
		off := int(m.ramBank&0x03)*0x2000 + int(addr-0xA000)
		if off >= 0 && off < len(m.ram) {
			return m.ram[off]
		}
		return 0xFF
	default:
		return 0xFF
	}
}

func (m *MBC3) readRTCRegister() byte {
	switch m.ramBank {
	case 0x08:
		return m.latchSec
	case 0x09:
		return m.latchMin
	case 0x0A:
		return m.latchHour
	case 0x0B:
		return byte(m.latchDay & 0xFF)
	case 0x0C:
		v := byte((m.latchDay >> 8) & 0x01)
		if m.latchHalt {
			v |= 0x40
		}
		if m.latchCarry {
			v |= 0x80
		}
		return v
	}
	return 0xFF
}

func (m *MBC3) Write(addr uint16, value byte) {
	m.updateRTC()
	switch {
	case addr < 0x2000:
		m.ramEnabled = (value & 0x0F) == 0x0A
	case addr < 0x4000:
		v := value & 0x7F
		if v == 0 {
			v = 1
		}
		m.romBank = v
	case addr < 0x6000:
		m.ramBank = value
		m.rtcSelect = value >= 0x08 && value <= 0x0C
	case addr < 0x8000:
		if m.lastLatchWrite == 0x00 && value == 0x01 {
			m.latchSec, m.latchMin, m.latchHour = m.rtcSec, m.rtcMin, m.rtcHour
			m.latchDay, m.latchHalt, m.latchCarry = m.rtcDay, m.rtcHalt, m.rtcCarry
		}
		m.lastLatchWrite = value
	case addr >= 0xA000 && addr <= 0xBFFF:
		if !m.ramEnabled {
			return
		}
		if m.rtcSelect {
			m.writeRTCRegister(value)
			return
		}
		if len(m.ram) == 0 {
			return
		}
		off := int(m.ramBank&0x03)*0x2000 + int(addr-0xA000)
		if off >= 0 && off < len(m.ram) {
			m.ram[off] = value
		}
	}
}

func (m *MBC3) writeRTCRegister(value byte) {
	switch m.ramBank {
	case 0x08:
		m.rtcSec = value % 60
	case 0x09:
		m.rtcMin = value % 60
	case 0x0A:
		m.rtcHour = value % 24
	case 0x0B:
		m.rtcDay = (m.rtcDay &^ 0xFF) | uint16(value)
	case 0x0C:
		m.rtcDay = (m.rtcDay & 0xFF) | uint16(value&0x01)<<8
		m.rtcHalt = value&0x40 != 0
		m.rtcCarry = value&0x80 != 0
		m.lastRTCWallSec = nowUnix()
	}
}

// updateRTC advances the live RTC by the wall-clock seconds elapsed since
// the last check, per spec §4.3 (the clock keeps running across power-offs).
func (m *MBC3) updateRTC() {
	if m.rtcHalt {
		return
	}
	now := nowUnix()
	elapsed := now - m.lastRTCWallSec
	if elapsed <= 0 {
		return
	}
	m.lastRTCWallSec = now

	total := int64(m.rtcSec) + int64(m.rtcMin)*60 + int64(m.rtcHour)*3600 + int64(m.rtcDay)*86400 + elapsed
	days := total / 86400
	rem := total % 86400
	m.rtcSec = byte(rem % 60)
	rem /= 60
	m.rtcMin = byte(rem % 60)
	rem /= 60
	m.rtcHour = byte(rem % 24)
	if days > 0x1FF {
		m.rtcCarry = true
		days %= 0x200
	}
	m.rtcDay = uint16(days)
}

// Save blob layout (spec §4.3, §7): ram_bytes || packed_rtc_state (5 bytes:
// S, M, H, day-low, day-high/halt/carry) || last_save_timestamp (u64 LE
// seconds), so a reload can fast-forward the clock across a real power-off.
func (m *MBC3) SaveRAM() []byte {
	m.updateRTC()
	out := make([]byte, len(m.ram)+5+8)
	copy(out, m.ram)
	off := len(m.ram)
	out[off+0] = m.rtcSec
	out[off+1] = m.rtcMin
	out[off+2] = m.rtcHour
	out[off+3] = byte(m.rtcDay & 0xFF)
	dh := byte((m.rtcDay >> 8) & 0x01)
	if m.rtcHalt {
		dh |= 0x40
	}
	if m.rtcCarry {
		dh |= 0x80
	}
	out[off+4] = dh
	binary.LittleEndian.PutUint64(out[off+5:off+13], uint64(nowUnix()))
	return out
}

// LoadRAM restores RAM and, when the footer is present, the RTC state,
// advancing it by the wall-clock time elapsed since the save. A blob
// shorter than the RAM plus the 13-byte RTC footer is treated as RAM-only
// with the RTC reset to zero (spec §7's malformed-save-blob policy).
func (m *MBC3) LoadRAM(data []byte) {
	n := len(m.ram)
	if n > 0 && len(data) > 0 {
		copy(m.ram, data[:min(n, len(data))])
	}
	want := n + 5 + 8
	if len(data) < want {
		m.rtcSec, m.rtcMin, m.rtcHour, m.rtcDay = 0, 0, 0, 0
		m.rtcHalt, m.rtcCarry = false, false
		m.lastRTCWallSec = nowUnix()
		return
	}
	m.rtcSec = data[n+0]
	m.rtcMin = data[n+1]
	m.rtcHour = data[n+2]
	dh := data[n+4]
	m.rtcDay = uint16(data[n+3]) | uint16(dh&0x01)<<8
	m.rtcHalt = dh&0x40 != 0
	m.rtcCarry = dh&0x80 != 0
	m.lastRTCWallSec = int64(binary.LittleEndian.Uint64(data[n+5 : n+13]))
	m.updateRTC()
}

type mbc3State struct {
	RAMEnabled              bool
	ROMBank, RAMBank        byte
	RTCSelect               bool
	RTCSec, RTCMin, RTCHour byte
	RTCDay                  uint16
	RTCHalt, RTCCarry       bool
	LastWallSec             int64
	LatchSec, LatchMin, LatchHour byte
	LatchDay                      uint16
	LatchHalt, LatchCarry         bool
	RAM                           []byte
}

// SaveState captures banking registers and the live (unlatched) RTC for
// save-state snapshots, distinct from the battery-save blob SaveRAM produces.
func (m *MBC3) SaveState() []byte {
	var buf bytes.Buffer
	_ = gob.NewEncoder(&buf).Encode(mbc3State{
		RAMEnabled: m.ramEnabled, ROMBank: m.romBank, RAMBank: m.ramBank, RTCSelect: m.rtcSelect,
		RTCSec: m.rtcSec, RTCMin: m.rtcMin, RTCHour: m.rtcHour, RTCDay: m.rtcDay,
		RTCHalt: m.rtcHalt, RTCCarry: m.rtcCarry, LastWallSec: m.lastRTCWallSec,
		LatchSec: m.latchSec, LatchMin: m.latchMin, LatchHour: m.latchHour,
		LatchDay: m.latchDay, LatchHalt: m.latchHalt, LatchCarry: m.latchCarry,
		RAM: m.ram,
	})
	return buf.Bytes()
}

func (m *MBC3) LoadState(data []byte) {
	var s mbc3State
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return
	}
	m.ramEnabled, m.romBank, m.ramBank, m.rtcSelect = s.RAMEnabled, s.ROMBank, s.RAMBank, s.RTCSelect
	m.rtcSec, m.rtcMin, m.rtcHour, m.rtcDay = s.RTCSec, s.RTCMin, s.RTCHour, s.RTCDay
	m.rtcHalt, m.rtcCarry, m.lastRTCWallSec = s.RTCHalt, s.RTCCarry, s.LastWallSec
	m.latchSec, m.latchMin, m.latchHour = s.LatchSec, s.LatchMin, s.LatchHour
	m.latchDay, m.latchHalt, m.latchCarry = s.LatchDay, s.LatchHalt, s.LatchCarry
	if len(m.ram) > 0 && len(s.RAM) > 0 {
		copy(m.ram, s.RAM)
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
