package cart

import "testing"

func TestMBC5_BankZeroIsLegal(t *testing.T) {
	rom := make([]byte, 1024*1024)
	for bank := 0; bank < 64; bank++ {
		rom[bank*0x4000] = byte(bank)
	}
	m := NewMBC5(rom, 0)

	// Unlike MBC1/MBC3, writing 0 to the low bank byte selects bank 0, not 1.
	m.Write(0x2000, 0x00)
	if got := m.Read(0x4000); got != 0x00 {
		t.Fatalf("bank 0 read got %02X want 00", got)
	}

	m.Write(0x2000, 0x05)
	if got := m.Read(0x4000); got != 0x05 {
		t.Fatalf("bank 5 read got %02X want 05", got)
	}
}

func TestMBC5_RAMRoundTrip(t *testing.T) {
	rom := make([]byte, 0x8000)
	m := NewMBC5(rom, 0x2000)
	m.Write(0x0000, 0x0A)
	m.Write(0x4000, 0x01)
	m.Write(0xA000, 0x42)

	blob := m.SaveState()
	n := NewMBC5(rom, 0x2000)
	n.LoadState(blob)
	n.Write(0x0000, 0x0A)
	if got := n.Read(0xA000); got != 0x42 {
		t.Fatalf("restored RAM got %02X want 42", got)
	}
}
