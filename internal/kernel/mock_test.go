package kernel

import "github.com/retroenv/retroee/internal/device/dmac"

// mockDMAC implements the DMAC status register semantics: status bits are
// cleared and mask bits toggled by writing one.
type mockDMAC struct {
	stat uint32
}

func (m *mockDMAC) GetRegister(address uint32) uint32 {
	if address == dmac.RegStat {
		return m.stat
	}
	return 0
}

func (m *mockDMAC) SetRegister(address, value uint32) {
	if address != dmac.RegStat {
		return
	}
	m.stat &^= value & 0xFFFF
	m.stat ^= value & 0xFFFF0000
}

type sifTransfer struct {
	address uint32
	qwc     uint32
}

type mockSIF struct {
	registers map[uint32]uint32
	transfers []sifTransfer
}

func newMockSIF() *mockSIF {
	return &mockSIF{
		registers: make(map[uint32]uint32),
	}
}

func (m *mockSIF) Register(index uint32) uint32 {
	return m.registers[index]
}

func (m *mockSIF) SetRegister(index, value uint32) {
	m.registers[index] = value
}

func (m *mockSIF) ReceiveDMA6(address, qwc, _ uint32, _ bool) uint32 {
	m.transfers = append(m.transfers, sifTransfer{address: address, qwc: qwc})
	return qwc
}
