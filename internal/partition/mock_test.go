package partition

// mockMemory is an instruction memory backed by a map, unset words read as nop.
type mockMemory struct {
	words map[uint32]uint32
}

func newMockMemory() *mockMemory {
	return &mockMemory{
		words: make(map[uint32]uint32),
	}
}

func (m *mockMemory) FetchInstruction(address uint32) (uint32, bool) {
	opcode, ok := m.words[address]
	return opcode, ok
}

// program writes consecutive instruction words starting at the address.
func (m *mockMemory) program(address uint32, opcodes ...uint32) {
	for i, op := range opcodes {
		m.words[address+uint32(i)*4] = op
	}
}
