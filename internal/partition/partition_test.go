package partition

import (
	"testing"

	"github.com/google/btree"
	"github.com/retroenv/retroee/internal/arch/mips"
	"github.com/retroenv/retroee/internal/memmap"
	"github.com/retroenv/retroee/internal/registry"
	"github.com/retroenv/retrogolib/assert"
	"github.com/retroenv/retrogolib/log"
)

const (
	nop     = mips.OpcodeNOP
	jrRA    = mips.OpcodeJRRA
	syscall = 0x0000000C
)

type blockRange struct {
	begin uint32
	end   uint32
}

func setup(t *testing.T) (*Partitioner, *mockMemory, *registry.Registry) {
	t.Helper()
	logger := log.NewTestLogger(t)
	mem := newMockMemory()
	reg := registry.New(logger)
	return New(logger, mips.New(), mem, reg), mem, reg
}

func blocks(reg *registry.Registry) []blockRange {
	var result []blockRange
	for _, b := range reg.Blocks() {
		result = append(result, blockRange{b.Begin(), b.End()})
	}
	return result
}

func TestPartitionFunction(t *testing.T) {
	tests := []struct {
		name   string
		code   []uint32
		want   []blockRange
		points []uint32
	}{
		{
			name:   "straight function",
			code:   []uint32{nop, nop, jrRA, nop},
			want:   []blockRange{{0x1000, 0x100C}},
			points: []uint32{0x1000, 0x1010},
		},
		{
			name: "forward branch inside function",
			code: []uint32{
				nop,
				0x10000002, // beq $0, $0, 0x1010
				nop,
				nop,
				nop,
				jrRA,
				nop,
			},
			want:   []blockRange{{0x1000, 0x1008}, {0x100C, 0x100C}, {0x1010, 0x1018}},
			points: []uint32{0x1000, 0x100C, 0x1010, 0x101C},
		},
		{
			name: "branch target outside function is ignored",
			code: []uint32{
				0x1000FFFB, // beq $0, $0, 0x0FF0
				nop,
				jrRA,
				nop,
			},
			want:   []blockRange{{0x1000, 0x1004}, {0x1008, 0x100C}},
			points: []uint32{0x1000, 0x1008, 0x1010},
		},
		{
			name: "syscall ends a block without delay slot",
			code: []uint32{
				nop,
				syscall,
				nop,
				jrRA,
				nop,
			},
			want:   []blockRange{{0x1000, 0x1004}, {0x1008, 0x1010}},
			points: []uint32{0x1000, 0x1008, 0x1014},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, mem, reg := setup(t)
			mem.program(0x1000, tt.code...)

			result := p.PartitionFunction(0x1000)

			assert.True(t, result.Terminated)
			assert.Equal(t, tt.points, result.Points)
			assert.Equal(t, tt.want, blocks(reg))
			assert.NoError(t, reg.Validate())
		})
	}
}

func TestPartitionRespectsExistingBlocks(t *testing.T) {
	p, mem, reg := setup(t)
	mem.program(0x1000, nop, nop, nop, nop, jrRA, nop)
	reg.CreateBlock(0x1008, 0x100C)

	result := p.PartitionFunction(0x1000)

	assert.Equal(t, []uint32{0x1000, 0x1008, 0x1010, 0x1018}, result.Points)
	assert.Equal(t, []blockRange{{0x1000, 0x1004}, {0x1008, 0x100C}, {0x1010, 0x1014}}, blocks(reg))
}

func TestPartitionCoverage(t *testing.T) {
	p, mem, reg := setup(t)
	mem.program(0x2000,
		nop,
		0x14400003, // bne $v0, $0, 0x2014
		nop,
		0x0C000C00, // jal 0x3000
		nop,
		0x0440FFFB, // bltz $v0, 0x2004
		nop,
		jrRA,
		nop,
	)

	result := p.PartitionFunction(0x2000)

	assert.Equal(t, uint32(0x2020), result.End)
	for address := uint32(0x2000); address <= result.End; address += 4 {
		b := reg.FindBlockAt(address)
		assert.NotNil(t, b)
	}
	assert.NotNil(t, reg.FindBlockStartingAt(0x2000))
	assert.NoError(t, reg.Validate())
}

func TestPartitionWithoutReturn(t *testing.T) {
	p, _, reg := setup(t)

	result := p.PartitionFunction(0x0)

	assert.False(t, result.Terminated)
	assert.Equal(t, uint32(0x10004), result.End)

	previous := result.Points[0]
	for _, point := range result.Points[1:] {
		assert.True(t, point-previous <= maxBlockSize)
		previous = point
	}
	for address := uint32(0); address < result.End; address += 4 {
		assert.NotNil(t, reg.FindBlockAt(address))
	}
	assert.NoError(t, reg.Validate())
}

func TestPartitionIntoUnmappedMemory(t *testing.T) {
	logger := log.NewTestLogger(t)
	memory := memmap.New(logger, "ee")
	code := make([]byte, 0x10)
	memory.InsertInstructionMap(0x1000, 0x100F, code)
	memory.Seal()
	reg := registry.New(logger)
	p := New(logger, mips.New(), memory, reg)

	result := p.PartitionFunction(0x1000)

	assert.False(t, result.Terminated)
	assert.Equal(t, uint32(0x11004), result.End)
	assert.NotNil(t, reg.FindBlockAt(0x1000))
	assert.NoError(t, reg.Validate())
}

func TestSplitOversized(t *testing.T) {
	p, _, _ := setup(t)
	points := btree.NewG(8, btree.Less[uint32]())
	points.ReplaceOrInsert(0x1000)
	points.ReplaceOrInsert(0x1C00)

	p.splitOversized(points)

	var got []uint32
	points.Ascend(func(point uint32) bool {
		got = append(got, point)
		return true
	})
	assert.Equal(t, []uint32{0x1000, 0x1300, 0x1600, 0x1900, 0x1C00}, got)
}

func TestMidpoint(t *testing.T) {
	assert.Equal(t, uint32(0x1600), midpoint(0x1000, 0x1C00))
	assert.Equal(t, uint32(0x1200), midpoint(0x1000, 0x1404))
	assert.Equal(t, uint32(0xFFFFF7FC), midpoint(0xFFFFF000, 0xFFFFFFFC))
}
