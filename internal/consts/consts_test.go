package consts

import (
	"testing"

	"github.com/retroenv/retrogolib/assert"
)

func TestRegisterNames(t *testing.T) {
	tests := []struct {
		address uint32
		read    string
		write   string
	}{
		{0x1000F000, "INTC_STAT", "INTC_STAT"},
		{0x10007000, "IPU_OUT_FIFO", "0x10007000"},
		{0x1000F180, "0x1000F180", "KPUTCHAR"},
		{0x10000004, "0x10000004", "0x10000004"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.read, ReadName(tt.address))
		assert.Equal(t, tt.write, WriteName(tt.address))
	}
}

func TestGetSetsAddress(t *testing.T) {
	c, ok := Get(VUCMSAR1)
	assert.True(t, ok)
	assert.Equal(t, uint32(VUCMSAR1), c.Address)
	assert.Equal(t, "VU_CMSAR1", c.Write)

	_, ok = Get(0x10000004)
	assert.False(t, ok)
}
