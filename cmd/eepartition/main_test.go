package main

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/retroenv/retroee/internal/arch/mips"
	"github.com/retroenv/retrogolib/assert"
	"github.com/retroenv/retrogolib/log"
)

func TestParseAddresses(t *testing.T) {
	addresses, err := parseAddresses("0x100000, 0x100020,")
	assert.NoError(t, err)
	assert.Equal(t, []uint32{0x100000, 0x100020}, addresses)

	_, err = parseAddresses("start")
	assert.ErrorContains(t, err, "parsing address")
}

func TestReport(t *testing.T) {
	code := []uint32{
		0x24840001, // addiu a0, a0, 1
		mips.OpcodeJRRA,
		mips.OpcodeNOP,
	}
	data := make([]byte, len(code)*4)
	for i, op := range code {
		binary.LittleEndian.PutUint32(data[i*4:], op)
	}
	path := filepath.Join(t.TempDir(), "program.bin")
	assert.NoError(t, os.WriteFile(path, data, 0600))

	var buf bytes.Buffer
	err := report(&buf, log.NewTestLogger(t), optionFlags{
		input:   path,
		address: "0x00100000",
	})
	assert.NoError(t, err)

	assert.Contains(t, buf.String(), "0x00100000-0x00100008")
	assert.Contains(t, buf.String(), "1 blocks")
}
