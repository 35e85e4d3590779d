// Package consts contains the memory layout and hardware register constants of the
// emotion engine bus, and a translation table from register addresses to names.
package consts

import "fmt"

// Memory layout of the emotion engine address space.
const (
	RAMSize  = 0x02000000 // 32 MB main memory
	BIOSAddr = 0x1FC00000
	BIOSSize = 0x00400000
	SPRAddr  = 0x02000000 // scratch-pad RAM as seen after address translation
	SPRSize  = 0x00004000

	MicroMem0Addr = 0x11000000
	MicroMem0Size = 0x00001000
	VUMem0Addr    = 0x11004000
	VUMem0Size    = 0x00001000
	MicroMem1Addr = 0x11008000
	MicroMem1Size = 0x00004000
	VUMem1Addr    = 0x1100C000
	VUMem1Size    = 0x00004000

	FakeIOPRAMAddr = 0x1C000000
	FakeIOPRAMSize = 0x00001000
)

// I/O port windows dispatched by the sub system. End addresses are inclusive.
const (
	IOPortStart   = 0x10000000
	IOPortEnd     = 0x10FFFFFF
	GSPrivStart   = 0x12000000
	GSPrivEnd     = 0x12FFFFFF
	GSPrivRegsEnd = 0x1200108C

	TimerStart      = 0x10000000
	TimerEnd        = 0x1000183F
	IPUStart        = 0x10002000
	IPUEnd          = 0x1000203F
	IPUFIFOOut      = 0x10007000
	IPUFIFOIn       = 0x10007010
	IPUFIFOEnd      = 0x1000702F
	GIFStart        = 0x10003000
	GIFEnd          = 0x100030AF
	VIF0Start       = 0x10003800
	VIF0End         = 0x1000397F
	VIF1Start       = 0x10003C00
	VIF1End         = 0x10003D7F
	VIF0FIFO        = 0x10004000
	VIF0FIFOEnd     = 0x10004FFF
	VIF1FIFO        = 0x10005000
	VIF1FIFOEnd     = 0x10005FFF
	DMACStart       = 0x10008000
	DMACEnd         = 0x1000EFFC
	INTCStart       = 0x1000F000
	INTCEnd         = 0x1000F01C
	StdoutPort      = 0x1000F180
	DMACEnableStart = 0x1000F520
	DMACEnableEnd   = 0x1000F59C
)

// Registers with special handling in the sub system.
const (
	INTCStat = 0x1000F000
	INTCMask = 0x1000F010
	GSCSR    = 0x12001000

	VUCMSAR1 = 0x1000FFC0

	VUITOP   = 0x00008A00 // VU local view
	VUTOP    = 0x00008A10
	VUXGKICK = 0x00008A20
)

// Constant represents a register translation from a read and write operation to a name.
type Constant struct {
	Address uint32

	Read  string
	Write string
}

var registers = map[uint32]Constant{
	0x10000000: {Read: "T0_COUNT", Write: "T0_COUNT"},
	0x10000010: {Read: "T0_MODE", Write: "T0_MODE"},
	0x10000020: {Read: "T0_COMP", Write: "T0_COMP"},
	0x10000030: {Read: "T0_HOLD", Write: "T0_HOLD"},
	0x10000800: {Read: "T1_COUNT", Write: "T1_COUNT"},
	0x10000810: {Read: "T1_MODE", Write: "T1_MODE"},
	0x10000820: {Read: "T1_COMP", Write: "T1_COMP"},
	0x10000830: {Read: "T1_HOLD", Write: "T1_HOLD"},
	0x10001000: {Read: "T2_COUNT", Write: "T2_COUNT"},
	0x10001010: {Read: "T2_MODE", Write: "T2_MODE"},
	0x10001020: {Read: "T2_COMP", Write: "T2_COMP"},
	0x10001800: {Read: "T3_COUNT", Write: "T3_COUNT"},
	0x10001810: {Read: "T3_MODE", Write: "T3_MODE"},
	0x10001820: {Read: "T3_COMP", Write: "T3_COMP"},
	0x10002000: {Read: "IPU_CMD", Write: "IPU_CMD"},
	0x10002010: {Read: "IPU_CTRL", Write: "IPU_CTRL"},
	0x10002020: {Read: "IPU_BP", Write: "IPU_BP"},
	0x10002030: {Read: "IPU_TOP", Write: "IPU_TOP"},
	0x10003000: {Read: "GIF_CTRL", Write: "GIF_CTRL"},
	0x10003010: {Read: "GIF_MODE", Write: "GIF_MODE"},
	0x10003020: {Read: "GIF_STAT", Write: "GIF_STAT"},
	0x10003800: {Read: "VIF0_STAT", Write: "VIF0_STAT"},
	0x10003C00: {Read: "VIF1_STAT", Write: "VIF1_STAT"},
	0x10007000: {Read: "IPU_OUT_FIFO"},
	0x10007010: {Write: "IPU_IN_FIFO"},
	0x1000E000: {Read: "D_CTRL", Write: "D_CTRL"},
	0x1000E010: {Read: "D_STAT", Write: "D_STAT"},
	0x1000E020: {Read: "D_PCR", Write: "D_PCR"},
	0x1000E030: {Read: "D_SQWC", Write: "D_SQWC"},
	0x1000E040: {Read: "D_RBSR", Write: "D_RBSR"},
	0x1000E050: {Read: "D_RBOR", Write: "D_RBOR"},
	0x1000E060: {Read: "D_STADR", Write: "D_STADR"},
	0x1000F000: {Read: "INTC_STAT", Write: "INTC_STAT"},
	0x1000F010: {Read: "INTC_MASK", Write: "INTC_MASK"},
	0x1000F180: {Write: "KPUTCHAR"},
	0x1000F520: {Read: "D_ENABLER"},
	0x1000F590: {Write: "D_ENABLEW"},
	0x1000FFC0: {Write: "VU_CMSAR1"},
	0x12001000: {Read: "GS_CSR", Write: "GS_CSR"},
	0x12001080: {Read: "GS_SIGLBLID", Write: "GS_SIGLBLID"},
}

func init() {
	for address, c := range registers {
		c.Address = address
		registers[address] = c
	}
}

// Get returns the register constant for the given address.
func Get(address uint32) (Constant, bool) {
	c, ok := registers[address]
	return c, ok
}

// ReadName returns a printable name for a register read access.
func ReadName(address uint32) string {
	if c, ok := registers[address]; ok && c.Read != "" {
		return c.Read
	}
	return fmt.Sprintf("0x%08X", address)
}

// WriteName returns a printable name for a register write access.
func WriteName(address uint32) string {
	if c, ok := registers[address]; ok && c.Write != "" {
		return c.Write
	}
	return fmt.Sprintf("0x%08X", address)
}
