package cpu

// PCCR bit layout of the performance counter control register.
const (
	pccrEXL0   = 1 << 1
	pccrK0     = 1 << 2
	pccrS0     = 1 << 3
	pccrU0     = 1 << 4
	pccrEvent0 = 5
	pccrEXL1   = 1 << 11
	pccrK1     = 1 << 12
	pccrS1     = 1 << 13
	pccrU1     = 1 << 14
	pccrEvent1 = 15
	pccrCTE    = 1 << 31

	pccrEventMask = 0x1F

	// EventProcessorCycle counts processor cycles.
	EventProcessorCycle = 1
)

// CounterEnabled returns whether the performance counters are enabled.
func (c *Context) CounterEnabled() bool {
	return c.PCCR&pccrCTE != 0
}

// CounterEvent returns the event that the given counter (0 or 1) is
// configured to count.
func (c *Context) CounterEvent(counter int) uint32 {
	if counter == 0 {
		return c.PCCR >> pccrEvent0 & pccrEventMask
	}
	return c.PCCR >> pccrEvent1 & pccrEventMask
}

// CounterModeEnabled returns whether the given counter counts in any
// processor mode.
func (c *Context) CounterModeEnabled(counter int) bool {
	if counter == 0 {
		return c.PCCR&(pccrU0|pccrS0|pccrK0|pccrEXL0) != 0
	}
	return c.PCCR&(pccrU1|pccrS1|pccrK1|pccrEXL1) != 0
}

// CountPerformance advances the performance counters by the given ticks
// for all counters that count processor cycles.
func (c *Context) CountPerformance(ticks uint32) {
	if !c.CounterEnabled() {
		return
	}
	for counter := range 2 {
		if c.CounterModeEnabled(counter) && c.CounterEvent(counter) == EventProcessorCycle {
			c.PCR[counter] += ticks
		}
	}
}
