//go:build eedebug

package subsystem

// debugger delays interrupts while a breakpoint is hit.
const debugger = true
