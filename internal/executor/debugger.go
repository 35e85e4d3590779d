//go:build eedebug

package executor

// debugger enables breakpoint checks in the dispatch loop.
const debugger = true
