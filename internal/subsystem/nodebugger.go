//go:build !eedebug

package subsystem

const debugger = false
