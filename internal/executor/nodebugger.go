//go:build !eedebug

package executor

const debugger = false
