//go:build darwin

package config

import "golang.org/x/sys/unix"

// totalSystemRAM reads hw.memsize, the physical memory the default cache
// ceiling is a fraction of.
func totalSystemRAM() (uint64, error) {
	return unix.SysctlUint64("hw.memsize")
}
