//go:build linux

package sandbox

import "golang.org/x/sys/unix"

const canLimitMemory = true

// limitMemory caps the data segment (heap and private anonymous mappings)
// of a running process.
func limitMemory(pid int, bytes int64) error {
	lim := &unix.Rlimit{Cur: uint64(bytes), Max: uint64(bytes)}
	return unix.Prlimit(pid, unix.RLIMIT_DATA, lim, nil)
}
