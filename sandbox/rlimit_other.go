//go:build !linux

package sandbox

const canLimitMemory = false

// limitMemory is unavailable without prlimit(2); the process backend runs
// uncapped on these platforms.
func limitMemory(int, int64) error {
	return nil
}
