//go:build !linux

package dastream

// AvailableMemory is unknown on this platform, so allocations are not checked.
func AvailableMemory() (uint64, bool) {
	return 0, false
}
