package dastream

import (
	"strconv"
	"strings"

	"github.com/lorenzosaino/go-sysctl"
	"golang.org/x/sys/unix"
)

// AvailableMemory returns free plus buffer RAM, less the kernel's reserve of
// vm.min_free_kbytes, which user allocations can never claim.
func AvailableMemory() (uint64, bool) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, false
	}
	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	available := (uint64(info.Freeram) + uint64(info.Bufferram)) * unit

	reserve := uint64(0)
	if text, err := sysctl.Get("vm.min_free_kbytes"); err == nil {
		if kb, err := strconv.ParseUint(strings.TrimSpace(text), 10, 64); err == nil {
			reserve = kb * 1024
		}
	}
	if reserve >= available {
		return 0, true
	}
	return available - reserve, true
}
