package dastream

import "fmt"

// DefaultMemoryFraction is the largest share of available memory that a ring
// buffer may claim.
const DefaultMemoryFraction = 0.9

// MemoryProbe reports the bytes of memory available for new allocations.
// It returns ok=false when the amount cannot be determined.
type MemoryProbe func() (available uint64, ok bool)

// checkAllocation refuses an allocation of nbytes larger than fraction of what
// probe reports. An unknown amount of memory permits the allocation.
func checkAllocation(nbytes uint64, probe MemoryProbe, fraction float64) error {
	if probe == nil {
		probe = AvailableMemory
	}
	if fraction <= 0 || fraction > 1 {
		fraction = DefaultMemoryFraction
	}
	available, ok := probe()
	if !ok {
		UpdateLogger.Printf("Available memory unknown; allocating %d bytes without a safety check", nbytes)
		return nil
	}
	limit := uint64(fraction * float64(available))
	if nbytes > limit {
		return fmt.Errorf("%w: need %d bytes, limit is %d (%.0f%% of %d available)",
			ErrOutOfMemory, nbytes, limit, 100*fraction, available)
	}
	return nil
}
