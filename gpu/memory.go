package gpu

import "fmt"

// FindMemoryKind returns the first kind allowed by req.KindBits whose
// properties are a superset of want.
func FindMemoryKind(kinds []MemoryKind, req MemoryRequirements, want MemoryProperty) (int, error) {
	for i, k := range kinds {
		if i >= 32 {
			break
		}
		if req.KindBits&(1<<uint(i)) == 0 {
			continue
		}
		if k.Properties.Has(want) {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: no memory kind with %s in mask %#b", ErrOutOfDeviceMemory, want, req.KindBits)
}
