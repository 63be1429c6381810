package sdk

import (
	"regexp"
	"strconv"
)

// instancePattern is the authoritative form of a persisted parallel
// instance id: base id plus a decimal index suffix.
var instancePattern = regexp.MustCompile(`^(.+)_(\d+)$`)

// InstanceID is the structured form of a node id inside a run. Parallel
// instances produced by a splitter carry a zero-based index; base nodes do
// not. The joined string form is only rendered when persisting or logging.
type InstanceID struct {
	Base     string
	Index    int
	Parallel bool
}

// BaseID returns a non-parallel instance id.
func BaseID(base string) InstanceID {
	return InstanceID{Base: base}
}

// ParallelID returns the instance id for (base, index).
func ParallelID(base string, index int) InstanceID {
	return InstanceID{Base: base, Index: index, Parallel: true}
}

// ParseInstanceID splits a persisted node id into (base, index). Ids without
// the reserved _<digits> suffix parse as non-parallel.
func ParseInstanceID(id string) InstanceID {
	m := instancePattern.FindStringSubmatch(id)
	if m == nil {
		return InstanceID{Base: id}
	}
	idx, err := strconv.Atoi(m[2])
	if err != nil {
		// Digit run too long for int; treat as a plain id.
		return InstanceID{Base: id}
	}
	return InstanceID{Base: m[1], Index: idx, Parallel: true}
}

// HasInstanceSuffix reports whether an authored id collides with the
// reserved parallel-instance form.
func HasInstanceSuffix(id string) bool {
	return instancePattern.MatchString(id)
}

// String renders the persisted id form: base, or base_<index>.
func (i InstanceID) String() string {
	if !i.Parallel {
		return i.Base
	}
	return i.Base + "_" + strconv.Itoa(i.Index)
}

// WithBase keeps the parallel index but swaps the base id. Used when a
// suffix is inherited by a successor of a parallel instance.
func (i InstanceID) WithBase(base string) InstanceID {
	return InstanceID{Base: base, Index: i.Index, Parallel: i.Parallel}
}
