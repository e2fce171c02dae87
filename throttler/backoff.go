package throttler

import (
	"github.com/pkg/errors"
	"go.gazette.dev/hadron/fault"
)

// BackoffPolicy shrinks a stride by a fixed fraction, down to a floor.
type BackoffPolicy struct {
	// ReductionFactor is the fraction of the stride removed by each backoff.
	ReductionFactor float64
	// MinStride is the smallest permitted stride.
	MinStride int
}

// DefaultBackoffPolicy removes 20% of the stride, down to a single row.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{ReductionFactor: 0.2, MinStride: 1}
}

// Validate the BackoffPolicy against an initial |stride|.
func (p BackoffPolicy) Validate(stride int) error {
	if p.ReductionFactor <= 0 || p.ReductionFactor >= 1 {
		return fault.Errorf(fault.Precondition,
			"backoff reduction factor must be greater than 0, and less than 1 (got %v)", p.ReductionFactor)
	} else if p.MinStride < 1 {
		return fault.Errorf(fault.Precondition, "min stride size must be an integer greater than 0 (got %d)", p.MinStride)
	} else if p.MinStride > stride {
		return fault.Errorf(fault.Precondition,
			"min stride size must be less than or equal to stride (%d > %d)", p.MinStride, stride)
	}
	return nil
}

// Reduce |stride| by the ReductionFactor. It errors, rather than return a
// stride which is unchanged or below MinStride.
func (p BackoffPolicy) Reduce(stride int) (int, error) {
	var next = int(float64(stride) * (1 - p.ReductionFactor))

	if next == stride {
		return stride, errors.New("cannot backoff any further")
	} else if next < p.MinStride {
		return stride, errors.Errorf("cannot reduce stride below %d", p.MinStride)
	}
	return next, nil
}
