package config

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid config")

// Validate checks the config for unknown names and impossible sizes. All
// problems are reported together.
func (c *Config) Validate() error {
	var err error

	switch c.Build.SplitStrategy {
	case SplitSimple, SplitMedian, SplitMidpoint:
	default:
		err = multierr.Append(err, fmt.Errorf("%w: unknown split_strategy %q", ErrInvalid, c.Build.SplitStrategy))
	}
	if c.Build.MaxTrianglesPerBLAS == 0 {
		err = multierr.Append(err, fmt.Errorf("%w: max_triangles_per_blas must be positive", ErrInvalid))
	}
	if c.Build.Workers < 0 {
		err = multierr.Append(err, fmt.Errorf("%w: workers must not be negative", ErrInvalid))
	}
	if c.Accel.BlasBuildMemoryBudget == 0 {
		err = multierr.Append(err, fmt.Errorf("%w: blas_build_memory_budget must be positive", ErrInvalid))
	}
	if a := c.Accel.ByteAlignment; a == 0 || a&(a-1) != 0 {
		err = multierr.Append(err, fmt.Errorf("%w: byte_alignment %d is not a power of two", ErrInvalid, a))
	}
	if !validMode(c.Accel.BlasUpdateMode) {
		err = multierr.Append(err, fmt.Errorf("%w: unknown blas_update_mode %q", ErrInvalid, c.Accel.BlasUpdateMode))
	}
	if !validMode(c.Accel.TlasUpdateMode) {
		err = multierr.Append(err, fmt.Errorf("%w: unknown tlas_update_mode %q", ErrInvalid, c.Accel.TlasUpdateMode))
	}
	if c.Accel.RayTypeCount == 0 {
		err = multierr.Append(err, fmt.Errorf("%w: ray_type_count must be positive", ErrInvalid))
	}
	return err
}

func validMode(mode string) bool {
	return mode == UpdateRefit || mode == UpdateRebuild
}
