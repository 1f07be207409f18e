// Package clock abstracts time for deterministic batch runs and tests.
package clock

import (
	"time"

	"go.uber.org/fx"
)

// Clock supplies the current instant. Batch runs read it exactly once at
// start so that a whole run shares a single executeTime.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock. All instants are normalized to UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

func ProvideClock() Clock {
	return &SystemClock{}
}

var Module = fx.Module("clock",
	fx.Provide(ProvideClock),
)
