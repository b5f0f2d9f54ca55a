package kvstore

import "time"

// Clock supplies the time used to name rotated segments. Tests swap in a
// fixed clock through WithClock to get predictable segment names.
type Clock interface {
	Now() time.Time
}

var _ Clock = wallClock{}

// wallClock reads the system time. Rotation does not trust it to be monotonic.
type wallClock struct{}

// NewRealClock returns the Clock an Engine uses unless WithClock overrides it.
func NewRealClock() Clock {
	return wallClock{}
}

func (wallClock) Now() time.Time {
	return time.Now()
}
