package runtime

import "time"

// clock abstracts crash-retry scheduling so backoff is testable
// without real sleeps.
type clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) timer
}

type timer interface {
	Stop() bool
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, fn func()) timer {
	return time.AfterFunc(d, fn)
}
