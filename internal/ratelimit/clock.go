package ratelimit

import "time"

// Clock abstracts time.Now so rate limits are testable with a fake clock.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
