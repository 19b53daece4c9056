// Package clock abstracts time so caches and pollers can be tested
// deterministically. Production code uses Real(); tests use Fake().
package clock

import "time"

type Clock interface {
	Now() time.Time

	// After returns a channel that receives once d has elapsed.
	// If d <= 0 the channel receives immediately.
	After(d time.Duration) <-chan time.Time
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Since is time.Since against c.
func Since(c Clock, t time.Time) time.Duration { return c.Now().Sub(t) }
