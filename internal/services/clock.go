package services

import "time"

// Clock supplies the current time to the stores. Injecting it lets tests
// advance time deterministically instead of sleeping.
type Clock func() time.Time

// SystemClock is the wall clock used in production.
func SystemClock() time.Time {
	return time.Now()
}
