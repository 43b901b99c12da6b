package push

import "time"

// Schedule is a fixed ordered sequence of retry delays indexed by the
// number of attempts already made. Unlike an open-ended exponential
// strategy, a schedule is finite: once the attempt index runs past the
// end, the delivery is exhausted and moves to failed_permanent.
type Schedule []time.Duration

// Delay returns the backoff delay after the given number of attempts
// (0 for the delay before the first retry). The second return value is
// false when the schedule is exhausted.
func (s Schedule) Delay(attempts int) (time.Duration, bool) {
	if attempts < 0 || attempts >= len(s) {
		return 0, false
	}
	return s[attempts], true
}

// DefaultSchedule spreads seven retries across a day: fast at first for
// blips, then increasingly patient for longer push-service outages.
func DefaultSchedule() Schedule {
	return Schedule{
		15 * time.Second,
		time.Minute,
		5 * time.Minute,
		15 * time.Minute,
		time.Hour,
		6 * time.Hour,
		24 * time.Hour,
	}
}
