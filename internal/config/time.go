package config

import "time"

type Timer struct {
	Days    uint32 `yaml:"days"`
	Hours   uint32 `yaml:"hours"`
	Minutes uint32 `yaml:"minutes"`
	Seconds uint32 `yaml:"seconds"`
}

// IsZero reports whether no component of the timer is set.
func (t Timer) IsZero() bool {
	return t.Days == 0 && t.Hours == 0 && t.Minutes == 0 && t.Seconds == 0
}

// Duration converts the timer as-is; an empty timer is zero.
func (t Timer) Duration() time.Duration {
	return time.Duration(CalculateMillisecondsOfCheckingPeriod(t)) * time.Millisecond
}

// CalculateBetweenTime converts a scheduling timer, never returning less than a second.
func CalculateBetweenTime(timer Timer) time.Duration {
	intervalMs := CalculateMillisecondsOfCheckingPeriod(timer)

	minInterval := uint64(1000)
	if intervalMs < minInterval {
		intervalMs = minInterval
	}

	return time.Duration(intervalMs) * time.Millisecond
}

func CalculateMillisecondsOfCheckingPeriod(timer Timer) uint64 {
	return uint64(timer.Days)*24*60*60*1000 +
		uint64(timer.Hours)*60*60*1000 +
		uint64(timer.Minutes)*60*1000 +
		uint64(timer.Seconds)*1000
}
