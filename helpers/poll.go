package helpers

import "time"

// Clock abstracts wall time for deadline loops so timeout behavior is
// testable without real delays.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type RealClock struct{}

func (RealClock) Now() time.Time        { return time.Now() }
func (RealClock) Sleep(d time.Duration) { time.Sleep(d) }

// PollUntil calls pred every interval until it returns true or deadline
// passes. pred is always called at least once. Returns false on deadline.
func PollUntil(c Clock, interval, deadline time.Duration, pred func() bool) bool {
	tfinal := c.Now().Add(deadline)
	for {
		if pred() {
			return true
		}
		if !c.Now().Before(tfinal) {
			return false
		}
		c.Sleep(interval)
	}
}

// MockClock advances only via Sleep. Single goroutine use.
type MockClock struct {
	T      time.Time
	Slept  time.Duration
	Sleeps int
}

func (m *MockClock) Now() time.Time { return m.T }
func (m *MockClock) Sleep(d time.Duration) {
	m.T = m.T.Add(d)
	m.Slept += d
	m.Sleeps++
}
