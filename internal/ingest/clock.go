package ingest

import (
	"sync"
	"time"
)

// Clock abstracts time.Now so tests can pin timestamps.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// RealClock reads the system clock in UTC.
func RealClock() Clock { return realClock{} }

// monotonic never hands out a timestamp earlier than the previous one, even if
// the wall clock steps backwards.
type monotonic struct {
	mu   sync.Mutex
	src  Clock
	last time.Time
}

func newMonotonic(src Clock) *monotonic {
	if src == nil {
		src = RealClock()
	}
	return &monotonic{src: src}
}

func (m *monotonic) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.src.Now()
	if now.Before(m.last) {
		now = m.last
	}
	m.last = now
	return now
}
