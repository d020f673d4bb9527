package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManualAdvance(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	m := NewManual(start)
	assert.Equal(t, start, m.Now())

	m.Advance(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second), m.Now())
}

func TestManualAfterFiresAtDeadline(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	ch := m.After(time.Second)

	m.Advance(500 * time.Millisecond)
	select {
	case <-ch:
		t.Fatal("fired before its deadline")
	default:
	}

	m.Advance(600 * time.Millisecond)
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("never fired after the deadline passed")
	}
}

func TestManualAfterMultipleWaiters(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	short := m.After(time.Second)
	long := m.After(time.Minute)

	m.Advance(2 * time.Second)
	select {
	case <-short:
	case <-time.After(time.Second):
		t.Fatal("short waiter never fired")
	}
	select {
	case <-long:
		t.Fatal("long waiter fired early")
	default:
	}
}

func TestRealClock(t *testing.T) {
	c := New()
	before := time.Now()
	now := c.Now()
	assert.False(t, now.Before(before.Add(-time.Second)))

	select {
	case <-c.After(time.Millisecond):
	case <-time.After(time.Second):
		t.Fatal("real After never fired")
	}
}
