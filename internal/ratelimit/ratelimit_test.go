package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiter_AdmitsUpToLimit(t *testing.T) {
	l := New(3, 10*time.Second)

	assert.True(t, l.Allow())
	assert.True(t, l.Allow())
	assert.True(t, l.Allow())
	assert.False(t, l.Allow(), "fourth message in the window must be rejected")
}

func TestLimiter_WindowSlides(t *testing.T) {
	now := time.Unix(1000, 0)
	l := New(2, 10*time.Second)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow())
	assert.True(t, l.Allow())
	assert.False(t, l.Allow())

	// First event falls out of the window; one slot frees up.
	now = now.Add(11 * time.Second)
	assert.True(t, l.Allow())
}

func TestLimiter_RejectedEventsDoNotConsumeSlots(t *testing.T) {
	now := time.Unix(1000, 0)
	l := New(1, 10*time.Second)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow())
	for i := 0; i < 5; i++ {
		assert.False(t, l.Allow())
	}

	now = now.Add(11 * time.Second)
	assert.True(t, l.Allow(), "rejections must not extend the window")
}
