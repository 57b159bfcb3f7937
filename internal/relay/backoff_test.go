package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDoublesUpToMax(t *testing.T) {
	b := NewBackoff(time.Second, 10*time.Second)
	var got []time.Duration
	for i := 0; i < 6; i++ {
		got = append(got, b.Next())
	}
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second,
	}, got)
}

func TestBackoffResetStartsOver(t *testing.T) {
	b := NewBackoff(100*time.Millisecond, time.Second)
	b.Next()
	b.Next()
	b.Next()
	b.Reset()
	assert.Equal(t, 100*time.Millisecond, b.Next())
}

func TestBackoffNeverDecreasesBeforeReset(t *testing.T) {
	b := NewBackoff(3*time.Millisecond, 5*time.Minute)
	prev := time.Duration(0)
	for i := 0; i < 40; i++ {
		d := b.Next()
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, 5*time.Minute)
		prev = d
	}
}
