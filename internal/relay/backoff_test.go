package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_Delay(t *testing.T) {
	b := NewBackoff(time.Second, 10*time.Second)
	b.rnd = func(int64) int64 { return 0 }

	assert.Equal(t, time.Second, b.Delay(0))
	assert.Equal(t, time.Second, b.Delay(1))
	assert.Equal(t, 2*time.Second, b.Delay(2))
	assert.Equal(t, 8*time.Second, b.Delay(4))
	assert.Equal(t, 10*time.Second, b.Delay(5))
	assert.Equal(t, 10*time.Second, b.Delay(60))
}

func TestBackoff_JitterStaysWithinBounds(t *testing.T) {
	b := NewBackoff(time.Second, time.Minute)
	for attempt := 1; attempt <= 8; attempt++ {
		base := time.Second << (attempt - 1)
		if base > time.Minute {
			base = time.Minute
		}
		for i := 0; i < 20; i++ {
			d := b.Delay(attempt)
			assert.GreaterOrEqual(t, d, base)
			assert.LessOrEqual(t, d, time.Minute)
			assert.Less(t, d, 2*base)
		}
	}
}
