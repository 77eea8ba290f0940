package scheduler

import (
	"math/rand/v2"
	"sync"
)

// DelayDrawer picks the next inter-send delay in minutes, uniformly from [min, max]
type DelayDrawer interface {
	Draw(minMinutes, maxMinutes int) int
}

// DelayFunc adapts a function to DelayDrawer
type DelayFunc func(minMinutes, maxMinutes int) int

func (f DelayFunc) Draw(minMinutes, maxMinutes int) int { return f(minMinutes, maxMinutes) }

type randomDelayDrawer struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewRandomDelayDrawer returns a goroutine-safe drawer seeded once
func NewRandomDelayDrawer(seed uint64) DelayDrawer {
	return &randomDelayDrawer{rnd: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (d *randomDelayDrawer) Draw(minMinutes, maxMinutes int) int {
	if maxMinutes <= minMinutes {
		return minMinutes
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return minMinutes + d.rnd.IntN(maxMinutes-minMinutes+1)
}
