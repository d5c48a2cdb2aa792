// Package trigger arms a capture when any channel reaches a threshold and
// signals when enough post-trigger frames have been collected.
package trigger

import (
	"github.com/mklimuk/adcap"
)

type State int

const (
	Idle State = iota
	Counting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Counting:
		return "counting"
	default:
		return "unknown"
	}
}

// Ready is emitted once per armed cycle. Cursor is the ring write cursor at
// emission time, the oldest slot of the window to extract.
type Ready struct {
	Cursor int
	// Channel and Value describe the reading that armed the trigger; Channel
	// is an offset into the frame.
	Channel int
	Value   int
}

// Window is the number of frames, the arming one included, collected before
// a capture is emitted: ceil(2/3 x samplesPerChannel).
func Window(samplesPerChannel int) int {
	return (2*samplesPerChannel + 2) / 3
}

type Controller struct {
	threshold int
	window    int
	state     State
	counter   int
	armed     Ready
}

func New(threshold, samplesPerChannel int) *Controller {
	w := Window(samplesPerChannel)
	if w < 1 {
		w = 1
	}
	return &Controller{
		threshold: threshold,
		window:    w,
	}
}

// Observe feeds the frame just appended to the ring. From idle, the first
// channel at or above threshold arms the controller; while counting, further
// crossings are ignored. When the counter reaches the window, Ready is
// returned with cursor and the controller goes back to idle.
func (c *Controller) Observe(f adcap.Frame, cursor int) (Ready, bool) {
	switch c.state {
	case Idle:
		for ch, v := range f {
			if v >= c.threshold {
				c.state = Counting
				c.counter = 1
				c.armed = Ready{Channel: ch, Value: v}
				break
			}
		}
		if c.state == Idle {
			return Ready{}, false
		}
	case Counting:
		c.counter++
	}
	if c.counter < c.window {
		return Ready{}, false
	}
	r := c.armed
	r.Cursor = cursor
	c.Reset()
	return r, true
}

func (c *Controller) State() State { return c.state }

// Counter is the number of frames observed since arming, 0 when idle.
func (c *Controller) Counter() int { return c.counter }

func (c *Controller) Window() int { return c.window }

func (c *Controller) Threshold() int { return c.threshold }

// Armed returns the reading that armed the current cycle.
func (c *Controller) Armed() (Ready, bool) {
	return c.armed, c.state == Counting
}

func (c *Controller) Reset() {
	c.state = Idle
	c.counter = 0
	c.armed = Ready{}
}
