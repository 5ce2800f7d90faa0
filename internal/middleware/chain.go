// Package middleware defines the frame pipeline stages run by the control loop.
package middleware

import (
	"fmt"

	"github.com/kstaniek/go-cbt-gateway/internal/can"
	"github.com/kstaniek/go-cbt-gateway/internal/metrics"
)

// Middleware is offered every dequeued frame exactly once.
//
// Tick runs once per control-loop iteration regardless of frame flow and is
// used for link detection and housekeeping. Process returns the frame handed
// to the next member; members may observe, rewrite or emit side output but the
// frame always continues down the chain.
type Middleware interface {
	Tick()
	Process(can.Frame) can.Frame
}

// Chain is an ordered, immutable list of middleware.
type Chain struct {
	members []Middleware
}

// NewChain builds a chain; nil members are skipped.
func NewChain(members ...Middleware) *Chain {
	c := &Chain{members: make([]Middleware, 0, len(members))}
	for _, m := range members {
		if m != nil {
			c.members = append(c.members, m)
		}
	}
	return c
}

// Tick ticks every member in chain order.
func (c *Chain) Tick() {
	for _, m := range c.members {
		m.Tick()
	}
}

// Process threads fr through every member in order and returns the result of
// the last one.
func (c *Chain) Process(fr can.Frame) can.Frame {
	for _, m := range c.members {
		fr = m.Process(fr)
	}
	metrics.IncProcessed()
	return fr
}

// Len returns the number of members.
func (c *Chain) Len() int { return len(c.members) }

// Names describes the members for startup logging.
func (c *Chain) Names() []string {
	out := make([]string, len(c.members))
	for i, m := range c.members {
		if s, ok := m.(fmt.Stringer); ok {
			out[i] = s.String()
			continue
		}
		out[i] = fmt.Sprintf("%T", m)
	}
	return out
}

// Func adapts a plain process function into a Middleware with a no-op Tick.
type Func func(can.Frame) can.Frame

func (Func) Tick() {}

func (f Func) Process(fr can.Frame) can.Frame { return f(fr) }
