package middleware

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kstaniek/go-cbt-gateway/internal/can"
)

type recorder struct {
	name  string
	log   *[]string
	ticks int
}

func (r *recorder) Tick() { r.ticks++ }

func (r *recorder) Process(fr can.Frame) can.Frame {
	*r.log = append(*r.log, r.name)
	return fr
}

func (r *recorder) String() string { return r.name }

func TestChainOrder(t *testing.T) {
	var log []string
	a := &recorder{name: "a", log: &log}
	b := &recorder{name: "b", log: &log}
	c := NewChain(a, nil, b)

	assert.Equal(t, 2, c.Len())
	assert.Equal(t, []string{"a", "b"}, c.Names())

	c.Process(can.Frame{BusID: 1})
	c.Process(can.Frame{BusID: 2})
	assert.Equal(t, []string{"a", "b", "a", "b"}, log)

	c.Tick()
	assert.Equal(t, 1, a.ticks)
	assert.Equal(t, 1, b.ticks)
}

func TestChainPassesRewrittenFrame(t *testing.T) {
	bump := Func(func(fr can.Frame) can.Frame {
		fr.Data[0]++
		return fr
	})
	var seen can.Frame
	observe := Func(func(fr can.Frame) can.Frame {
		seen = fr
		return fr
	})
	c := NewChain(bump, bump, observe)

	out := c.Process(can.Frame{BusID: 1, Len: 1})
	assert.Equal(t, byte(2), seen.Data[0])
	assert.Equal(t, seen, out)
}
