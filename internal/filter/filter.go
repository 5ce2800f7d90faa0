// Package filter holds the per-link, per-bus identifier filters that decide
// which frames are relayed to an external link.
package filter

import (
	"errors"
	"fmt"

	"github.com/kstaniek/go-cbt-gateway/internal/can"
)

// MaxRanges is the number of id ranges a single bus filter can hold.
const MaxRanges = 2

var (
	ErrUnknownBus    = errors.New("filter: bus out of range")
	ErrTooManyRanges = errors.New("filter: too many ranges")
)

// Range is an inclusive identifier range. The zero Range is the "disabled"
// sentinel and matches every id when it is the only entry.
type Range struct {
	Lo uint16
	Hi uint16
}

// Disabled reports whether r is the 0/0 sentinel.
func (r Range) Disabled() bool { return r.Lo == 0 && r.Hi == 0 }

// Contains compares with full 16-bit unsigned arithmetic; reversed bounds are
// accepted.
func (r Range) Contains(id uint16) bool {
	lo, hi := r.Lo, r.Hi
	if lo > hi {
		lo, hi = hi, lo
	}
	return id >= lo && id <= hi
}

func (r Range) String() string {
	if r.Disabled() {
		return "disabled"
	}
	return fmt.Sprintf("0x%03X-0x%03X", r.Lo, r.Hi)
}

// Table is the filter state of one link. The zero value has every bus
// disabled (match all).
//
// Each bus has MaxRanges slots. The logging command owns SlotLogging and the
// wireless filter command owns SlotWireless, so neither clears the other.
type Table struct {
	ranges [can.NumBuses][MaxRanges]Range
}

// Slots of a bus filter.
const (
	SlotLogging  = 0
	SlotWireless = 1
)

// Set replaces every slot of bus. Disabled pairs are dropped, so Set(bus,
// Range{}) disables filtering for that bus.
func (t *Table) Set(bus uint8, rs ...Range) error {
	if !can.ValidBus(int(bus)) {
		return fmt.Errorf("%w: %d", ErrUnknownBus, bus)
	}
	var kept [MaxRanges]Range
	n := 0
	for _, r := range rs {
		if r.Disabled() {
			continue
		}
		if n == MaxRanges {
			return fmt.Errorf("%w: bus %d accepts %d", ErrTooManyRanges, bus, MaxRanges)
		}
		kept[n] = r
		n++
	}
	t.ranges[bus-1] = kept
	return nil
}

// SetSlot replaces one slot of bus; a disabled r empties it.
func (t *Table) SetSlot(bus uint8, slot int, r Range) error {
	if !can.ValidBus(int(bus)) {
		return fmt.Errorf("%w: %d", ErrUnknownBus, bus)
	}
	if slot < 0 || slot >= MaxRanges {
		return fmt.Errorf("%w: slot %d", ErrTooManyRanges, slot)
	}
	t.ranges[bus-1][slot] = r
	return nil
}

// Clear disables filtering for bus.
func (t *Table) Clear(bus uint8) { _ = t.Set(bus) }

// Active reports whether bus has at least one range.
func (t *Table) Active(bus uint8) bool { return len(t.Ranges(bus)) > 0 }

// Ranges returns the ranges configured for bus in slot order.
func (t *Table) Ranges(bus uint8) []Range {
	if !can.ValidBus(int(bus)) {
		return nil
	}
	var out []Range
	for _, r := range t.ranges[bus-1] {
		if !r.Disabled() {
			out = append(out, r)
		}
	}
	return out
}

// Match reports whether a frame with id from bus passes the filter.
// Frames from unknown buses never match.
func (t *Table) Match(bus uint8, id uint16) bool {
	if !can.ValidBus(int(bus)) {
		return false
	}
	active := false
	for _, r := range t.ranges[bus-1] {
		if r.Disabled() {
			continue
		}
		if r.Contains(id) {
			return true
		}
		active = true
	}
	return !active
}
