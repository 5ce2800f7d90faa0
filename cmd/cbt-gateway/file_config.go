package main

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/kstaniek/go-cbt-gateway/internal/can"
	"github.com/kstaniek/go-cbt-gateway/internal/filter"
	"github.com/kstaniek/go-cbt-gateway/internal/link"
)

// fileConfig is the optional TOML file describing the link state applied at
// startup:
//
//	[wired]
//	log = [1, 3]
//	[[wired.filter]]
//	bus = 1
//	lo = 0x100
//	hi = 0x1FF
type fileConfig struct {
	Wired    linkConfig `toml:"wired"`
	Wireless linkConfig `toml:"wireless"`
}

type linkConfig struct {
	Log    []int          `toml:"log"`
	Filter []filterConfig `toml:"filter"`
}

type filterConfig struct {
	Bus int    `toml:"bus"`
	Lo  uint16 `toml:"lo"`
	Hi  uint16 `toml:"hi"`
}

func loadFileConfig(path string) (*fileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config file: %w", err)
	}
	var fc fileConfig
	if err := toml.Unmarshal(b, &fc); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return &fc, nil
}

func (fc *fileConfig) validate() error {
	for name, lc := range map[string]linkConfig{"wired": fc.Wired, "wireless": fc.Wireless} {
		for _, bus := range lc.Log {
			if !can.ValidBus(bus) {
				return fmt.Errorf("%s.log: invalid bus %d", name, bus)
			}
		}
		per := map[int]int{}
		for _, f := range lc.Filter {
			if !can.ValidBus(f.Bus) {
				return fmt.Errorf("%s.filter: invalid bus %d", name, f.Bus)
			}
			per[f.Bus]++
			if per[f.Bus] > filter.MaxRanges {
				return fmt.Errorf("%s.filter: more than %d ranges for bus %d", name, filter.MaxRanges, f.Bus)
			}
		}
	}
	return nil
}

// apply installs the configured masks and filters on the links of p.
func (fc *fileConfig) apply(p *link.Pair) error {
	for _, x := range []struct {
		l  *link.Link
		lc linkConfig
	}{{p.Wired(), fc.Wired}, {p.Wireless(), fc.Wireless}} {
		for _, bus := range x.lc.Log {
			if err := x.l.SetLogging(uint8(bus), true); err != nil {
				return err
			}
		}
		ranges := map[uint8][]filter.Range{}
		for _, f := range x.lc.Filter {
			ranges[uint8(f.Bus)] = append(ranges[uint8(f.Bus)], filter.Range{Lo: f.Lo, Hi: f.Hi})
		}
		for bus, rs := range ranges {
			if err := x.l.Filters.Set(bus, rs...); err != nil {
				return fmt.Errorf("%s filter: %w", x.l, err)
			}
		}
	}
	return nil
}
