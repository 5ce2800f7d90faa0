package main

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/kstaniek/go-cbt-gateway/internal/can"
)

func parseBus(s string) (uint8, error) {
	n, err := strconv.Atoi(s)
	if err != nil || !can.ValidBus(n) {
		return 0, fmt.Errorf("bus must be 1..%d, got %q", can.NumBuses, s)
	}
	return uint8(n), nil
}

func parseID(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 16)
	if err != nil {
		return 0, fmt.Errorf("id %q: %w", s, err)
	}
	return uint16(v), nil
}

func parseRange(lo, hi string) ([2]uint16, error) {
	l, err := parseID(lo)
	if err != nil {
		return [2]uint16{}, err
	}
	h, err := parseID(hi)
	if err != nil {
		return [2]uint16{}, err
	}
	return [2]uint16{l, h}, nil
}

func parseOnOff(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "1", "true":
		return true, nil
	case "off", "0", "false":
		return false, nil
	}
	return false, fmt.Errorf("expected on|off, got %q", s)
}

// parseFrame builds a frame from bus, id and optional hex payload
// ("cafe", "ca:fe" and "ca fe" are accepted).
func parseFrame(args []string) (can.Frame, error) {
	var fr can.Frame
	bus, err := parseBus(args[0])
	if err != nil {
		return fr, err
	}
	id, err := parseID(args[1])
	if err != nil {
		return fr, err
	}
	fr.BusID, fr.ID = bus, id
	if len(args) > 2 {
		clean := strings.NewReplacer(":", "", " ", "").Replace(args[2])
		data, err := hex.DecodeString(clean)
		if err != nil {
			return fr, fmt.Errorf("data: %w", err)
		}
		if len(data) > can.MaxLen {
			return fr, fmt.Errorf("data: %d bytes exceeds %d", len(data), can.MaxLen)
		}
		fr.Len = uint8(copy(fr.Data[:], data))
	}
	return fr, nil
}

// formatFrame renders a logged frame candump style with the bus status.
func formatFrame(fr can.Frame) string {
	return fmt.Sprintf("can%d  %03X   [%d]  % X  status=0x%02X", fr.BusID, fr.ID, fr.Len, fr.Payload(), fr.BusStatus)
}
