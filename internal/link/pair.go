package link

import (
	"bytes"

	"github.com/kstaniek/go-cbt-gateway/internal/logging"
	"github.com/kstaniek/go-cbt-gateway/internal/metrics"
)

// ExitPassthrough is the byte sequence that ends passthrough when it arrives
// on a control-capable link (wireless-module opcode, exit sub-op).
var ExitPassthrough = []byte{0x08, 0x03}

const relayChunk = 256

// Pair groups the wired and wireless links with the state they share: which
// link produced input most recently (replies go there) and whether the links
// are bridged in passthrough mode.
type Pair struct {
	links       [2]*Link
	active      ID
	passthrough bool
	// held marks a control link whose last relayed byte was the first byte
	// of ExitPassthrough; it is withheld until the next byte decides.
	held        [2]bool
}

// NewPair creates a pair; the wired link starts active.
func NewPair(wired, wireless *Link) *Pair {
	return &Pair{links: [2]*Link{wired, wireless}, active: Wired}
}

func (p *Pair) Get(id ID) *Link   { return p.links[id&1] }
func (p *Pair) Wired() *Link      { return p.links[Wired] }
func (p *Pair) Wireless() *Link   { return p.links[Wireless] }
func (p *Pair) Active() *Link     { return p.links[p.active] }
func (p *Pair) ActiveID() ID      { return p.active }
func (p *Pair) SetActive(id ID)   { p.active = id & 1 }
func (p *Pair) Passthrough() bool { return p.passthrough }

// Links returns both links, wired first.
func (p *Pair) Links() []*Link { return p.links[:] }

// SetPassthrough switches the relay mode. Switching discards nothing; bytes
// already buffered are relayed (on) or parsed (off) on the next step.
func (p *Pair) SetPassthrough(on bool) {
	if p.passthrough == on {
		return
	}
	p.passthrough = on
	p.held = [2]bool{}
	metrics.SetPassthrough(on)
	logging.L().Info("passthrough", "active", on)
}

// Relay forwards every pending byte to the opposite link. A control-capable
// link is scanned for ExitPassthrough, also across reads: a trailing first
// byte of the sequence is withheld until the next byte arrives. The sequence
// is consumed, passthrough ends and anything after it stays buffered for
// command parsing. Relay returns true when passthrough was exited.
func (p *Pair) Relay() bool {
	if !p.passthrough {
		return false
	}
	var buf [relayChunk]byte
	for _, src := range p.links {
		dst := p.links[src.id.Other()]
		for src.Available() > 0 {
			n := src.ReadAvailable(buf[:])
			chunk := buf[:n]
			if !src.control {
				_, _ = dst.Write(chunk)
				continue
			}
			if p.held[src.id] {
				p.held[src.id] = false
				if n > 0 && chunk[0] == ExitPassthrough[1] {
					src.Unread(chunk[1:])
					p.exit(src)
					return true
				}
				_, _ = dst.Write(ExitPassthrough[:1])
			}
			if i := bytes.Index(chunk, ExitPassthrough); i >= 0 {
				if i > 0 {
					_, _ = dst.Write(chunk[:i])
				}
				src.Unread(chunk[i+len(ExitPassthrough):])
				p.exit(src)
				return true
			}
			if n > 0 && chunk[n-1] == ExitPassthrough[0] {
				p.held[src.id] = true
				chunk = chunk[:n-1]
			}
			if len(chunk) > 0 {
				_, _ = dst.Write(chunk)
			}
		}
	}
	return false
}

func (p *Pair) exit(src *Link) {
	p.active = src.id
	p.SetPassthrough(false)
}
