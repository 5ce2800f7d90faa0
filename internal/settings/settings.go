// Package settings holds the fixed-size non-volatile settings image and the
// persistence collaborators that load and save it.
package settings

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/kstaniek/go-cbt-gateway/internal/protocol"
)

const (
	// Size of the persisted image.
	Size = protocol.ImageSize
	// ChunkSize is the transfer unit of the settings sub-protocol.
	ChunkSize = protocol.ChunkSize
	// Chunks is the number of chunks in an image.
	Chunks = Size / ChunkSize
	// FormatVersion is written to byte 0 of the default image.
	FormatVersion = 0x01
)

var (
	ErrChunkIndex = errors.New("settings: chunk index out of range")
	ErrImageSize  = errors.New("settings: bad image size")
)

// Image is the raw settings blob. Its layout beyond the size is owned by the
// firmware that interprets it.
type Image [Size]byte

// Chunk returns a copy of chunk i.
func (im *Image) Chunk(i int) ([]byte, error) {
	if i < 0 || i >= Chunks {
		return nil, fmt.Errorf("%w: %d", ErrChunkIndex, i)
	}
	out := make([]byte, ChunkSize)
	copy(out, im[i*ChunkSize:(i+1)*ChunkSize])
	return out, nil
}

// SetChunk copies data into chunk i; short data leaves the tail untouched.
func (im *Image) SetChunk(i int, data []byte) error {
	if i < 0 || i >= Chunks {
		return fmt.Errorf("%w: %d", ErrChunkIndex, i)
	}
	if len(data) > ChunkSize {
		data = data[:ChunkSize]
	}
	copy(im[i*ChunkSize:], data)
	return nil
}

// Hex renders the image as colon separated upper-case hex bytes, the format of
// the settings dump command.
func (im *Image) Hex() string {
	var b strings.Builder
	b.Grow(Size * 3)
	for i, v := range im {
		if i > 0 {
			b.WriteByte(':')
		}
		fmt.Fprintf(&b, "%X", v)
	}
	return b.String()
}

// ParseHex parses the output of Hex.
func ParseHex(s string) (Image, error) {
	var im Image
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != Size {
		return im, fmt.Errorf("%w: %d", ErrImageSize, len(parts))
	}
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return im, fmt.Errorf("settings: byte %d: %w", i, err)
		}
		im[i] = byte(v)
	}
	return im, nil
}

// FromBytes builds an image from exactly Size bytes.
func FromBytes(p []byte) (Image, error) {
	var im Image
	if len(p) != Size {
		return im, fmt.Errorf("%w: %d", ErrImageSize, len(p))
	}
	copy(im[:], p)
	return im, nil
}

// Defaults returns the first-boot image.
func Defaults() Image {
	var im Image
	im[0] = FormatVersion
	return im
}

// Store persists the image.
type Store interface {
	Load() (Image, error)
	Save(Image) error
}

// MemStore keeps the image in memory and counts saves.
type MemStore struct {
	mu    sync.Mutex
	image Image
	saves int
	err   error
}

// NewMemStore creates a store holding im.
func NewMemStore(im Image) *MemStore { return &MemStore{image: im} }

func (s *MemStore) Load() (Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.image, nil
}

func (s *MemStore) Save(im Image) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.image = im
	s.saves++
	return nil
}

// Saves returns how many successful saves happened.
func (s *MemStore) Saves() int { s.mu.Lock(); defer s.mu.Unlock(); return s.saves }

// FailWith makes subsequent saves return err (nil restores).
func (s *MemStore) FailWith(err error) { s.mu.Lock(); s.err = err; s.mu.Unlock() }
