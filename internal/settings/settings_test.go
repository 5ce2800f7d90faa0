package settings

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImageChunks(t *testing.T) {
	var im Image
	data := make([]byte, ChunkSize)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, im.SetChunk(3, data))
	got, err := im.Chunk(3)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, byte(0), im[3*ChunkSize-1])
	assert.Equal(t, byte(0), im[4*ChunkSize])

	assert.ErrorIs(t, im.SetChunk(Chunks, data), ErrChunkIndex)
	_, err = im.Chunk(-1)
	assert.ErrorIs(t, err, ErrChunkIndex)
}

func TestImageHex(t *testing.T) {
	im := Defaults()
	im[1] = 0xAB
	h := im.Hex()
	assert.True(t, strings.HasPrefix(h, "1:AB:0:"))
	assert.Equal(t, Size-1, strings.Count(h, ":"))
}

func TestParseHex(t *testing.T) {
	im := Defaults()
	im[7], im[Size-1] = 0x5C, 0xFF
	got, err := ParseHex(im.Hex() + "\n")
	require.NoError(t, err)
	assert.Equal(t, im, got)

	_, err = ParseHex("1:2:3")
	assert.ErrorIs(t, err, ErrImageSize)
	_, err = ParseHex(strings.Repeat("ZZ:", Size-1) + "0")
	assert.Error(t, err)
}

func TestFromBytes(t *testing.T) {
	_, err := FromBytes(make([]byte, 10))
	assert.ErrorIs(t, err, ErrImageSize)
	im, err := FromBytes(make([]byte, Size))
	require.NoError(t, err)
	assert.Equal(t, Image{}, im)
}

func TestMemStore(t *testing.T) {
	s := NewMemStore(Defaults())
	im := Defaults()
	im[10] = 7
	require.NoError(t, s.Save(im))
	got, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, im, got)
	assert.Equal(t, 1, s.Saves())

	boom := errors.New("eeprom busy")
	s.FailWith(boom)
	assert.ErrorIs(t, s.Save(im), boom)
	assert.Equal(t, 1, s.Saves())
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "settings.bin")
	s := NewFileStore(path)

	im, err := s.Load()
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Equal(t, Defaults(), im)

	im[100] = 0x42
	require.NoError(t, s.Save(im))
	got, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, im, got)

	require.NoError(t, os.WriteFile(path, []byte{1, 2, 3}, 0o644))
	_, err = s.Load()
	assert.ErrorIs(t, err, ErrImageSize)
}

func TestFileStoreWatchReportsExternalChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.bin")
	s := NewFileStore(path)
	require.NoError(t, s.Save(Defaults()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan Image, 4)
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx, func(im Image) { got <- im }) }()
	time.Sleep(50 * time.Millisecond) // let the watcher register

	ext := Defaults()
	ext[5] = 0x99
	require.NoError(t, os.WriteFile(path, ext[:], 0o644))

	select {
	case im := <-got:
		assert.Equal(t, byte(0x99), im[5])
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for settings change")
	}

	cancel()
	require.NoError(t, <-done)
}
