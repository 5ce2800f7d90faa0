package main

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/kstaniek/go-cbt-gateway/internal/can"
	"github.com/kstaniek/go-cbt-gateway/internal/logging"
	"github.com/kstaniek/go-cbt-gateway/internal/protocol"
	"github.com/kstaniek/go-cbt-gateway/internal/settings"
)

// cannedPort replays a fixed reply stream and records writes.
type cannedPort struct {
	mu     sync.Mutex
	r      *bytes.Reader
	writes bytes.Buffer
	closed bool
}

func (p *cannedPort) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *cannedPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writes.Write(b)
}

func (p *cannedPort) Close() error { p.closed = true; return nil }

func stubPort(t *testing.T, reply []byte) *cannedPort {
	t.Helper()
	cp := &cannedPort{r: bytes.NewReader(reply)}
	orig := openPort
	openPort = func(*options) (io.ReadWriteCloser, error) { return cp, nil }
	origLog := logging.L()
	t.Cleanup(func() {
		openPort = orig
		logging.Set(origLog)
	})
	return cp
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd(&out)
	root.SetArgs(args)
	root.SetErr(io.Discard)
	err := root.Execute()
	return out.String(), err
}

func TestParseFrame(t *testing.T) {
	fr, err := parseFrame([]string{"2", "0x7df", "02:01:0c"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if fr.BusID != 2 || fr.ID != 0x7DF || fr.Len != 3 || !bytes.Equal(fr.Payload(), []byte{2, 1, 0x0C}) {
		t.Fatalf("unexpected frame: %+v", fr)
	}
	fr, err = parseFrame([]string{"1", "123"})
	if err != nil || fr.Len != 0 || fr.ID != 0x123 {
		t.Fatalf("empty payload: %+v %v", fr, err)
	}
	for _, args := range [][]string{
		{"0", "1"},
		{"4", "1"},
		{"1", "zz"},
		{"1", "1", "abc"},
		{"1", "1", "0102030405060708090a"},
	} {
		if _, err := parseFrame(args); err == nil {
			t.Fatalf("expected error for %v", args)
		}
	}
}

func TestParseOnOff(t *testing.T) {
	for in, want := range map[string]bool{"on": true, "ON": true, "1": true, "off": false, "false": false} {
		got, err := parseOnOff(in)
		if err != nil || got != want {
			t.Fatalf("%q: got %v %v", in, got, err)
		}
	}
	if _, err := parseOnOff("maybe"); err == nil {
		t.Fatal("expected error")
	}
}

func TestFormatFrame(t *testing.T) {
	fr := can.Frame{BusID: 1, ID: 0x1A, Len: 2, Data: [8]byte{0xCA, 0xFE}, BusStatus: 0x20}
	if got := formatFrame(fr); got != "can1  01A   [2]  CA FE  status=0x20" {
		t.Fatalf("unexpected format: %q", got)
	}
}

func TestSendWritesCommand(t *testing.T) {
	cp := stubPort(t, nil)
	if _, err := execute(t, "send", "3", "7df", "cafe"); err != nil {
		t.Fatalf("send: %v", err)
	}
	want := protocol.SendFrame(can.Frame{BusID: 3, ID: 0x7DF, Len: 2, Data: [8]byte{0xCA, 0xFE}})
	if !bytes.Equal(cp.writes.Bytes(), want) {
		t.Fatalf("wrote %x want %x", cp.writes.Bytes(), want)
	}
	if !cp.closed {
		t.Fatal("port not closed")
	}
}

func TestLogWithFilter(t *testing.T) {
	cp := stubPort(t, []byte{protocol.ReplyOK, protocol.Terminator})
	if _, err := execute(t, "log", "1", "on", "--lo", "100", "--hi", "1ff"); err != nil {
		t.Fatalf("log: %v", err)
	}
	want := protocol.Logging(1, true, true, 0x100, 0x1FF)
	if !bytes.Equal(cp.writes.Bytes(), want) {
		t.Fatalf("wrote %x want %x", cp.writes.Bytes(), want)
	}
}

func TestLogRejected(t *testing.T) {
	stubPort(t, []byte{protocol.ReplyError})
	if _, err := execute(t, "log", "2", "off"); err == nil {
		t.Fatal("expected rejection")
	}
}

func TestDebugPrintsVersion(t *testing.T) {
	ev := protocol.Event{Event: protocol.EventVersion, Name: "cbt", Version: "1.0", Memory: "12", Queue: "0/64", Dropped: "0"}
	stubPort(t, ev.Line())
	out, err := execute(t, "debug")
	if err != nil {
		t.Fatalf("debug: %v", err)
	}
	if !strings.Contains(out, "cbt 1.0") || !strings.Contains(out, "queue=0/64") {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestSettingsDumpPrintsHex(t *testing.T) {
	im := settings.Defaults()
	stubPort(t, []byte(im.Hex()+"\n"))
	out, err := execute(t, "settings", "dump")
	if err != nil {
		t.Fatalf("dump: %v", err)
	}
	if strings.TrimSpace(out) != im.Hex() {
		t.Fatalf("unexpected dump output")
	}
}

func TestWirelessUnknownOp(t *testing.T) {
	stubPort(t, nil)
	if _, err := execute(t, "wireless", "explode"); err == nil {
		t.Fatal("expected error")
	}
}

func TestBadLogLevel(t *testing.T) {
	stubPort(t, nil)
	if _, err := execute(t, "--log-level", "loud", "debug"); err == nil {
		t.Fatal("expected error")
	}
}
