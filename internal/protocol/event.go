package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strconv"
)

// Event names emitted as diagnostic lines.
const (
	EventVersion      = "version"
	EventSettingsData = "eepromData"
	EventSettingsSave = "eepromSave"
	EventBusDebug     = "busdbg"
	EventDefaults     = "eepromDefaults"
	EventUpdateMode   = "updateMode"
)

// Result values.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Event is one diagnostic line written in reply to system commands. Only the
// populated fields are encoded.
type Event struct {
	Event   string `json:"event"`
	Result  string `json:"result,omitempty"`
	Chunk   string `json:"chunk,omitempty"`
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
	Memory  string `json:"memory,omitempty"`
	Status  string `json:"status,omitempty"`
	Queue   string `json:"queue,omitempty"`
	Dropped string `json:"dropped,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ChunkEvent builds the per-chunk transfer result.
func ChunkEvent(idx int, ok bool) Event {
	r := ResultFailure
	if ok {
		r = ResultSuccess
	}
	return Event{Event: EventSettingsData, Result: r, Chunk: strconv.Itoa(idx)}
}

// Line encodes e as a single newline-terminated line.
func (e Event) Line() []byte {
	b, err := json.Marshal(e)
	if err != nil {
		// Event only has string fields.
		return []byte("{\"event\":\"" + e.Event + "\"}\n")
	}
	return append(b, '\n')
}

// ScanEvents extracts every event line from data, skipping anything that
// is not a JSON object (raw reply bytes, dump output).
func ScanEvents(data []byte) []Event {
	var out []Event
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if i := bytes.IndexByte(line, '{'); i > 0 {
			line = line[i:]
		}
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err == nil && e.Event != "" {
			out = append(out, e)
		}
	}
	return out
}
