package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// TerminalProgress is the progress value at and above which a job is done.
const TerminalProgress = 100

const progressField = "progress"

// StatusSnapshot is the remote job status. Progress is parsed out for
// terminal detection; every field the service returns, progress included,
// is kept verbatim and written back unchanged.
type StatusSnapshot struct {
	Progress float64
	fields   map[string]json.RawMessage
}

// EmptyStatus is the "{}" snapshot stored before the first poll.
func EmptyStatus() StatusSnapshot {
	return StatusSnapshot{}
}

// NewStatusSnapshot builds a snapshot with the given progress and extra fields.
func NewStatusSnapshot(progress float64, extra map[string]any) (StatusSnapshot, error) {
	s := StatusSnapshot{Progress: progress, fields: make(map[string]json.RawMessage, len(extra)+1)}
	for k, v := range extra {
		raw, err := json.Marshal(v)
		if err != nil {
			return StatusSnapshot{}, fmt.Errorf("failed to marshal status field %q: %w", k, err)
		}
		s.fields[k] = raw
	}
	s.fields[progressField] = json.RawMessage(strconv.FormatFloat(progress, 'f', -1, 64))
	return s, nil
}

// IsTerminal reports whether the remote job has finished. The range test is
// deliberate: the service may report values above 100.
func (s StatusSnapshot) IsTerminal() bool {
	return s.Progress >= TerminalProgress
}

// IsEmpty reports whether the snapshot carries no fields at all.
func (s StatusSnapshot) IsEmpty() bool {
	return len(s.fields) == 0
}

// Field returns the raw JSON of a service-defined field.
func (s StatusSnapshot) Field(name string) (json.RawMessage, bool) {
	raw, ok := s.fields[name]
	return raw, ok
}

// Fields returns a copy of every raw field.
func (s StatusSnapshot) Fields() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(s.fields))
	for k, v := range s.fields {
		out[k] = v
	}
	return out
}

func (s StatusSnapshot) MarshalJSON() ([]byte, error) {
	if len(s.fields) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(s.fields)
}

func (s *StatusSnapshot) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("status is not a JSON object: %w", err)
	}
	if fields == nil {
		*s = StatusSnapshot{}
		return nil
	}

	progress := 0.0
	if raw, ok := fields[progressField]; ok {
		p, err := parseProgress(raw)
		if err != nil {
			return err
		}
		progress = p
	}

	*s = StatusSnapshot{Progress: progress, fields: fields}
	return nil
}

// parseProgress accepts a JSON number or a numeric string.
func parseProgress(raw json.RawMessage) (float64, error) {
	raw = bytes.TrimSpace(raw)
	if bytes.Equal(raw, []byte("null")) {
		return 0, nil
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.Float64()
	}

	var str string
	if err := json.Unmarshal(raw, &str); err != nil {
		return 0, fmt.Errorf("invalid progress value %s", string(raw))
	}
	p, err := strconv.ParseFloat(strings.TrimSpace(str), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid progress value %q", str)
	}
	return p, nil
}
