// Package ledger is the append-only NDJSON bitácora: every spend decision and
// guardian observation lands here as one durable line.
package ledger

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is one ledger line.
type Event struct {
	TSUTC     string         `json:"ts_utc"`
	EventType string         `json:"event_type"`
	TraceID   string         `json:"trace_id"`
	Payload   map[string]any `json:"payload"`
}

// Ledger 追加式 NDJSON 账本，每次写入后 fsync。
type Ledger struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

// Open prepares the ledger file at path.
func Open(path string) (*Ledger, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ledger: mkdir %s: %w", dir, err)
		}
	}
	return &Ledger{
		path: path,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

// Append durably writes one event. Empty traceID gets a fresh UUID.
func (l *Ledger) Append(eventType string, payload map[string]any, traceID string) (Event, error) {
	if eventType == "" {
		return Event{}, fmt.Errorf("ledger: event_type is required")
	}
	if payload == nil {
		payload = map[string]any{}
	}
	if traceID == "" {
		traceID = uuid.NewString()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	evt := Event{
		TSUTC:     l.now().Format(time.RFC3339Nano),
		EventType: eventType,
		TraceID:   traceID,
		Payload:   payload,
	}

	line, err := json.Marshal(evt)
	if err != nil {
		return Event{}, fmt.Errorf("ledger: marshal event: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return Event{}, fmt.Errorf("ledger: open %s: %w", l.path, err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return Event{}, fmt.Errorf("ledger: append: %w", err)
	}
	if err := f.Sync(); err != nil {
		return Event{}, fmt.Errorf("ledger: fsync: %w", err)
	}
	return evt, nil
}

// Replay streams every event in file order. Used at startup to rebuild
// in-memory state from the durable history. Missing file is an empty replay.
func (l *Ledger) Replay(fn func(Event) error) error {
	events, err := l.Tail(0)
	if err != nil {
		return err
	}
	for _, evt := range events {
		if err := fn(evt); err != nil {
			return err
		}
	}
	return nil
}

// Tail returns the last n events in file order. Missing file yields nil.
func (l *Ledger) Tail(n int) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", l.path, err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var evt Event
		if err := json.Unmarshal(raw, &evt); err != nil {
			return nil, fmt.Errorf("ledger: malformed line: %w", err)
		}
		events = append(events, evt)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("ledger: scan %s: %w", l.path, err)
	}

	if n > 0 && len(events) > n {
		events = events[len(events)-n:]
	}
	return events, nil
}
