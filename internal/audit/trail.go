// Package audit implements a tamper-evident append-only event log: each line
// carries the sha256 of its own canonical payload and the hash of the line
// before it, so any retroactive edit breaks the chain.
package audit

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event is one fully hashed audit record.
type Event struct {
	EventType     string         `json:"event_type"`
	Timestamp     string         `json:"timestamp"`
	Actor         string         `json:"actor"`
	CorrelationID string         `json:"correlation_id"`
	Data          map[string]any `json:"data"`
	PrevHash      *string        `json:"prev_hash"`
	Hash          string         `json:"hash"`
}

// Trail 哈希链审计日志。NDJSON，一行一条，追加后 fsync。
type Trail struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

// Open prepares a trail at path, creating parent directories.
func Open(path string) (*Trail, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("audit: mkdir %s: %w", dir, err)
		}
	}
	return &Trail{
		path: path,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

// canonical marshals with sorted keys and no extra whitespace; encoding/json
// sorts map keys at every level, which is exactly the canonical form the
// hashes are computed over.
func canonical(obj map[string]any) ([]byte, error) {
	return json.Marshal(obj)
}

func sha256hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Append constructs, hashes, and durably writes one event, linking it to the
// previous line's hash.
func (t *Trail) Append(eventType string, data map[string]any, actor, correlationID string) (Event, error) {
	if eventType == "" {
		return Event{}, fmt.Errorf("audit: event_type is required")
	}
	if actor == "" {
		actor = "system"
	}
	if correlationID == "" {
		correlationID = "corr-unknown"
	}
	if data == nil {
		data = map[string]any{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	prev, err := t.lastHashLocked()
	if err != nil {
		return Event{}, err
	}

	payload := map[string]any{
		"event_type":     eventType,
		"timestamp":      t.now().Format(time.RFC3339Nano),
		"actor":          actor,
		"correlation_id": correlationID,
		"data":           data,
		"prev_hash":      prev,
	}
	body, err := canonical(payload)
	if err != nil {
		return Event{}, fmt.Errorf("audit: canonicalize payload: %w", err)
	}
	hash := sha256hex(body)

	payload["hash"] = hash
	line, err := canonical(payload)
	if err != nil {
		return Event{}, fmt.Errorf("audit: canonicalize record: %w", err)
	}

	if err := t.appendLineLocked(line); err != nil {
		return Event{}, err
	}

	evt := Event{
		EventType:     eventType,
		Timestamp:     payload["timestamp"].(string),
		Actor:         actor,
		CorrelationID: correlationID,
		Data:          data,
		PrevHash:      prev,
		Hash:          hash,
	}
	return evt, nil
}

func (t *Trail) appendLineLocked(line []byte) error {
	f, err := os.OpenFile(t.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("audit: open %s: %w", t.path, err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit: append: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("audit: fsync: %w", err)
	}
	return nil
}

// Verify walks the whole file: every line's hash must match its recomputed
// canonical payload and every prev_hash must equal the prior line's hash.
// The first mismatch fails the whole chain; an absent or empty file is a
// trivially valid chain.
func (t *Trail) Verify() (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := os.Open(t.path)
	if os.IsNotExist(err) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("audit: open %s: %w", t.path, err)
	}
	defer f.Close()

	var prev *string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}

		obj, err := decodeLine(raw)
		if err != nil {
			return false, nil
		}

		storedHash, _ := obj["hash"].(string)
		if storedHash == "" {
			return false, nil
		}

		if !prevMatches(obj["prev_hash"], prev) {
			return false, nil
		}

		delete(obj, "hash")
		body, err := canonical(obj)
		if err != nil {
			return false, nil
		}
		if sha256hex(body) != storedHash {
			return false, nil
		}

		h := storedHash
		prev = &h
	}
	if err := scanner.Err(); err != nil {
		return false, fmt.Errorf("audit: scan %s: %w", t.path, err)
	}
	return true, nil
}

// decodeLine keeps numbers as json.Number so re-marshaling reproduces the
// original canonical bytes exactly.
func decodeLine(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	return obj, nil
}

func prevMatches(got any, want *string) bool {
	if want == nil {
		return got == nil
	}
	s, ok := got.(string)
	return ok && s == *want
}

// Tail returns the last n events in file order.
func (t *Trail) Tail(n int) ([]Event, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := os.Open(t.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", t.path, err)
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
			return nil, fmt.Errorf("audit: malformed line: %w", err)
		}
		events = append(events, evt)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: scan %s: %w", t.path, err)
	}

	if n > 0 && len(events) > n {
		events = events[len(events)-n:]
	}
	return events, nil
}

func (t *Trail) lastHashLocked() (*string, error) {
	f, err := os.Open(t.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", t.path, err)
	}
	defer f.Close()

	var last []byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) > 0 {
			last = append(last[:0], raw...)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: scan %s: %w", t.path, err)
	}
	if len(last) == 0 {
		return nil, nil
	}

	var tail struct {
		Hash string `json:"hash"`
	}
	if err := json.Unmarshal(last, &tail); err != nil || tail.Hash == "" {
		// 最后一行损坏：从空链续写会掩盖问题，必须显式报错。
		return nil, fmt.Errorf("audit: last line unreadable, refusing to extend chain")
	}
	return &tail.Hash, nil
}
