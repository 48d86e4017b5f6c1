// Package events journals browser instance lifecycle transitions to
// events.jsonl in the config directory and folds them back into per-instance
// summaries for the events command.
package events

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/treykane/chrome-server/internal/appconfig"
	"github.com/treykane/chrome-server/internal/model"
)

// Event types written by the instance manager.
const (
	LaunchRequested = "launch_requested"
	Launched        = "launched"
	LaunchFailed    = "launch_failed"
	Killed          = "killed"
	KillTimeout     = "kill_timeout"
)

// stateAfter is the instance state each event type leaves behind.
var stateAfter = map[string]model.InstanceState{
	LaunchRequested: model.InstanceStarting,
	Launched:        model.InstanceRunning,
	LaunchFailed:    model.InstanceAbsent,
	Killed:          model.InstanceKilled,
	KillTimeout:     model.InstanceKilled,
}

// Problem reports whether an event type records a failed launch or a
// teardown that outlived its grace period.
func Problem(eventType string) bool {
	return eventType == LaunchFailed || eventType == KillTimeout
}

// Event is one instance transition.
type Event struct {
	Timestamp  time.Time           `json:"timestamp"`
	InstanceID string              `json:"instance_id,omitempty"`
	EventType  string              `json:"event_type"`
	State      model.InstanceState `json:"state,omitempty"`
	Chain      string              `json:"chain,omitempty"`
	Message    string              `json:"message,omitempty"`
	PID        int                 `json:"pid,omitempty"`
	ProxyPID   int                 `json:"proxy_pid,omitempty"`
	DebugPort  int                 `json:"debug_port,omitempty"`
}

var (
	errNoInstance  = errors.New("event has no instance id")
	errUnknownType = errors.New("unknown event type")
)

// normalize stamps the time and derives State from the type. Only known
// types bound to an instance are journaled.
func (e *Event) normalize() error {
	if strings.TrimSpace(e.InstanceID) == "" {
		return errNoInstance
	}
	state, ok := stateAfter[e.EventType]
	if !ok {
		return fmt.Errorf("%w %q", errUnknownType, e.EventType)
	}
	if e.State == "" {
		e.State = state
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return nil
}

// Query selects journal entries. Zero fields match everything; Limit keeps
// the most recent matches.
type Query struct {
	InstanceID string
	EventType  string
	Chain      string
	Since      time.Time
	// Problems keeps only launch failures and kill timeouts.
	Problems bool
	Limit    int
}

func (q Query) match(e Event) bool {
	switch {
	case q.InstanceID != "" && e.InstanceID != q.InstanceID:
		return false
	case q.EventType != "" && e.EventType != q.EventType:
		return false
	case q.Chain != "" && e.Chain != q.Chain:
		return false
	case q.Problems && !Problem(e.EventType):
		return false
	case !q.Since.IsZero() && e.Timestamp.Before(q.Since):
		return false
	}
	return true
}

// Store is the journal. Appends from concurrent launches are serialized so
// lines never interleave.
type Store struct {
	mu sync.Mutex
}

func NewStore() *Store {
	return &Store{}
}

func journalPath() (string, error) {
	dir, err := appconfig.ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "events.jsonl"), nil
}

// Append journals evt as one line.
func (s *Store) Append(evt Event) error {
	if err := evt.normalize(); err != nil {
		return err
	}
	line, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	path, err := journalPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	_, err = f.Write(append(line, '\n'))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Read returns matching events oldest first. Lines that do not decode are
// skipped; a missing journal reads as empty.
func (s *Store) Read(q Query) ([]Event, error) {
	var out []Event
	err := s.scan(func(e Event) {
		if !q.match(e) {
			return
		}
		out = append(out, e)
		if q.Limit > 0 && len(out) > 2*q.Limit {
			out = append(out[:0], out[len(out)-q.Limit:]...)
		}
	})
	if err != nil {
		return nil, err
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out, nil
}

// Summaries folds every matching event into one Summary per instance, most
// recently active first. Limit applies to instances, not events.
func (s *Store) Summaries(q Query) ([]Summary, error) {
	limit := q.Limit
	q.Limit = 0
	evts, err := s.Read(q)
	if err != nil {
		return nil, err
	}
	sums := Summarize(evts)
	if limit > 0 && len(sums) > limit {
		sums = sums[:limit]
	}
	return sums, nil
}

func (s *Store) scan(fn func(Event)) error {
	path, err := journalPath()
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var e Event
		if json.Unmarshal(line, &e) != nil {
			continue
		}
		fn(e)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("scan %s: %w", path, err)
	}
	return nil
}

// Summary is the last known state of one instance id.
type Summary struct {
	InstanceID string              `json:"instance_id"`
	State      model.InstanceState `json:"state"`
	Chain      string              `json:"chain,omitempty"`
	PID        int                 `json:"pid,omitempty"`
	DebugPort  int                 `json:"debug_port,omitempty"`
	Launches   int                 `json:"launches"`
	Failures   int                 `json:"failures"`
	Timeouts   int                 `json:"kill_timeouts"`
	LastEvent  string              `json:"last_event"`
	LastSeen   time.Time           `json:"last_seen"`
}

// Summarize groups events by instance id in the order given. Events without
// an id are skipped.
func Summarize(evts []Event) []Summary {
	byID := map[string]*Summary{}
	for _, e := range evts {
		if e.InstanceID == "" {
			continue
		}
		s := byID[e.InstanceID]
		if s == nil {
			s = &Summary{InstanceID: e.InstanceID, State: model.InstanceAbsent}
			byID[e.InstanceID] = s
		}
		if state, ok := stateAfter[e.EventType]; ok {
			s.State = state
		}
		switch e.EventType {
		case Launched:
			s.Launches++
		case LaunchFailed:
			s.Failures++
		case KillTimeout:
			s.Timeouts++
		}
		if e.Chain != "" {
			s.Chain = e.Chain
		}
		if e.PID != 0 {
			s.PID = e.PID
		}
		if e.DebugPort != 0 {
			s.DebugPort = e.DebugPort
		}
		s.LastEvent = e.EventType
		s.LastSeen = e.Timestamp
	}

	out := make([]Summary, 0, len(byID))
	for _, s := range byID {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].InstanceID < out[j].InstanceID
	})
	return out
}
