package events

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/treykane/chrome-server/internal/appconfig"
	"github.com/treykane/chrome-server/internal/model"
)

func TestJournalAppendReadAndFilters(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	s := NewStore()

	base := time.Now().Add(-2 * time.Hour).UTC()
	seed := []Event{
		{Timestamp: base, InstanceID: "a", EventType: LaunchRequested},
		{Timestamp: base.Add(10 * time.Minute), InstanceID: "a", EventType: Launched, PID: 42},
		{Timestamp: base.Add(20 * time.Minute), InstanceID: "b", EventType: LaunchFailed},
	}
	for _, evt := range seed {
		if err := s.Append(evt); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	all, err := s.Read(Query{})
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}

	byID, err := s.Read(Query{InstanceID: "a"})
	if err != nil {
		t.Fatalf("read instance: %v", err)
	}
	if len(byID) != 2 || byID[1].PID != 42 {
		t.Fatalf("unexpected instance result: %+v", byID)
	}

	byType, err := s.Read(Query{EventType: LaunchFailed})
	if err != nil {
		t.Fatalf("read type: %v", err)
	}
	if len(byType) != 1 || byType[0].InstanceID != "b" {
		t.Fatalf("unexpected type result: %+v", byType)
	}

	limited, err := s.Read(Query{Limit: 1})
	if err != nil {
		t.Fatalf("read limit: %v", err)
	}
	if len(limited) != 1 || limited[0].InstanceID != "b" {
		t.Fatalf("unexpected limited result: %+v", limited)
	}

	since, err := s.Read(Query{Since: base.Add(15 * time.Minute)})
	if err != nil {
		t.Fatalf("read since: %v", err)
	}
	if len(since) != 1 || since[0].InstanceID != "b" {
		t.Fatalf("unexpected since result: %+v", since)
	}
}

func TestJournalConcurrentAppendsStayLineAligned(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	s := NewStore()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Append(Event{InstanceID: "x", EventType: Killed})
		}()
	}
	wg.Wait()

	got, err := s.Read(Query{InstanceID: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 20 {
		t.Fatalf("expected 20 events, got %d", len(got))
	}
}

func TestJournalReadMissingFileAndSkipsGarbage(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	s := NewStore()
	got, err := s.Read(Query{})
	if err != nil || got != nil {
		t.Fatalf("expected empty read, got %v %v", got, err)
	}

	dir, err := appconfig.ConfigDir()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatal(err)
	}
	content := "not json\n{\"instance_id\":\"ok\",\"event_type\":\"killed\"}\n"
	if err := os.WriteFile(filepath.Join(dir, "events.jsonl"), []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	got, err = s.Read(Query{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].InstanceID != "ok" {
		t.Fatalf("unexpected events %+v", got)
	}
}

func TestAppendDerivesStateAndRejectsUnboundEvents(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	s := NewStore()
	if err := s.Append(Event{EventType: Killed}); !errors.Is(err, errNoInstance) {
		t.Fatalf("expected missing id error, got %v", err)
	}
	if err := s.Append(Event{InstanceID: "a", EventType: "rebooted"}); !errors.Is(err, errUnknownType) {
		t.Fatalf("expected unknown type error, got %v", err)
	}
	if err := s.Append(Event{InstanceID: "a", EventType: KillTimeout}); err != nil {
		t.Fatal(err)
	}
	got, err := s.Read(Query{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].State != model.InstanceKilled || got[0].Timestamp.IsZero() {
		t.Fatalf("unexpected journal %+v", got)
	}
}

func TestReadProblemsAndChain(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	s := NewStore()
	for _, e := range []Event{
		{InstanceID: "a", EventType: Launched, Chain: "upstream"},
		{InstanceID: "b", EventType: LaunchFailed, Chain: "none"},
		{InstanceID: "a", EventType: KillTimeout, Chain: "upstream"},
		{InstanceID: "c", EventType: Killed},
	} {
		if err := s.Append(e); err != nil {
			t.Fatal(err)
		}
	}
	problems, err := s.Read(Query{Problems: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(problems) != 2 || problems[0].InstanceID != "b" || problems[1].EventType != KillTimeout {
		t.Fatalf("unexpected problems %+v", problems)
	}
	chained, err := s.Read(Query{Chain: "upstream"})
	if err != nil {
		t.Fatal(err)
	}
	if len(chained) != 2 {
		t.Fatalf("unexpected chain filter %+v", chained)
	}
}

func TestSummariesLimitCountsInstances(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	s := NewStore()
	base := time.Now().Add(-time.Hour).UTC()
	for i, e := range []Event{
		{InstanceID: "a", EventType: LaunchRequested},
		{InstanceID: "a", EventType: Launched, PID: 7},
		{InstanceID: "b", EventType: LaunchRequested},
		{InstanceID: "b", EventType: Launched, PID: 8},
		{InstanceID: "b", EventType: Killed},
	} {
		e.Timestamp = base.Add(time.Duration(i) * time.Minute)
		if err := s.Append(e); err != nil {
			t.Fatal(err)
		}
	}
	sums, err := s.Summaries(Query{Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(sums) != 1 || sums[0].InstanceID != "b" || sums[0].State != model.InstanceKilled || sums[0].Launches != 1 {
		t.Fatalf("unexpected summaries %+v", sums)
	}
}

func TestSummarize(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	evts := []Event{
		{Timestamp: base, InstanceID: "a", EventType: LaunchRequested},
		{Timestamp: base.Add(time.Second), InstanceID: "a", EventType: Launched, PID: 42, DebugPort: 9222, Chain: "overrides"},
		{Timestamp: base.Add(2 * time.Second), InstanceID: "b", EventType: LaunchRequested},
		{Timestamp: base.Add(3 * time.Second), InstanceID: "b", EventType: LaunchFailed, Message: "browser not found"},
		{Timestamp: base.Add(4 * time.Second), EventType: Killed},
		{Timestamp: base.Add(5 * time.Second), InstanceID: "a", EventType: KillTimeout},
		{Timestamp: base.Add(6 * time.Second), InstanceID: "c", EventType: LaunchRequested},
	}

	got := Summarize(evts)
	if len(got) != 3 {
		t.Fatalf("expected 3 summaries, got %+v", got)
	}
	if got[0].InstanceID != "c" || got[0].State != model.InstanceStarting {
		t.Fatalf("most recent first: %+v", got[0])
	}
	a := got[1]
	if a.InstanceID != "a" || a.State != model.InstanceKilled || a.Launches != 1 || a.Timeouts != 1 {
		t.Fatalf("instance a: %+v", a)
	}
	if a.PID != 42 || a.DebugPort != 9222 || a.Chain != "overrides" || a.LastEvent != KillTimeout {
		t.Fatalf("instance a details: %+v", a)
	}
	b := got[2]
	if b.State != model.InstanceAbsent || b.Failures != 1 {
		t.Fatalf("instance b: %+v", b)
	}
}
