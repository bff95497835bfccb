package results

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/ship-commander/destharness/internal/protocol"
)

func TestCollectorTypedViewsPreserveOrder(t *testing.T) {
	t.Parallel()

	collector := New()
	mustAppend(t, collector, protocol.NewRecord("", "users", json.RawMessage(`{"id":1}`)))
	mustAppend(t, collector, protocol.NewStreamState("", "users", json.RawMessage(`{"cursor":1}`)))
	mustAppend(t, collector, protocol.NewErrorTrace("first", "", protocol.FailureTypeSystemError))
	mustAppend(t, collector, protocol.NewStreamState("", "users", json.RawMessage(`{"cursor":2}`)))
	mustAppend(t, collector, protocol.NewErrorTrace("second", "", protocol.FailureTypeSystemError))

	if got := len(collector.Messages()); got != 5 {
		t.Fatalf("message count = %d, want 5", got)
	}
	if got := len(collector.Records()); got != 1 {
		t.Fatalf("record count = %d, want 1", got)
	}

	states := collector.States()
	if len(states) != 2 {
		t.Fatalf("state count = %d, want 2", len(states))
	}
	if string(states[1].State.Stream.StreamState) != `{"cursor":2}` {
		t.Fatalf("second state = %s", states[1].State.Stream.StreamState)
	}

	traces := collector.Traces()
	if len(traces) != 2 || traces[0].Trace.Error.Message != "first" || traces[1].Trace.Error.Message != "second" {
		t.Fatalf("unexpected traces: %+v", traces)
	}
}

func TestCollectorSnapshotsAreNotMutatedByLaterAppends(t *testing.T) {
	t.Parallel()

	collector := New()
	mustAppend(t, collector, protocol.NewLog("INFO", "one"))
	snapshot := collector.Messages()

	mustAppend(t, collector, protocol.NewLog("INFO", "two"))
	if len(snapshot) != 1 {
		t.Fatalf("snapshot length changed to %d", len(snapshot))
	}
	snapshot[0] = protocol.NewLog("WARN", "mutated")
	if collector.Messages()[0].Log.Message != "one" {
		t.Fatal("mutating a snapshot changed the collector")
	}
}

func TestCollectorNewMessagesAdvancesCursor(t *testing.T) {
	t.Parallel()

	collector := New()
	mustAppend(t, collector, protocol.NewLog("INFO", "a"))
	mustAppend(t, collector, protocol.NewLog("INFO", "b"))

	if got := collector.NewMessages(); len(got) != 2 {
		t.Fatalf("first batch = %d, want 2", len(got))
	}
	if got := collector.NewMessages(); len(got) != 0 {
		t.Fatalf("second batch = %d, want 0", len(got))
	}
	mustAppend(t, collector, protocol.NewLog("INFO", "c"))
	got := collector.NewMessages()
	if len(got) != 1 || got[0].Log.Message != "c" {
		t.Fatalf("third batch = %+v", got)
	}
	if collector.Len() != 3 {
		t.Fatalf("len = %d, want 3", collector.Len())
	}
}

func TestCollectorSealRejectsAppends(t *testing.T) {
	t.Parallel()

	collector := New()
	mustAppend(t, collector, protocol.NewLog("INFO", "before"))
	collector.Seal()

	err := collector.Append(protocol.NewLog("INFO", "after"))
	if !errors.Is(err, ErrSealed) {
		t.Fatalf("append after seal = %v, want ErrSealed", err)
	}
	if !collector.Sealed() {
		t.Fatal("expected collector to report sealed")
	}
	if collector.Len() != 1 {
		t.Fatalf("len = %d, want 1", collector.Len())
	}
}

func TestCollectorConcurrentReadsSeeConsistentPrefix(t *testing.T) {
	t.Parallel()

	collector := New()
	const total = 500

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			_ = collector.Append(protocol.NewLog("INFO", fmt.Sprintf("%d", i)))
		}
	}()

	for reads := 0; reads < 200; reads++ {
		snapshot := collector.Messages()
		for i, message := range snapshot {
			if message.Log.Message != fmt.Sprintf("%d", i) {
				t.Fatalf("snapshot index %d = %q", i, message.Log.Message)
			}
		}
	}
	wg.Wait()

	if collector.Len() != total {
		t.Fatalf("len = %d, want %d", collector.Len(), total)
	}
}

func mustAppend(t *testing.T, collector *Collector, message protocol.Message) {
	t.Helper()
	if err := collector.Append(message); err != nil {
		t.Fatalf("append: %v", err)
	}
}
