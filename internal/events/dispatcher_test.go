package events

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

// collect subscribes and accumulates events until the returned wait function
// has seen n of them.
func collect(t *testing.T, d *Dispatcher, sessionID string, kind Kind) (*[]Event, func(n int)) {
	t.Helper()
	var mu sync.Mutex
	var got []Event
	d.Subscribe(sessionID, kind, func(e Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	})
	wait := func(n int) {
		deadline := time.Now().Add(2 * time.Second)
		for {
			mu.Lock()
			have := len(got)
			mu.Unlock()
			if have >= n {
				return
			}
			if time.Now().After(deadline) {
				t.Fatalf("timed out waiting for %d events, have %d", n, have)
			}
			time.Sleep(time.Millisecond)
		}
	}
	return &got, wait
}

func TestPerSessionOrdering(t *testing.T) {
	d := NewDispatcher(0)
	defer d.Close()

	got, wait := collect(t, d, "a", "")
	for i := 0; i < 100; i++ {
		d.Deliver(Event{SessionID: "a", Kind: PtyOutput, Payload: Payload(i)})
	}
	wait(100)

	for i, e := range *got {
		if e.Seq != uint64(i+1) {
			t.Fatalf("event %d has seq %d, want %d", i, e.Seq, i+1)
		}
	}
}

func TestSessionFilterAndWildcard(t *testing.T) {
	d := NewDispatcher(0)
	defer d.Close()

	gotA, waitA := collect(t, d, "a", "")
	gotAll, waitAll := collect(t, d, "", "")
	gotExit, waitExit := collect(t, d, "", PtyExit)

	d.Deliver(Event{SessionID: "a", Kind: PtyOutput})
	d.Deliver(Event{SessionID: "b", Kind: PtyExit})

	waitA(1)
	waitAll(2)
	waitExit(1)

	if len(*gotA) != 1 || (*gotA)[0].SessionID != "a" {
		t.Fatalf("session-filtered handler got %v", *gotA)
	}
	if len(*gotExit) != 1 || (*gotExit)[0].Kind != PtyExit {
		t.Fatalf("kind-filtered handler got %v", *gotExit)
	}
	if len(*gotAll) != 2 {
		t.Fatalf("wildcard handler got %d events", len(*gotAll))
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	d := NewDispatcher(0)
	defer d.Close()

	var mu sync.Mutex
	count := 0
	off := d.Subscribe("a", "", func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	d.Deliver(Event{SessionID: "a", Kind: PtyOutput})
	d.DropSession("a") // drain

	off()
	off() // disposer is idempotent

	d.Deliver(Event{SessionID: "a", Kind: PtyOutput})
	d.DropSession("a")

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
}

func TestDropSessionReleasesQueue(t *testing.T) {
	d := NewDispatcher(0)
	defer d.Close()

	got, wait := collect(t, d, "", "")
	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("s-%d", i)
		d.Deliver(Event{SessionID: id, Kind: PtyExit})
		d.DropSession(id)
	}
	wait(200) // every queued event is drained before teardown

	d.mu.Lock()
	n := len(d.queues)
	d.mu.Unlock()
	if n != 0 {
		t.Fatalf("queue table holds %d entries after drop, want 0", n)
	}

	// Delivery to a dropped id starts a fresh queue, reusable as before.
	d.Deliver(Event{SessionID: "s-0", Kind: PtyOutput})
	wait(201)
	if last := (*got)[200]; last.Seq != 1 {
		t.Fatalf("fresh queue seq = %d, want 1", last.Seq)
	}
	d.DropSession("s-0")
	d.DropSession("s-0") // dropping an absent queue is a no-op
}

func TestSlowSessionDoesNotStallOthers(t *testing.T) {
	d := NewDispatcher(4)
	defer d.Close()

	release := make(chan struct{})
	d.Subscribe("slow", "", func(Event) { <-release })
	gotFast, waitFast := collect(t, d, "fast", "")

	// Saturate the slow session's queue, then deliver to the fast session.
	for i := 0; i < 20; i++ {
		d.Deliver(Event{SessionID: "slow", Kind: PtyOutput})
	}
	d.Deliver(Event{SessionID: "fast", Kind: PtyOutput})

	waitFast(1)
	close(release)

	if len(*gotFast) != 1 {
		t.Fatalf("fast session starved: got %d events", len(*gotFast))
	}
}

func TestDeliverAfterCloseIsNoop(t *testing.T) {
	d := NewDispatcher(0)
	d.Close()
	d.Deliver(Event{SessionID: "a", Kind: PtyOutput}) // must not panic
	d.Close()                                         // idempotent
}
