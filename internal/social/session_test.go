package social

import (
	"testing"
	"time"
)

func TestSessionProgressIsMonotonic(t *testing.T) {
	r := NewSessionRegistry(nil)
	s, err := r.Begin("u1", "twitter")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	s.advance(10, StatusUploading)
	s.advance(50, StatusUploading)
	s.advance(30, StatusUploading)
	if got := s.Snapshot().Progress; got != 50 {
		t.Fatalf("progress regressed: got %d want 50", got)
	}

	s.advance(85, StatusProcessing)
	snap := s.Snapshot()
	if snap.Progress != 85 || snap.Status != StatusProcessing {
		t.Fatalf("got progress=%d status=%s", snap.Progress, snap.Status)
	}
}

func TestSessionNotificationsArriveInOrder(t *testing.T) {
	got := make(chan int, 16)
	r := NewSessionRegistry(func(snap Snapshot) {
		got <- snap.Progress
	})
	s, err := r.Begin("u1", "twitter")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	for _, floor := range []int{10, 30, 50, 70, 85} {
		s.advance(floor, StatusUploading)
	}
	s.complete("post-1")

	want := []int{10, 30, 50, 70, 85, 100}
	prev := -1
	for i := range want {
		select {
		case p := <-got:
			if p != want[i] {
				t.Fatalf("notification %d reported progress %d, want %d", i, p, want[i])
			}
			if p < prev {
				t.Fatalf("observer saw progress regress: %d after %d", p, prev)
			}
			prev = p
		case <-time.After(2 * time.Second):
			t.Fatalf("notification %d never delivered", i)
		}
	}
}

func TestSessionFailureIsTerminal(t *testing.T) {
	r := NewSessionRegistry(nil)
	s, _ := r.Begin("u1", "tiktok")

	s.advance(70, StatusUploading)
	s.fail("upstream rejected chunk")

	// Late-arriving progress must not resurrect the session.
	s.advance(95, StatusProcessing)
	s.complete("post-1")

	snap := s.Snapshot()
	if snap.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", snap.Status)
	}
	if snap.Progress != 70 {
		t.Fatalf("progress moved after failure: %d", snap.Progress)
	}
	if snap.PostID != "" {
		t.Fatalf("postId set on failed session: %q", snap.PostID)
	}
	if snap.Error != "upstream rejected chunk" {
		t.Fatalf("error = %q", snap.Error)
	}
}

func TestSessionRegistryRejectsConcurrentPublish(t *testing.T) {
	r := NewSessionRegistry(nil)
	first, err := r.Begin("u1", "youtube")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	if _, err := r.Begin("u1", "youtube"); KindOf(err) != KindSessionActive {
		t.Fatalf("second Begin: kind=%q err=%v, want session_active", KindOf(err), err)
	}

	// A different service or user is unaffected.
	if _, err := r.Begin("u1", "tiktok"); err != nil {
		t.Fatalf("other service blocked: %v", err)
	}
	if _, err := r.Begin("u2", "youtube"); err != nil {
		t.Fatalf("other user blocked: %v", err)
	}

	r.End(first)
	if _, err := r.Begin("u1", "youtube"); err != nil {
		t.Fatalf("Begin after End: %v", err)
	}
}

func TestSessionRegistryStatusAfterEnd(t *testing.T) {
	r := NewSessionRegistry(nil)
	s, _ := r.Begin("u1", "bluesky")
	s.advance(10, StatusUploading)
	s.complete("at://post/1")
	r.End(s)

	snap := r.Status("u1", "bluesky")
	if snap == nil {
		t.Fatal("no retired snapshot")
	}
	if snap.Status != StatusReady || snap.Progress != 100 || snap.PostID != "at://post/1" {
		t.Fatalf("retired snapshot wrong: %+v", snap)
	}

	// Mutations after End are dropped.
	s.fail("late failure")
	if again := r.Status("u1", "bluesky"); again.Status != StatusReady {
		t.Fatalf("discarded session mutated: %+v", again)
	}

	if r.Status("u1", "farcaster") != nil {
		t.Fatal("unknown pair should have no status")
	}
}
