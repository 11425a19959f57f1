package ingest

import (
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestFeedClaimIsExclusive(t *testing.T) {
	hub := NewHub(nil)
	alertID := uuid.New()
	feed := hub.Feed(alertID)

	if _, err := feed.Claim(); err != nil {
		t.Fatalf("first Claim: %v", err)
	}
	if _, err := feed.Claim(); !errors.Is(err, ErrFeedClaimed) {
		t.Fatalf("second Claim = %v, want ErrFeedClaimed", err)
	}

	feed.Unclaim()
	if _, err := feed.Claim(); err != nil {
		t.Fatalf("Claim after Unclaim: %v", err)
	}
}

func TestFeedPublishDeliversChunks(t *testing.T) {
	hub := NewHub(nil)
	feed := hub.Feed(uuid.New())
	chunks, err := feed.Claim()
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}

	feed.Publish(ChunkVideo, []byte("v"))
	feed.Publish(ChunkAudio, []byte("a"))

	c := <-chunks
	if c.Kind != ChunkVideo || string(c.Data) != "v" {
		t.Fatalf("chunk = %+v", c)
	}
	c = <-chunks
	if c.Kind != ChunkAudio || string(c.Data) != "a" {
		t.Fatalf("chunk = %+v", c)
	}
}

func TestFeedPublishDropsWhenFull(t *testing.T) {
	hub := NewHub(nil)
	feed := hub.Feed(uuid.New())

	// Nobody consumes; fill the buffer and then some.
	for i := 0; i < feedBufferSize+10; i++ {
		feed.Publish(ChunkVideo, []byte("x"))
	}

	feed.mu.Lock()
	dropped := feed.dropped
	feed.mu.Unlock()
	if dropped != 10 {
		t.Fatalf("dropped = %d, want 10", dropped)
	}
}

func TestFeedCloseStopsConsumer(t *testing.T) {
	hub := NewHub(nil)
	feed := hub.Feed(uuid.New())
	chunks, err := feed.Claim()
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}

	feed.Publish(ChunkVideo, []byte("last"))
	feed.Close()
	feed.Close() // idempotent

	if c, ok := <-chunks; !ok || string(c.Data) != "last" {
		t.Fatalf("buffered chunk lost on close: %+v ok=%v", c, ok)
	}
	if _, ok := <-chunks; ok {
		t.Fatal("channel still open after Close")
	}
	if _, err := feed.Claim(); !errors.Is(err, ErrFeedClosed) {
		t.Fatalf("Claim after Close = %v, want ErrFeedClosed", err)
	}
	// Publishing into a closed feed is a no-op, not a panic.
	feed.Publish(ChunkVideo, []byte("late"))
}

func TestFeedDeniedAndLive(t *testing.T) {
	hub := NewHub(nil)
	feed := hub.Feed(uuid.New())

	if feed.Live() {
		t.Fatal("feed live before publisher connected")
	}
	feed.SetLive(true)
	if !feed.Live() {
		t.Fatal("feed not live after SetLive")
	}
	if feed.Denied() {
		t.Fatal("feed denied before Deny")
	}
	feed.Deny()
	if !feed.Denied() {
		t.Fatal("Deny not recorded")
	}
	feed.Close()
	if feed.Live() {
		t.Fatal("closed feed reports live")
	}
}

func TestHubFeedLifecycle(t *testing.T) {
	hub := NewHub(nil)
	alertID := uuid.New()

	if hub.Lookup(alertID) != nil {
		t.Fatal("Lookup before Feed must return nil")
	}
	feed := hub.Feed(alertID)
	if hub.Feed(alertID) != feed {
		t.Fatal("Feed must return the same instance per alert")
	}
	if hub.Lookup(alertID) != feed {
		t.Fatal("Lookup must return the created feed")
	}

	hub.Remove(alertID)
	if hub.Lookup(alertID) != nil {
		t.Fatal("feed survives Remove")
	}
	if _, err := feed.Claim(); !errors.Is(err, ErrFeedClosed) {
		t.Fatalf("removed feed Claim = %v, want ErrFeedClosed", err)
	}
}

func TestHubDisconnectHandler(t *testing.T) {
	hub := NewHub(nil)
	var got uuid.UUID
	hub.SetDisconnectHandler(func(alertID uuid.UUID) { got = alertID })

	alertID := uuid.New()
	hub.Feed(alertID)
	hub.disconnected(alertID)
	if got != alertID {
		t.Fatalf("disconnect handler got %s, want %s", got, alertID)
	}
}
