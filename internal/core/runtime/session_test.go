package runtime

import (
	"testing"

	"github.com/link-assistant/agent/internal/core/types"
)

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	rec := NewRecord(NewSessionID())
	rec.Messages = append(rec.Messages, types.Message{ID: NewMessageID(), Role: types.RoleUser})
	if err := store.Save(rec); err != nil {
		t.Fatal(err)
	}

	loaded, err := store.Load(rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded.Messages) != 1 {
		t.Fatalf("expected 1 message to round-trip, got %d", len(loaded.Messages))
	}
}

func TestResumeForksByDefaultAndRetainsParent(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	original := NewRecord(NewSessionID())
	original.Messages = append(original.Messages, types.Message{ID: NewMessageID(), Role: types.RoleUser})
	if err := store.Save(original); err != nil {
		t.Fatal(err)
	}

	forked, err := store.Resume(original.ID, false)
	if err != nil {
		t.Fatal(err)
	}
	if forked.ID == original.ID {
		t.Fatal("expected fork to assign a new session id")
	}
	if forked.ParentID != original.ID {
		t.Fatalf("expected forked.ParentID = %q, got %q", original.ID, forked.ParentID)
	}
	if len(forked.Messages) != len(original.Messages) {
		t.Fatal("expected history to be copied into the fork")
	}

	// original must still be loadable untouched.
	if _, err := store.Load(original.ID); err != nil {
		t.Fatalf("expected parent session to remain on disk: %v", err)
	}
}

func TestResumeNoForkReusesSameSessionID(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	original := NewRecord(NewSessionID())
	if err := store.Save(original); err != nil {
		t.Fatal(err)
	}

	resumed, err := store.Resume(original.ID, true)
	if err != nil {
		t.Fatal(err)
	}
	if resumed.ID != original.ID {
		t.Fatalf("expected --no-fork to reuse the session id, got %q", resumed.ID)
	}
}

func TestMostRecentPicksLatestModTime(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	a := NewRecord(NewSessionID())
	if err := store.Save(a); err != nil {
		t.Fatal(err)
	}

	id, err := store.MostRecent()
	if err != nil {
		t.Fatal(err)
	}
	if id != a.ID {
		t.Fatalf("expected %q, got %q", a.ID, id)
	}
}
