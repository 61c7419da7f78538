package store

import (
	"testing"
	"time"

	"github.com/webcmdk/sidepanel/internal/protocol"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Clear(); err != nil {
			t.Fatalf("cleanup: %v", err)
		}
	})
	return s
}

func testCredentials() (*protocol.User, *protocol.Credentials) {
	now := time.Now().UnixMilli()
	return &protocol.User{ID: "u-1", Email: "test@example.com", Name: "Test"},
		&protocol.Credentials{
			AccessToken:           "at-1",
			AccessTokenExpiresAt:  now + 3600_000,
			RefreshToken:          "rt-1",
			RefreshTokenExpiresAt: now + 86_400_000,
		}
}

func TestSaveCredentials_ReadBack(t *testing.T) {
	s := newTestStore(t)
	user, creds := testCredentials()

	if err := s.SaveCredentials(user, creds); err != nil {
		t.Fatalf("save: %v", err)
	}

	gotUser, gotCreds, err := s.Credentials()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if gotUser == nil || gotUser.Email != user.Email || gotUser.ID != user.ID {
		t.Fatalf("user mismatch: %+v", gotUser)
	}
	if *gotCreds != *creds {
		t.Fatalf("credentials mismatch: got %+v want %+v", gotCreds, creds)
	}
}

func TestSaveTokens_PreservesUser(t *testing.T) {
	s := newTestStore(t)
	user, creds := testCredentials()
	if err := s.SaveCredentials(user, creds); err != nil {
		t.Fatalf("save: %v", err)
	}

	rotated := *creds
	rotated.AccessToken = "at-2"
	rotated.RefreshToken = "rt-2"
	if err := s.SaveTokens(&rotated); err != nil {
		t.Fatalf("save tokens: %v", err)
	}

	gotUser, gotCreds, err := s.Credentials()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if gotUser == nil || gotUser.ID != "u-1" {
		t.Fatalf("user should survive a token rotation, got %+v", gotUser)
	}
	if gotCreds.AccessToken != "at-2" || gotCreds.RefreshToken != "rt-2" {
		t.Fatalf("tokens not rotated: %+v", gotCreds)
	}
}

func TestClear_RemovesEverything(t *testing.T) {
	s := newTestStore(t)
	user, creds := testCredentials()
	if err := s.SaveCredentials(user, creds); err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := s.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}

	gotUser, gotCreds, err := s.Credentials()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if gotUser != nil {
		t.Fatalf("expected nil user after clear, got %+v", gotUser)
	}
	if gotCreds.AccessToken != "" || gotCreds.AccessTokenExpiresAt != 0 {
		t.Fatalf("expected empty credentials after clear, got %+v", gotCreds)
	}

	// Clearing an empty store must be a no-op, not an error.
	if err := s.Clear(); err != nil {
		t.Fatalf("clear on empty store: %v", err)
	}
}

func TestWatch_NotifiesOnMatchingField(t *testing.T) {
	s := newTestStore(t)
	user, creds := testCredentials()

	var got [][]string
	unsubscribe := s.Watch([]string{KeyAccessToken}, func(changed []string) {
		got = append(got, changed)
	})

	if err := s.SaveCredentials(user, creds); err != nil {
		t.Fatalf("save: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(got))
	}

	unsubscribe()
	if err := s.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("unsubscribed watcher still notified: %d", len(got))
	}
}

func TestWatch_EmptyFieldListSeesAllWrites(t *testing.T) {
	s := newTestStore(t)
	user, creds := testCredentials()

	notified := 0
	defer s.Watch(nil, func([]string) { notified++ })()

	if err := s.SaveCredentials(user, creds); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.SaveTokens(creds); err != nil {
		t.Fatalf("save tokens: %v", err)
	}
	if notified != 2 {
		t.Fatalf("expected 2 notifications, got %d", notified)
	}
}
