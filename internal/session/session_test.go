package session

import (
	"context"
	"errors"
	"testing"
)

type fakeStore struct {
	users map[string]*UserRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{users: make(map[string]*UserRecord)}
}

func (f *fakeStore) GetUserByID(_ context.Context, userID string) (*UserRecord, error) {
	u, ok := f.users[userID]
	if !ok {
		return nil, errors.New("user not found")
	}
	cp := *u
	return &cp, nil
}

func (f *fakeStore) SetSessionToken(_ context.Context, userID, token string) error {
	u, ok := f.users[userID]
	if !ok {
		u = &UserRecord{ID: userID, IsActive: true}
		f.users[userID] = u
	}
	u.SessionToken = token
	return nil
}

func (f *fakeStore) ClearSessionToken(_ context.Context, userID string) error {
	if u, ok := f.users[userID]; ok {
		u.SessionToken = ""
	}
	return nil
}

func TestLoginThenAuthenticateSucceeds(t *testing.T) {
	store := newFakeStore()
	g := New(store)
	ctx := context.Background()

	token, err := g.Login(ctx, "u1")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	u, err := g.Authenticate(ctx, "u1", token)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if u.ID != "u1" {
		t.Fatalf("ID = %q, want u1", u.ID)
	}
}

func TestLoginRotatesPreviousSession(t *testing.T) {
	store := newFakeStore()
	g := New(store)
	ctx := context.Background()

	first, _ := g.Login(ctx, "u1")
	second, _ := g.Login(ctx, "u1")

	if _, err := g.Authenticate(ctx, "u1", first); !errors.Is(err, ErrInvalidated) {
		t.Fatalf("stale token err = %v, want ErrInvalidated", err)
	}
	if _, err := g.Authenticate(ctx, "u1", second); err != nil {
		t.Fatalf("current token Authenticate: %v", err)
	}
}

func TestAuthenticateMismatchClearsToken(t *testing.T) {
	store := newFakeStore()
	g := New(store)
	ctx := context.Background()

	token, _ := g.Login(ctx, "u1")

	if _, err := g.Authenticate(ctx, "u1", "wrong-token"); !errors.Is(err, ErrInvalidated) {
		t.Fatalf("err = %v, want ErrInvalidated", err)
	}

	// A second attempt with the originally-correct token must now also
	// fail: the mismatch cleared the stored token defensively.
	if _, err := g.Authenticate(ctx, "u1", token); !errors.Is(err, ErrInvalidated) {
		t.Fatalf("err after clear = %v, want ErrInvalidated", err)
	}
}

func TestAuthenticateEmptyTokenRejected(t *testing.T) {
	store := newFakeStore()
	g := New(store)
	ctx := context.Background()

	g.Login(ctx, "u1")

	if _, err := g.Authenticate(ctx, "u1", ""); !errors.Is(err, ErrInvalidated) {
		t.Fatalf("err = %v, want ErrInvalidated", err)
	}
}

func TestAuthenticateInactiveUserRejected(t *testing.T) {
	store := newFakeStore()
	g := New(store)
	ctx := context.Background()

	token, _ := g.Login(ctx, "u1")
	store.users["u1"].IsActive = false

	if _, err := g.Authenticate(ctx, "u1", token); !errors.Is(err, ErrInvalidated) {
		t.Fatalf("err = %v, want ErrInvalidated", err)
	}
}

func TestLogoutClearsToken(t *testing.T) {
	store := newFakeStore()
	g := New(store)
	ctx := context.Background()

	token, _ := g.Login(ctx, "u1")
	if err := g.Logout(ctx, "u1"); err != nil {
		t.Fatalf("Logout: %v", err)
	}

	if _, err := g.Authenticate(ctx, "u1", token); !errors.Is(err, ErrInvalidated) {
		t.Fatalf("err = %v, want ErrInvalidated", err)
	}
}
