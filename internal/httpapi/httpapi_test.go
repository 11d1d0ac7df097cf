package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rakunlabs/ragchat/internal/session"
)

type fakeSessionStore struct {
	users map[string]*session.UserRecord
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{users: make(map[string]*session.UserRecord)}
}

func (f *fakeSessionStore) GetUserByID(_ context.Context, userID string) (*session.UserRecord, error) {
	u, ok := f.users[userID]
	if !ok {
		return nil, errNotFoundStub
	}
	cp := *u
	return &cp, nil
}

func (f *fakeSessionStore) SetSessionToken(_ context.Context, userID, token string) error {
	u, ok := f.users[userID]
	if !ok {
		u = &session.UserRecord{ID: userID, IsActive: true}
		f.users[userID] = u
	}
	u.SessionToken = token
	return nil
}

func (f *fakeSessionStore) ClearSessionToken(_ context.Context, userID string) error {
	if u, ok := f.users[userID]; ok {
		u.SessionToken = ""
	}
	return nil
}

type stubErr struct{ msg string }

func (e *stubErr) Error() string { return e.msg }

var errNotFoundStub = &stubErr{msg: "user not found"}

func TestLoginSetsSessionCookieAndReturnsUserID(t *testing.T) {
	store := newFakeSessionStore()
	s := &Server{guard: session.New(store)}

	body := strings.NewReader(`{"user_id":"u1"}`)
	req := httptest.NewRequest(http.MethodPost, "/auth/login", body)
	rec := httptest.NewRecorder()

	s.Login(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp loginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.UserID != "u1" {
		t.Errorf("UserID = %q, want u1", resp.UserID)
	}

	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != sessionCookieName || cookies[0].Value == "" {
		t.Fatalf("cookies = %+v, want one non-empty %s cookie", cookies, sessionCookieName)
	}
}

func TestLoginRejectsEmptyUserID(t *testing.T) {
	store := newFakeSessionStore()
	s := &Server{guard: session.New(store)}

	req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{"user_id":""}`))
	rec := httptest.NewRecorder()

	s.Login(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestLogoutClearsCookie(t *testing.T) {
	store := newFakeSessionStore()
	guard := session.New(store)
	s := &Server{guard: guard}

	ctx := context.Background()
	token, err := guard.Login(ctx, "u1")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	req.Header.Set("X-User-Id", "u1")
	rec := httptest.NewRecorder()

	s.Logout(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].MaxAge >= 0 {
		t.Fatalf("cookies = %+v, want an expired session cookie", cookies)
	}

	if _, err := guard.Authenticate(ctx, "u1", token); err == nil {
		t.Fatal("expected Authenticate to fail after logout")
	}
}

func TestRequireSessionRejectsMissingCookie(t *testing.T) {
	store := newFakeSessionStore()
	s := &Server{guard: session.New(store)}

	var called bool
	handler := s.requireSession()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/documents", nil)
	req.Header.Set("X-User-Id", "u1")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if called {
		t.Fatal("next handler should not run without a session cookie")
	}
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestRequireSessionRejectsStaleToken(t *testing.T) {
	store := newFakeSessionStore()
	guard := session.New(store)
	s := &Server{guard: guard}

	ctx := context.Background()
	stale, _ := guard.Login(ctx, "u1")
	guard.Login(ctx, "u1") // rotates the token, invalidating "stale"

	var called bool
	handler := s.requireSession()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/documents", nil)
	req.Header.Set("X-User-Id", "u1")
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: stale})
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if called {
		t.Fatal("next handler should not run with a stale token")
	}
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	// the rejection must also clear the cookie client-side
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].MaxAge >= 0 {
		t.Fatalf("cookies = %+v, want an expired session cookie", cookies)
	}
}

func TestRequireSessionAllowsCurrentToken(t *testing.T) {
	store := newFakeSessionStore()
	guard := session.New(store)
	s := &Server{guard: guard}

	ctx := context.Background()
	token, _ := guard.Login(ctx, "u1")

	var gotUserID string
	handler := s.requireSession()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		gotUserID, _ = userIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/documents", nil)
	req.Header.Set("X-User-Id", "u1")
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: token})
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (no body written by next handler)", rec.Code)
	}
	if gotUserID != "u1" {
		t.Errorf("context user id = %q, want u1", gotUserID)
	}
}

func TestHTTPResponseJSONSetsContentTypeAndBody(t *testing.T) {
	rec := httptest.NewRecorder()
	httpResponseJSON(rec, map[string]string{"a": "b"}, http.StatusCreated)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	if !strings.Contains(rec.Body.String(), `"a":"b"`) {
		t.Errorf("body = %q, missing expected field", rec.Body.String())
	}
}

func TestHTTPErrorBody(t *testing.T) {
	rec := httptest.NewRecorder()
	httpError(rec, "boom", http.StatusInternalServerError)

	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error != "boom" {
		t.Errorf("Error = %q, want boom", body.Error)
	}
}
