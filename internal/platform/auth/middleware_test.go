package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	firebaseauth "firebase.google.com/go/v4/auth"
)

type fakeVerifier struct {
	token     *firebaseauth.Token
	err       error
	lastToken string
}

func (f *fakeVerifier) VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error) {
	f.lastToken = idToken
	if f.err != nil {
		return nil, f.err
	}
	return f.token, nil
}

type fakeUsers struct {
	record       *firebaseauth.UserRecord
	fetches      int
	requestedUID string
}

func (f *fakeUsers) GetUser(ctx context.Context, uid string) (*firebaseauth.UserRecord, error) {
	f.fetches++
	f.requestedUID = uid
	return f.record, nil
}

func authedRequest(token string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/datasets", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func decodeAuthError(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("expected JSON error body: %v", err)
	}
	return body
}

func TestRequireFirebaseAuth_PopulatesIdentity(t *testing.T) {
	verifier := &fakeVerifier{
		token: &firebaseauth.Token{
			UID: "fb-uid-204",
			Claims: map[string]interface{}{
				"role":   map[string]interface{}{"staff": true, "viewer": false},
				"locale": "de-DE",
				"email":  "lena@example.org",
			},
		},
	}
	users := &fakeUsers{record: &firebaseauth.UserRecord{UserInfo: &firebaseauth.UserInfo{UID: "fb-uid-204", Email: "lena@example.org"}}}

	authn := NewAuthenticator(verifier, WithUserGetter(users))

	reached := false
	handler := authn.RequireFirebaseAuth(RoleStaff)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true

		identity, ok := IdentityFromContext(r.Context())
		if !ok {
			t.Fatalf("expected identity in context")
		}
		if identity.UID != "fb-uid-204" {
			t.Fatalf("unexpected uid: %s", identity.UID)
		}
		if !identity.HasRole(RoleStaff) {
			t.Fatalf("expected staff role, got %v", identity.Roles)
		}
		if identity.HasRole("viewer") {
			t.Fatalf("disabled map entry must not grant a role, got %v", identity.Roles)
		}
		if identity.Locale != "de-DE" {
			t.Fatalf("expected locale de-DE, got %s", identity.Locale)
		}
		if identity.Email != "lena@example.org" {
			t.Fatalf("unexpected email %s", identity.Email)
		}

		// The user record loads on first access and is memoized after.
		first, err := identity.User(r.Context())
		if err != nil {
			t.Fatalf("unexpected user load error: %v", err)
		}
		second, err := identity.User(r.Context())
		if err != nil {
			t.Fatalf("unexpected second user load error: %v", err)
		}
		if first != second {
			t.Fatalf("expected cached user record")
		}

		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, authedRequest("valid-token"))

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rr.Code)
	}
	if !reached {
		t.Fatalf("expected handler to run")
	}
	if verifier.lastToken != "valid-token" {
		t.Fatalf("expected verifier to receive valid-token, got %s", verifier.lastToken)
	}
	if users.fetches != 1 {
		t.Fatalf("expected a single user fetch, got %d", users.fetches)
	}
	if users.requestedUID != "fb-uid-204" {
		t.Fatalf("expected loader to request fb-uid-204, got %s", users.requestedUID)
	}
}

func TestRequireFirebaseAuth_MissingHeader(t *testing.T) {
	authn := NewAuthenticator(&fakeVerifier{})

	handler := authn.RequireFirebaseAuth()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler must not run without credentials")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/datasets", nil))

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if body := decodeAuthError(t, rr); body["error"] != "unauthenticated" {
		t.Fatalf("expected unauthenticated error, got %v", body["error"])
	}
}

func TestRequireFirebaseAuth_ExpiredToken(t *testing.T) {
	authn := NewAuthenticator(&fakeVerifier{err: ErrTokenExpired})

	handler := authn.RequireFirebaseAuth(RoleUser)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler must not run on an expired token")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, authedRequest("expired-token"))

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if body := decodeAuthError(t, rr); body["error"] != "token_expired" {
		t.Fatalf("expected token_expired error, got %v", body["error"])
	}
}

func TestRequireFirebaseAuth_InsufficientRole(t *testing.T) {
	verifier := &fakeVerifier{
		token: &firebaseauth.Token{
			UID:    "fb-uid-310",
			Claims: map[string]interface{}{"role": "user"},
		},
	}
	authn := NewAuthenticator(verifier)

	handler := authn.RequireFirebaseAuth(RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("user role must not reach admin routes")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, authedRequest("user-token"))

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if body := decodeAuthError(t, rr); body["error"] != "insufficient_role" {
		t.Fatalf("expected insufficient_role error, got %v", body["error"])
	}
}

func TestRequireFirebaseAuth_FallbackRole(t *testing.T) {
	verifier := &fakeVerifier{
		token: &firebaseauth.Token{
			UID:    "fb-uid-442",
			Claims: map[string]interface{}{},
		},
	}
	authn := NewAuthenticator(verifier)

	handler := authn.RequireFirebaseAuth()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := IdentityFromContext(r.Context())
		if !ok {
			t.Fatalf("expected identity in context")
		}
		if len(identity.Roles) != 1 || identity.Roles[0] != RoleUser {
			t.Fatalf("expected fallback role %q, got %v", RoleUser, identity.Roles)
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, authedRequest("no-role-token"))

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
}
