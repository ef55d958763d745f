package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nizigama/trading-platform-be/internal/rate"
	"github.com/nizigama/trading-platform-be/internal/security"
	"github.com/nizigama/trading-platform-be/internal/storage"
	"github.com/nizigama/trading-platform-be/libs/auth"
)

type fakeUserStore struct {
	users     map[string]storage.User
	createErr error
	nextID    int64
}

func (f *fakeUserStore) CreateUser(_ context.Context, email, passwordHash string) (int64, error) {
	if f.createErr != nil {
		return 0, f.createErr
	}
	if _, ok := f.users[email]; ok {
		return 0, storage.ErrEmailExists
	}
	f.nextID++
	if f.users == nil {
		f.users = map[string]storage.User{}
	}
	f.users[email] = storage.User{ID: f.nextID, Email: email, PasswordHash: passwordHash}
	return f.nextID, nil
}

func (f *fakeUserStore) GetUserByEmail(_ context.Context, email string) (storage.User, error) {
	u, ok := f.users[email]
	if !ok {
		return storage.User{}, storage.ErrNotFound
	}
	return u, nil
}

func authTestRouter(store *fakeUserStore, limiter rate.Limiter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewAuthHandler(store, nil, string(testJWTSecret), time.Minute, limiter, "test").Register(r)
	return r
}

func postJSON(r *gin.Engine, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func TestRegisterIssuesToken(t *testing.T) {
	store := &fakeUserStore{}
	r := authTestRouter(store, nil)

	w := postJSON(r, "/auth/register", `{"email":"user@example.com","password":"longenough"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp authResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	claims, err := auth.ParseJWT(resp.AccessToken, testJWTSecret)
	if err != nil {
		t.Fatalf("token must parse: %v", err)
	}
	if claims.Subject != "1" {
		t.Fatalf("subject = %s, want 1", claims.Subject)
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	store := &fakeUserStore{}
	r := authTestRouter(store, nil)

	postJSON(r, "/auth/register", `{"email":"user@example.com","password":"longenough"}`)
	w := postJSON(r, "/auth/register", `{"email":"user@example.com","password":"longenough"}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
}

func TestRegisterRejectsWeakInput(t *testing.T) {
	r := authTestRouter(&fakeUserStore{}, nil)

	w := postJSON(r, "/auth/register", `{"email":"bad","password":"short"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestLoginVerifiesPassword(t *testing.T) {
	hash, err := security.HashPassword("correct-horse", security.DefaultArgon2Params())
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	store := &fakeUserStore{users: map[string]storage.User{
		"user@example.com": {ID: 7, Email: "user@example.com", PasswordHash: hash},
	}}
	r := authTestRouter(store, nil)

	w := postJSON(r, "/auth/login", `{"email":"USER@example.com","password":"correct-horse"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	w = postJSON(r, "/auth/login", `{"email":"user@example.com","password":"wrong"}`)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong password status = %d, want 401", w.Code)
	}

	w = postJSON(r, "/auth/login", `{"email":"ghost@example.com","password":"whatever"}`)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unknown user status = %d, want 401", w.Code)
	}
}

func TestLoginRateLimited(t *testing.T) {
	hash, err := security.HashPassword("pw-longenough", security.DefaultArgon2Params())
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	store := &fakeUserStore{users: map[string]storage.User{
		"user@example.com": {ID: 7, Email: "user@example.com", PasswordHash: hash},
	}}
	r := authTestRouter(store, rate.NewMemory(1, time.Minute))

	w := postJSON(r, "/auth/login", `{"email":"user@example.com","password":"pw-longenough"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("first login status = %d", w.Code)
	}
	w = postJSON(r, "/auth/login", `{"email":"user@example.com","password":"pw-longenough"}`)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second login status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}
