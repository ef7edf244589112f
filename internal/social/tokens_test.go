package social

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"golang.org/x/oauth2"

	"github.com/crosspost-labs/crosspost/backend/internal/credstore"
	"github.com/crosspost-labs/crosspost/backend/internal/models"
)

type stubTransport struct {
	fn func(*http.Request) (*http.Response, error)
}

func (t stubTransport) RoundTrip(r *http.Request) (*http.Response, error) { return t.fn(r) }

func httpJSON(status int, body string) *http.Response {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	return &http.Response{
		StatusCode: status,
		Header:     h,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func testTokenManager(t *testing.T, cfg *Config, transport http.RoundTripper) (*TokenManager, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	client := &http.Client{Transport: transport}
	if transport == nil {
		client = &http.Client{}
	}
	return newTokenManager(cfg, credstore.New(db), client), mock
}

func ptrTime(v time.Time) *time.Time { return &v }

func TestUsableHonorsExpirySkew(t *testing.T) {
	cfg := &Config{Name: "tiktok"}
	m, _ := testTokenManager(t, cfg, nil)
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	cases := []struct {
		name string
		auth *models.Authorization
		want bool
	}{
		{"nil auth", nil, false},
		{"empty token", &models.Authorization{}, false},
		{"no deadlines", &models.Authorization{AccessToken: "a"}, true},
		{"refresh deadline far", &models.Authorization{
			AccessToken: "a", RefreshToken: "r",
			RefreshTokenExpiresAt: ptrTime(now.Add(time.Hour)),
		}, true},
		{"refresh deadline inside skew buffer", &models.Authorization{
			AccessToken: "a", RefreshToken: "r",
			RefreshTokenExpiresAt: ptrTime(now.Add(4 * time.Minute)),
		}, false},
		{"refresh deadline passed", &models.Authorization{
			AccessToken: "a", RefreshToken: "r",
			RefreshTokenExpiresAt: ptrTime(now.Add(-time.Minute)),
		}, false},
		{"no refresh token falls back to access deadline", &models.Authorization{
			AccessToken: "a",
			ExpiresAt:   ptrTime(now.Add(time.Hour)),
		}, true},
		{"no refresh token and access expiring", &models.Authorization{
			AccessToken: "a",
			ExpiresAt:   ptrTime(now.Add(time.Minute)),
		}, false},
		{"expired access but live refresh token", &models.Authorization{
			AccessToken: "a", RefreshToken: "r",
			ExpiresAt:             ptrTime(now.Add(-time.Hour)),
			RefreshTokenExpiresAt: ptrTime(now.Add(24 * time.Hour)),
		}, true},
	}
	for _, tc := range cases {
		if got := m.Usable(tc.auth); got != tc.want {
			t.Errorf("%s: Usable=%v want %v", tc.name, got, tc.want)
		}
	}
}

func TestAuthFromTokenRotationAndCarryover(t *testing.T) {
	cfg := &Config{Name: "tiktok", DefaultRefreshTTL: 365 * 24 * time.Hour}
	m, _ := testTokenManager(t, cfg, nil)
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	prevRefreshExp := now.Add(100 * 24 * time.Hour)
	prev := &models.Authorization{
		AccessToken:           "old-access",
		RefreshToken:          "old-refresh",
		Scope:                 "video.upload",
		RefreshTokenExpiresAt: &prevRefreshExp,
	}

	// Unrotated refresh token keeps its old deadline and scope.
	tok := &oauth2.Token{AccessToken: "new-access", Expiry: now.Add(time.Hour)}
	auth := m.authFromToken(tok, prev)
	if auth.RefreshToken != "old-refresh" {
		t.Fatalf("refresh token dropped: %q", auth.RefreshToken)
	}
	if auth.RefreshTokenExpiresAt == nil || !auth.RefreshTokenExpiresAt.Equal(prevRefreshExp) {
		t.Fatalf("refresh deadline changed: %v", auth.RefreshTokenExpiresAt)
	}
	if auth.Scope != "video.upload" {
		t.Fatalf("scope dropped: %q", auth.Scope)
	}

	// Explicit refresh_expires_in wins over everything.
	tok2 := (&oauth2.Token{AccessToken: "n2", RefreshToken: "rot"}).
		WithExtra(map[string]interface{}{"refresh_expires_in": float64(3600)})
	auth2 := m.authFromToken(tok2, prev)
	want := now.Add(time.Hour)
	if auth2.RefreshTokenExpiresAt == nil || !auth2.RefreshTokenExpiresAt.Equal(want) {
		t.Fatalf("refresh_expires_in ignored: %v", auth2.RefreshTokenExpiresAt)
	}

	// Rotated token with no explicit lifetime gets the platform default.
	tok3 := &oauth2.Token{AccessToken: "n3", RefreshToken: "rot2"}
	auth3 := m.authFromToken(tok3, prev)
	wantDefault := now.Add(cfg.DefaultRefreshTTL)
	if auth3.RefreshTokenExpiresAt == nil || !auth3.RefreshTokenExpiresAt.Equal(wantDefault) {
		t.Fatalf("default refresh ttl not applied: %v", auth3.RefreshTokenExpiresAt)
	}
}

func storedAuthRow(t *testing.T, auth *models.Authorization) *sqlmock.Rows {
	t.Helper()
	raw, err := json.Marshal(auth)
	if err != nil {
		t.Fatalf("marshal auth: %v", err)
	}
	return sqlmock.NewRows([]string{"auth"}).AddRow(raw)
}

func TestValidAccessTokenServesFreshTokenWithoutRefresh(t *testing.T) {
	cfg := &Config{Name: "twitter", Endpoint: oauth2.Endpoint{TokenURL: "https://token.test/oauth"}}
	m, mock := testTokenManager(t, cfg, stubTransport{fn: func(r *http.Request) (*http.Response, error) {
		t.Fatalf("unexpected upstream call to %s", r.URL)
		return nil, nil
	}})
	now := time.Now().UTC()
	m.now = func() time.Time { return now }

	mock.ExpectQuery(`SELECT auth FROM public\.service_auth`).
		WithArgs("u1", "twitter").
		WillReturnRows(storedAuthRow(t, &models.Authorization{
			AccessToken: "fresh",
			ExpiresAt:   ptrTime(now.Add(time.Hour)),
		}))

	tok, err := m.ValidAccessToken(context.Background(), "u1")
	if err != nil {
		t.Fatalf("ValidAccessToken: %v", err)
	}
	if tok != "fresh" {
		t.Fatalf("token = %q", tok)
	}

	// Second call is served from the cache, no DB round trip.
	if tok, err = m.ValidAccessToken(context.Background(), "u1"); err != nil || tok != "fresh" {
		t.Fatalf("cached call: tok=%q err=%v", tok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestValidAccessTokenRefreshesOnceUnderConcurrency(t *testing.T) {
	cfg := &Config{Name: "twitter", Endpoint: oauth2.Endpoint{TokenURL: "https://token.test/oauth"}}

	var refreshCalls int64
	transport := stubTransport{fn: func(r *http.Request) (*http.Response, error) {
		atomic.AddInt64(&refreshCalls, 1)
		return httpJSON(200, `{"access_token":"renewed","token_type":"Bearer","expires_in":3600,"refresh_token":"r2"}`), nil
	}}
	m, mock := testTokenManager(t, cfg, transport)
	mock.MatchExpectationsInOrder(false)
	now := time.Now().UTC()
	m.now = func() time.Time { return now }

	stale := &models.Authorization{
		AccessToken:           "stale",
		RefreshToken:          "r1",
		ExpiresAt:             ptrTime(now.Add(-time.Minute)),
		RefreshTokenExpiresAt: ptrTime(now.Add(24 * time.Hour)),
	}
	credsRaw, _ := json.Marshal(&models.Credentials{ClientID: "id", ClientSecret: "sec"})

	const workers = 8
	for i := 0; i < workers; i++ {
		mock.ExpectQuery(`SELECT auth FROM public\.service_auth`).
			WithArgs("u1", "twitter").
			WillReturnRows(storedAuthRow(t, stale))
	}
	mock.ExpectQuery(`SELECT credentials FROM public\.service_auth`).
		WithArgs("u1", "twitter").
		WillReturnRows(sqlmock.NewRows([]string{"credentials"}).AddRow(credsRaw))
	mock.ExpectExec(`INSERT INTO public\.service_auth`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	var wg sync.WaitGroup
	tokens := make([]string, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = m.ValidAccessToken(context.Background(), "u1")
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		if tokens[i] != "renewed" {
			t.Fatalf("worker %d token = %q", i, tokens[i])
		}
	}
	if n := atomic.LoadInt64(&refreshCalls); n != 1 {
		t.Fatalf("upstream refresh calls = %d, want 1", n)
	}
}

func TestRefreshRejectionSurfacesKindRefresh(t *testing.T) {
	cfg := &Config{Name: "twitter", Endpoint: oauth2.Endpoint{TokenURL: "https://token.test/oauth"}}
	transport := stubTransport{fn: func(r *http.Request) (*http.Response, error) {
		return httpJSON(400, `{"error":"invalid_grant","error_description":"revoked"}`), nil
	}}
	m, mock := testTokenManager(t, cfg, transport)
	now := time.Now().UTC()
	m.now = func() time.Time { return now }

	stale := &models.Authorization{
		AccessToken:           "stale",
		RefreshToken:          "r1",
		ExpiresAt:             ptrTime(now.Add(-time.Minute)),
		RefreshTokenExpiresAt: ptrTime(now.Add(24 * time.Hour)),
	}
	credsRaw, _ := json.Marshal(&models.Credentials{ClientID: "id", ClientSecret: "sec"})

	mock.ExpectQuery(`SELECT auth FROM public\.service_auth`).
		WithArgs("u1", "twitter").
		WillReturnRows(storedAuthRow(t, stale))
	mock.ExpectQuery(`SELECT credentials FROM public\.service_auth`).
		WithArgs("u1", "twitter").
		WillReturnRows(sqlmock.NewRows([]string{"credentials"}).AddRow(credsRaw))
	// No INSERT expectation: a rejected refresh must not touch stored state.

	_, err := m.ValidAccessToken(context.Background(), "u1")
	if KindOf(err) != KindRefresh {
		t.Fatalf("kind=%q err=%v, want refresh", KindOf(err), err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestThreadsExpiringTokenRefreshesInPlace(t *testing.T) {
	var overrideCalled atomic.Bool
	transport := stubTransport{fn: func(r *http.Request) (*http.Response, error) {
		if r.URL.Host != "graph.threads.net" || r.URL.Path != "/refresh_access_token" {
			t.Fatalf("unexpected upstream call: %s", r.URL)
		}
		if got := r.URL.Query().Get("grant_type"); got != "th_refresh_token" {
			t.Fatalf("grant_type=%q", got)
		}
		overrideCalled.Store(true)
		return httpJSON(200, `{"access_token":"ll2","token_type":"bearer","expires_in":5183944}`), nil
	}}
	m, mock := testTokenManager(t, threadsConfig(), transport)
	now := time.Now().UTC()
	m.now = func() time.Time { return now }

	// Long-lived token two minutes from expiry: inside the skew buffer, so
	// not servable as-is, but still within the 60-day rotation window.
	expiring := &models.Authorization{
		AccessToken: "ll1",
		ExpiresAt:   ptrTime(now.Add(2 * time.Minute)),
		ObtainedAt:  now.Add(-59 * 24 * time.Hour),
	}
	credsRaw, _ := json.Marshal(&models.Credentials{ClientID: "id", ClientSecret: "sec"})

	mock.ExpectQuery(`SELECT auth FROM public\.service_auth`).
		WithArgs("u1", "threads").
		WillReturnRows(storedAuthRow(t, expiring))
	mock.ExpectQuery(`SELECT credentials FROM public\.service_auth`).
		WithArgs("u1", "threads").
		WillReturnRows(sqlmock.NewRows([]string{"credentials"}).AddRow(credsRaw))
	mock.ExpectExec(`INSERT INTO public\.service_auth`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	tok, err := m.ValidAccessToken(context.Background(), "u1")
	if err != nil {
		t.Fatalf("ValidAccessToken: %v", err)
	}
	if tok != "ll2" {
		t.Fatalf("token=%q, want rotated ll2", tok)
	}
	if !overrideCalled.Load() {
		t.Fatalf("refresh endpoint never called")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestRefreshWithDeadRefreshTokenFailsWithoutUpstreamCall(t *testing.T) {
	cfg := &Config{Name: "twitter", Endpoint: oauth2.Endpoint{TokenURL: "https://token.test/oauth"}}
	m, mock := testTokenManager(t, cfg, stubTransport{fn: func(r *http.Request) (*http.Response, error) {
		t.Fatalf("upstream called for dead refresh token")
		return nil, nil
	}})
	now := time.Now().UTC()
	m.now = func() time.Time { return now }

	dead := &models.Authorization{
		AccessToken:           "stale",
		RefreshToken:          "r1",
		ExpiresAt:             ptrTime(now.Add(-time.Hour)),
		RefreshTokenExpiresAt: ptrTime(now.Add(-time.Minute)),
	}
	mock.ExpectQuery(`SELECT auth FROM public\.service_auth`).
		WithArgs("u1", "twitter").
		WillReturnRows(storedAuthRow(t, dead))

	_, err := m.ValidAccessToken(context.Background(), "u1")
	if KindOf(err) != KindRefresh {
		t.Fatalf("kind=%q err=%v", KindOf(err), err)
	}
	if !strings.Contains(err.Error(), "reauthorize") {
		t.Fatalf("error should demand re-authorization: %v", err)
	}
}
