package credstore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/crosspost-labs/crosspost/backend/internal/models"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func TestGetCredentialsMissingRowIsNil(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectQuery(`SELECT credentials FROM public\.service_auth`).
		WithArgs("u1", "tiktok").
		WillReturnRows(sqlmock.NewRows([]string{"credentials"}))

	creds, err := s.GetCredentials(context.Background(), "u1", "tiktok")
	if err != nil {
		t.Fatalf("GetCredentials: %v", err)
	}
	if creds != nil {
		t.Fatalf("creds = %+v, want nil", creds)
	}
}

func TestPutAndGetAuthorizationRoundTrip(t *testing.T) {
	s, mock := newTestStore(t)
	exp := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	auth := &models.Authorization{
		AccessToken:  "at",
		RefreshToken: "rt",
		TokenType:    "Bearer",
		ExpiresAt:    &exp,
		ObtainedAt:   time.Now().UTC().Truncate(time.Second),
	}
	raw, _ := json.Marshal(auth)

	mock.ExpectExec(`INSERT INTO public\.service_auth`).
		WithArgs("u1", "twitter", string(raw)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	if err := s.PutAuthorization(context.Background(), "u1", "twitter", auth); err != nil {
		t.Fatalf("PutAuthorization: %v", err)
	}

	mock.ExpectQuery(`SELECT auth FROM public\.service_auth`).
		WithArgs("u1", "twitter").
		WillReturnRows(sqlmock.NewRows([]string{"auth"}).AddRow(raw))
	got, err := s.GetAuthorization(context.Background(), "u1", "twitter")
	if err != nil {
		t.Fatalf("GetAuthorization: %v", err)
	}
	if got.AccessToken != "at" || got.RefreshToken != "rt" || !got.ExpiresAt.Equal(exp) {
		t.Fatalf("round trip lost data: %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestDeleteAuthorizationKeepsCredentials(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectExec(`UPDATE public\.service_auth\s+SET auth = NULL, accounts = NULL`).
		WithArgs("u1", "twitter").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.DeleteAuthorization(context.Background(), "u1", "twitter"); err != nil {
		t.Fatalf("DeleteAuthorization: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestCreatePendingAuthReplacesPrevious(t *testing.T) {
	s, mock := newTestStore(t)
	now := time.Now().UTC()
	p := &models.PendingAuth{
		UserID: "u1", Service: "tiktok", State: "s1",
		CodeVerifier: "v1", RedirectURI: "https://app.test/cb",
		CreatedAt: now, ExpiresAt: now.Add(10 * time.Minute),
	}

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM public\.oauth_pending WHERE user_id=\$1 AND service=\$2`).
		WithArgs("u1", "tiktok").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO public\.oauth_pending`).
		WithArgs("s1", "u1", "tiktok", "v1", "https://app.test/cb", now, now.Add(10*time.Minute)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := s.CreatePendingAuth(context.Background(), p); err != nil {
		t.Fatalf("CreatePendingAuth: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestTakePendingAuthClaimsOnce(t *testing.T) {
	s, mock := newTestStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`DELETE FROM public\.oauth_pending\s+WHERE state=\$1 AND service=\$2 AND expires_at > NOW\(\)`).
		WithArgs("s1", "tiktok").
		WillReturnRows(sqlmock.NewRows([]string{"state", "user_id", "service", "code_verifier", "redirect_uri", "created_at", "expires_at"}).
			AddRow("s1", "u1", "tiktok", "v1", "https://app.test/cb", now, now.Add(10*time.Minute)))

	p, err := s.TakePendingAuth(context.Background(), "tiktok", "s1")
	if err != nil {
		t.Fatalf("TakePendingAuth: %v", err)
	}
	if p == nil || p.UserID != "u1" || p.CodeVerifier != "v1" {
		t.Fatalf("pending = %+v", p)
	}

	// Second claim sees no row: the record is single-use.
	mock.ExpectQuery(`DELETE FROM public\.oauth_pending`).
		WithArgs("s1", "tiktok").
		WillReturnRows(sqlmock.NewRows([]string{"state", "user_id", "service", "code_verifier", "redirect_uri", "created_at", "expires_at"}))
	p2, err := s.TakePendingAuth(context.Background(), "tiktok", "s1")
	if err != nil {
		t.Fatalf("second TakePendingAuth: %v", err)
	}
	if p2 != nil {
		t.Fatalf("replayed claim returned %+v", p2)
	}
}

func TestTouchUsageEnforcesDailyMax(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectQuery(`INSERT INTO public\.social_api_usage`).
		WillReturnRows(sqlmock.NewRows([]string{"requests_used"}).AddRow(int64(10)))
	ok, used, err := s.TouchUsage(context.Background(), "tiktok", 1, 100)
	if err != nil || !ok || used != 10 {
		t.Fatalf("ok=%v used=%d err=%v", ok, used, err)
	}

	mock.ExpectQuery(`INSERT INTO public\.social_api_usage`).
		WillReturnRows(sqlmock.NewRows([]string{"requests_used"}).AddRow(int64(101)))
	ok, used, err = s.TouchUsage(context.Background(), "tiktok", 1, 100)
	if err != nil {
		t.Fatalf("TouchUsage: %v", err)
	}
	if ok || used != 101 {
		t.Fatalf("quota not enforced: ok=%v used=%d", ok, used)
	}

	// Zero adds never touch the database.
	ok, used, err = s.TouchUsage(context.Background(), "tiktok", 0, 100)
	if err != nil || !ok || used != 0 {
		t.Fatalf("zero add: ok=%v used=%d err=%v", ok, used, err)
	}
}
