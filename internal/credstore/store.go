package credstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/crosspost-labs/crosspost/backend/internal/models"
)

// Store persists per-(user, service) credentials, authorizations and account
// snapshots, plus the short-lived pending-authorization records used by the
// redirect flow. One row per (user, service) in public.service_auth; one row
// per in-flight authorization attempt in public.oauth_pending.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) GetCredentials(ctx context.Context, userID, service string) (*models.Credentials, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT credentials FROM public.service_auth WHERE user_id=$1 AND service=$2 AND credentials IS NOT NULL`,
		userID, service).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var creds models.Credentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return nil, fmt.Errorf("invalid_credentials_payload: %w", err)
	}
	return &creds, nil
}

func (s *Store) PutCredentials(ctx context.Context, userID, service string, creds *models.Credentials) error {
	raw, err := json.Marshal(creds)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO public.service_auth (user_id, service, credentials, created_at, updated_at)
		VALUES ($1, $2, $3::jsonb, NOW(), NOW())
		ON CONFLICT (user_id, service) DO UPDATE SET
		  credentials = EXCLUDED.credentials,
		  updated_at = NOW()
	`, userID, service, string(raw))
	return err
}

func (s *Store) GetAuthorization(ctx context.Context, userID, service string) (*models.Authorization, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT auth FROM public.service_auth WHERE user_id=$1 AND service=$2 AND auth IS NOT NULL`,
		userID, service).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var auth models.Authorization
	if err := json.Unmarshal(raw, &auth); err != nil {
		return nil, fmt.Errorf("invalid_authorization_payload: %w", err)
	}
	return &auth, nil
}

func (s *Store) PutAuthorization(ctx context.Context, userID, service string, auth *models.Authorization) error {
	raw, err := json.Marshal(auth)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO public.service_auth (user_id, service, auth, created_at, updated_at)
		VALUES ($1, $2, $3::jsonb, NOW(), NOW())
		ON CONFLICT (user_id, service) DO UPDATE SET
		  auth = EXCLUDED.auth,
		  updated_at = NOW()
	`, userID, service, string(raw))
	return err
}

// DeleteAuthorization clears tokens and account snapshots but keeps the
// user's configured credentials so a later re-authorization can reuse them.
func (s *Store) DeleteAuthorization(ctx context.Context, userID, service string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE public.service_auth
		   SET auth = NULL, accounts = NULL, updated_at = NOW()
		 WHERE user_id=$1 AND service=$2
	`, userID, service)
	return err
}

func (s *Store) GetAccounts(ctx context.Context, userID, service string) ([]models.Account, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT accounts FROM public.service_auth WHERE user_id=$1 AND service=$2 AND accounts IS NOT NULL`,
		userID, service).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var accounts []models.Account
	if err := json.Unmarshal(raw, &accounts); err != nil {
		return nil, fmt.Errorf("invalid_accounts_payload: %w", err)
	}
	return accounts, nil
}

func (s *Store) PutAccounts(ctx context.Context, userID, service string, accounts []models.Account) error {
	raw, err := json.Marshal(accounts)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO public.service_auth (user_id, service, accounts, created_at, updated_at)
		VALUES ($1, $2, $3::jsonb, NOW(), NOW())
		ON CONFLICT (user_id, service) DO UPDATE SET
		  accounts = EXCLUDED.accounts,
		  updated_at = NOW()
	`, userID, service, string(raw))
	return err
}

// CreatePendingAuth records an in-flight authorization attempt keyed by its
// CSRF state. Any previous pending attempt for the same (user, service) is
// replaced; a user restarting the flow invalidates the older redirect.
func (s *Store) CreatePendingAuth(ctx context.Context, p *models.PendingAuth) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM public.oauth_pending WHERE user_id=$1 AND service=$2`,
		p.UserID, p.Service); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO public.oauth_pending (state, user_id, service, code_verifier, redirect_uri, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, p.State, p.UserID, p.Service, p.CodeVerifier, p.RedirectURI, p.CreatedAt, p.ExpiresAt); err != nil {
		return err
	}
	return tx.Commit()
}

// TakePendingAuth claims the pending record matching state, deleting it so a
// replayed callback cannot reuse it. Returns (nil, nil) when no live record
// matches: expired records fail closed and unknown states are a no-op for
// the caller.
func (s *Store) TakePendingAuth(ctx context.Context, service, state string) (*models.PendingAuth, error) {
	row := s.db.QueryRowContext(ctx, `
		DELETE FROM public.oauth_pending
		 WHERE state=$1 AND service=$2 AND expires_at > NOW()
		RETURNING state, user_id, service, code_verifier, redirect_uri, created_at, expires_at
	`, state, service)

	p := &models.PendingAuth{}
	err := row.Scan(&p.State, &p.UserID, &p.Service, &p.CodeVerifier, &p.RedirectURI, &p.CreatedAt, &p.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// DeleteExpiredPending sweeps abandoned authorization attempts. Returns the
// number of rows removed.
func (s *Store) DeleteExpiredPending(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM public.oauth_pending WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RecordPublishedPost upserts a published post snapshot into the social
// library so the UI can list what this system created on each network.
func (s *Store) RecordPublishedPost(ctx context.Context, userID, service, postID, title, permalink string, rawPayload []byte) error {
	payload := string(rawPayload)
	if payload == "" {
		payload = "{}"
	}
	rowID := fmt.Sprintf("%s:%s:%s", service, userID, postID)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO public.social_libraries
		  (id, user_id, network, content_type, title, permalink_url, posted_at, raw_payload, external_id, created_at, updated_at)
		VALUES
		  ($1, $2, $3, 'video', NULLIF($4,''), NULLIF($5,''), NOW(), $6::jsonb, $7, NOW(), NOW())
		ON CONFLICT (user_id, network, external_id)
		DO UPDATE SET
		  title = EXCLUDED.title,
		  permalink_url = EXCLUDED.permalink_url,
		  raw_payload = EXCLUDED.raw_payload,
		  updated_at = NOW()
	`, rowID, userID, service, title, permalink, payload, postID)
	return err
}

// ListConnectedServices returns the services for which the user currently
// holds a stored authorization.
func (s *Store) ListConnectedServices(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT service FROM public.service_auth WHERE user_id=$1 AND auth IS NOT NULL ORDER BY service`,
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]string, 0, 8)
	for rows.Next() {
		var svc string
		if err := rows.Scan(&svc); err != nil {
			return nil, err
		}
		out = append(out, svc)
	}
	return out, rows.Err()
}

// TouchUsage implements daily request quota accounting per provider. It
// returns ok=false when the daily max would be exceeded.
func (s *Store) TouchUsage(ctx context.Context, provider string, add int64, dailyMax int64) (bool, int64, error) {
	if add <= 0 {
		return true, 0, nil
	}
	day := time.Now().UTC().Format("2006-01-02")
	id := fmt.Sprintf("%s:%s", provider, day)
	var used int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO public.social_api_usage (id, provider, day, requests_used, last_updated_at)
		VALUES ($1, $2, $3::date, $4, NOW())
		ON CONFLICT (provider, day) DO UPDATE SET
		  requests_used = public.social_api_usage.requests_used + EXCLUDED.requests_used,
		  last_updated_at = NOW()
		RETURNING requests_used
	`, id, provider, day, add).Scan(&used)
	if err != nil {
		return false, 0, err
	}
	if dailyMax > 0 && used > dailyMax {
		return false, used, nil
	}
	return true, used, nil
}
