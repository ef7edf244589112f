package social

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/crosspost-labs/crosspost/backend/internal/credstore"
	"github.com/crosspost-labs/crosspost/backend/internal/models"
)

const (
	// pendingAuthTTL bounds how long a started authorization attempt stays
	// claimable; callbacks arriving later fail closed.
	pendingAuthTTL = 10 * time.Minute

	// expirySkew treats tokens as expired this long before their literal
	// expiration to tolerate clock skew and network latency.
	expirySkew = 5 * time.Minute
)

// TokenManager implements the uniform token lifecycle for one OAuth2
// platform: authorization URLs, code exchange, validity checks, and
// refresh with in-flight de-duplication.
type TokenManager struct {
	cfg    *Config
	store  *credstore.Store
	client *http.Client
	cache  *gocache.Cache
	group  singleflight.Group
	now    func() time.Time
}

func newTokenManager(cfg *Config, store *credstore.Store, client *http.Client) *TokenManager {
	return &TokenManager{
		cfg:    cfg,
		store:  store,
		client: client,
		cache:  gocache.New(gocache.NoExpiration, 10*time.Minute),
		now:    time.Now,
	}
}

func (m *TokenManager) oauthConfig(creds *models.Credentials, redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		RedirectURL:  redirectURI,
		Scopes:       m.cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   m.cfg.Endpoint.AuthURL,
			TokenURL:  m.cfg.Endpoint.TokenURL,
			AuthStyle: m.cfg.Endpoint.AuthStyle,
		},
	}
}

// httpContext routes oauth2's internal calls through the provider's client
// so tests can stub the transport.
func (m *TokenManager) httpContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, m.client)
}

// AuthorizationURL builds the platform authorization URL with a fresh CSRF
// state (and PKCE challenge where supported) and records the pending
// attempt with a bounded TTL.
func (m *TokenManager) AuthorizationURL(ctx context.Context, userID, redirectURI string) (string, error) {
	creds, err := m.store.GetCredentials(ctx, userID, m.cfg.Name)
	if err != nil {
		return "", err
	}
	if creds == nil || !m.cfg.credentialsComplete(creds) {
		return "", configErr(m.cfg.Name, "credentials_not_configured")
	}

	state := uuid.NewString()
	verifier := ""

	opts := make([]oauth2.AuthCodeOption, 0, 4)
	for k, v := range m.cfg.ExtraAuthParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}
	if m.cfg.authParams != nil {
		for k, v := range m.cfg.authParams(creds) {
			opts = append(opts, oauth2.SetAuthURLParam(k, v))
		}
	}
	if m.cfg.UsePKCE {
		verifier = oauth2.GenerateVerifier()
		opts = append(opts, oauth2.S256ChallengeOption(verifier))
	}

	now := m.now().UTC()
	pending := &models.PendingAuth{
		UserID:       userID,
		Service:      m.cfg.Name,
		State:        state,
		CodeVerifier: verifier,
		RedirectURI:  redirectURI,
		CreatedAt:    now,
		ExpiresAt:    now.Add(pendingAuthTTL),
	}
	if err := m.store.CreatePendingAuth(ctx, pending); err != nil {
		return "", err
	}

	return m.oauthConfig(creds, redirectURI).AuthCodeURL(state, opts...), nil
}

// Exchange performs the single token-endpoint call for an authorization
// code. Codes are single-use, so a failed exchange is never retried.
func (m *TokenManager) Exchange(ctx context.Context, pending *models.PendingAuth, code string) (*models.Authorization, error) {
	creds, err := m.store.GetCredentials(ctx, pending.UserID, m.cfg.Name)
	if err != nil {
		return nil, err
	}
	if creds == nil || !m.cfg.credentialsComplete(creds) {
		return nil, configErr(m.cfg.Name, "credentials_not_configured")
	}

	opts := make([]oauth2.AuthCodeOption, 0, 2)
	if pending.CodeVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(pending.CodeVerifier))
	}
	for k, v := range m.cfg.ExtraTokenParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}
	if m.cfg.tokenParams != nil {
		for k, v := range m.cfg.tokenParams(creds) {
			opts = append(opts, oauth2.SetAuthURLParam(k, v))
		}
	}

	tok, err := m.oauthConfig(creds, pending.RedirectURI).Exchange(m.httpContext(ctx), code, opts...)
	if err != nil {
		if re, ok := err.(*oauth2.RetrieveError); ok {
			return nil, exchangeErr(m.cfg.Name, re.Response.StatusCode, truncate(string(re.Body), 600))
		}
		return nil, netErr(m.cfg.Name, "exchange", err)
	}
	auth := m.authFromToken(tok, nil)
	if auth.Scope != "" {
		for _, want := range m.cfg.Scopes {
			if !auth.HasScope(want) {
				log.Printf("[Auth] scope_not_granted service=%s scope=%s", m.cfg.Name, want)
			}
		}
	}
	return auth, nil
}

// authFromToken maps an upstream token response onto our Authorization,
// carrying over fields the response omitted from the previous state.
func (m *TokenManager) authFromToken(tok *oauth2.Token, prev *models.Authorization) *models.Authorization {
	now := m.now().UTC()
	auth := &models.Authorization{
		AccessToken: tok.AccessToken,
		TokenType:   tok.TokenType,
		ObtainedAt:  now,
	}
	if !tok.Expiry.IsZero() {
		exp := tok.Expiry.UTC()
		auth.ExpiresAt = &exp
	}
	if scope, ok := tok.Extra("scope").(string); ok && scope != "" {
		auth.Scope = scope
	} else if prev != nil {
		auth.Scope = prev.Scope
	}

	rotated := tok.RefreshToken != "" && (prev == nil || tok.RefreshToken != prev.RefreshToken)
	if tok.RefreshToken != "" {
		auth.RefreshToken = tok.RefreshToken
	} else if prev != nil {
		auth.RefreshToken = prev.RefreshToken
	}

	// Refresh-token lifetime: explicit refresh_expires_in beats the platform
	// default; an unrotated refresh token keeps its old deadline.
	switch {
	case extraSeconds(tok, "refresh_expires_in") > 0:
		exp := now.Add(time.Duration(extraSeconds(tok, "refresh_expires_in")) * time.Second)
		auth.RefreshTokenExpiresAt = &exp
	case rotated && m.cfg.DefaultRefreshTTL > 0:
		exp := now.Add(m.cfg.DefaultRefreshTTL)
		auth.RefreshTokenExpiresAt = &exp
	case prev != nil:
		auth.RefreshTokenExpiresAt = prev.RefreshTokenExpiresAt
	case auth.RefreshToken != "" && m.cfg.DefaultRefreshTTL > 0:
		exp := now.Add(m.cfg.DefaultRefreshTTL)
		auth.RefreshTokenExpiresAt = &exp
	}
	return auth
}

func extraSeconds(tok *oauth2.Token, key string) int64 {
	switch v := tok.Extra(key).(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

// Usable reports whether the authorization can still produce a valid access
// token, silently or not. Once the refresh deadline is within the skew
// buffer the authorization is dead and needs a full re-authorization.
// Platforms that rotate a long-lived access token in place (no refresh
// token, refreshOverride set) stay usable for the platform's refresh window
// counted from ObtainedAt, not for the access-token lifetime.
func (m *TokenManager) Usable(auth *models.Authorization) bool {
	if auth == nil || auth.AccessToken == "" {
		return false
	}
	deadline := auth.RefreshTokenExpiresAt
	if auth.RefreshToken == "" {
		switch {
		case deadline != nil:
			// explicit refresh_expires_in from the platform wins
		case m.cfg.refreshOverride != nil && m.cfg.DefaultRefreshTTL > 0:
			d := auth.ObtainedAt.Add(m.cfg.DefaultRefreshTTL)
			deadline = &d
		default:
			deadline = auth.ExpiresAt
		}
	}
	if deadline == nil {
		return true
	}
	return m.now().Add(expirySkew).Before(*deadline)
}

func (m *TokenManager) accessFresh(auth *models.Authorization) bool {
	if auth == nil || auth.AccessToken == "" {
		return false
	}
	if auth.ExpiresAt == nil {
		return true
	}
	return m.now().Add(expirySkew).Before(*auth.ExpiresAt)
}

// ValidAccessToken returns a current access token for the user, refreshing
// at most once. Concurrent calls for the same user are de-duplicated into a
// single upstream refresh. A rejected refresh surfaces KindRefresh and
// leaves the stored Authorization untouched.
func (m *TokenManager) ValidAccessToken(ctx context.Context, userID string) (string, error) {
	if v, ok := m.cache.Get(userID); ok {
		return v.(string), nil
	}

	auth, err := m.store.GetAuthorization(ctx, userID, m.cfg.Name)
	if err != nil {
		return "", err
	}
	if auth == nil {
		return "", configErr(m.cfg.Name, "not_connected")
	}
	if m.accessFresh(auth) {
		m.cacheToken(userID, auth)
		return auth.AccessToken, nil
	}

	v, err, _ := m.group.Do(userID, func() (interface{}, error) {
		return m.refresh(ctx, userID, auth)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *TokenManager) refresh(ctx context.Context, userID string, auth *models.Authorization) (string, error) {
	// Platforms with a refreshOverride may rotate the access token itself
	// and never hand out a refresh token.
	if !m.Usable(auth) || (auth.RefreshToken == "" && m.cfg.refreshOverride == nil) {
		return "", refreshErr(m.cfg.Name, 0, "refresh_token_expired_reauthorize", nil)
	}

	var next *models.Authorization
	var err error
	if m.cfg.refreshOverride != nil {
		creds, cerr := m.store.GetCredentials(ctx, userID, m.cfg.Name)
		if cerr != nil {
			return "", cerr
		}
		if creds == nil {
			return "", configErr(m.cfg.Name, "credentials_not_configured")
		}
		next, err = m.cfg.refreshOverride(ctx, m.client, creds, auth)
	} else {
		next, err = m.refreshStandard(ctx, userID, auth)
	}
	if err != nil {
		return "", err
	}

	// Persist before handing the token out; a known-good refresh that we
	// fail to store would otherwise be retried against a rotated token.
	if err := m.store.PutAuthorization(ctx, userID, m.cfg.Name, next); err != nil {
		return "", err
	}
	m.cacheToken(userID, next)
	return next.AccessToken, nil
}

func (m *TokenManager) refreshStandard(ctx context.Context, userID string, auth *models.Authorization) (*models.Authorization, error) {
	creds, err := m.store.GetCredentials(ctx, userID, m.cfg.Name)
	if err != nil {
		return nil, err
	}
	if creds == nil || !m.cfg.credentialsComplete(creds) {
		return nil, configErr(m.cfg.Name, "credentials_not_configured")
	}

	src := m.oauthConfig(creds, "").TokenSource(m.httpContext(ctx), &oauth2.Token{RefreshToken: auth.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		if re, ok := err.(*oauth2.RetrieveError); ok {
			// invalid_grant and friends: the refresh token is permanently
			// dead. Never retried; caller must force re-authorization.
			return nil, refreshErr(m.cfg.Name, re.Response.StatusCode, truncate(string(re.Body), 600), err)
		}
		return nil, netErr(m.cfg.Name, "refresh", err)
	}
	return m.authFromToken(tok, auth), nil
}

func (m *TokenManager) cacheToken(userID string, auth *models.Authorization) {
	ttl := 5 * time.Minute
	if auth.ExpiresAt != nil {
		until := auth.ExpiresAt.Sub(m.now()) - expirySkew
		if until <= 0 {
			return
		}
		ttl = until
	}
	m.cache.Set(userID, auth.AccessToken, ttl)
}

// Forget drops any cached access token for the user (disconnect path).
func (m *TokenManager) Forget(userID string) {
	m.cache.Delete(userID)
}
