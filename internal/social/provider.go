package social

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/crosspost-labs/crosspost/backend/internal/credstore"
	"github.com/crosspost-labs/crosspost/backend/internal/models"
)

// AuthKind selects how a platform authenticates: the usual OAuth2
// authorization-code flow, or a static credential checked at publish time.
type AuthKind int

const (
	AuthOAuth2 AuthKind = iota
	AuthAppPassword
	AuthAPIKey
)

// Config is the per-platform capability descriptor: endpoints, scopes, and
// flow switches. One shared orchestrator interprets it; the per-platform
// files only contribute a Config and the upload step functions.
type Config struct {
	Name        string
	DisplayName string
	AuthKind    AuthKind

	Endpoint          oauth2.Endpoint
	Scopes            []string
	UsePKCE           bool
	ExtraAuthParams   map[string]string
	ExtraTokenParams  map[string]string
	DefaultRefreshTTL time.Duration

	// tokenParams injects per-request form fields into the code exchange
	// (TikTok wants client_key instead of the standard client_id).
	tokenParams func(*models.Credentials) map[string]string
	// authParams injects credential-derived query params into the
	// authorization URL, same motivation as tokenParams.
	authParams func(*models.Credentials) map[string]string
	// refreshOverride replaces the standard refresh call for platforms whose
	// refresh endpoint deviates from RFC 6749.
	refreshOverride func(context.Context, *http.Client, *models.Credentials, *models.Authorization) (*models.Authorization, error)

	// requiredCreds reports whether the credential record is complete.
	requiredCreds func(*models.Credentials) bool

	// UploadsBytes marks platforms that take the raw video bytes from us;
	// the rest pull from a public URL.
	UploadsBytes bool

	ChunkSize int
	Poll      PollPolicy
}

func (c *Config) credentialsComplete(creds *models.Credentials) bool {
	if creds == nil {
		return false
	}
	if c.requiredCreds != nil {
		return c.requiredCreds(creds)
	}
	return creds.ClientID != "" && creds.ClientSecret != ""
}

// PublishRequest carries one video publish attempt. URL-based platforms use
// VideoURL (or VideoHLSURL when they prefer a stream manifest); byte-upload
// platforms use Video.
type PublishRequest struct {
	Title       string
	Text        string
	VideoURL    string
	VideoHLSURL string
	Video       []byte
	MimeType    string
}

// attempt is the per-publish working state handed to platform step
// functions: resolved credentials, a valid access token, and the session.
type attempt struct {
	userID  string
	creds   *models.Credentials
	token   string
	req     *PublishRequest
	session *Session
}

// Provider is the uniform per-platform facade: configuration and
// authorization checks, the redirect flow, publishing, and status. Calling
// code never sees platform specifics.
type Provider struct {
	cfg      Config
	store    *credstore.Store
	tokens   *TokenManager
	sessions *SessionRegistry
	client   *http.Client
	limiter  *rate.Limiter
	logger   *log.Logger

	planFn     func(p *Provider, a *attempt) *uploadPlan
	accountsFn func(ctx context.Context, p *Provider, userID, accessToken string) ([]models.Account, error)
}

func (p *Provider) Name() string { return p.cfg.Name }

func (p *Provider) DisplayName() string { return p.cfg.DisplayName }

// UploadsBytes reports whether Publish needs the raw video bytes in the
// request, as opposed to a public URL the platform pulls from.
func (p *Provider) UploadsBytes() bool { return p.cfg.UploadsBytes }

// do sends one upstream request through the provider rate limiter, mapping
// transport failures to KindNetwork.
func (p *Provider) do(ctx context.Context, step string, req *http.Request) (*http.Response, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, netErr(p.cfg.Name, step, err)
		}
	}
	res, err := p.client.Do(req)
	if err != nil {
		return nil, netErr(p.cfg.Name, step, err)
	}
	return res, nil
}

// doWith is do with an alternate client (an OAuth 1.0a signing client);
// the provider rate limiter still applies.
func (p *Provider) doWith(ctx context.Context, step string, client *http.Client, req *http.Request) (*http.Response, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, netErr(p.cfg.Name, step, err)
		}
	}
	res, err := client.Do(req)
	if err != nil {
		return nil, netErr(p.cfg.Name, step, err)
	}
	return res, nil
}

func (p *Provider) IsConfigured(ctx context.Context, userID string) (bool, error) {
	creds, err := p.store.GetCredentials(ctx, userID, p.cfg.Name)
	if err != nil {
		return false, err
	}
	return p.cfg.credentialsComplete(creds), nil
}

func (p *Provider) IsAuthorized(ctx context.Context, userID string) (bool, error) {
	if p.cfg.AuthKind != AuthOAuth2 {
		// Static-credential platforms are authorized iff configured.
		return p.IsConfigured(ctx, userID)
	}
	auth, err := p.store.GetAuthorization(ctx, userID, p.cfg.Name)
	if err != nil {
		return false, err
	}
	return p.tokens.Usable(auth), nil
}

// AuthorizationURL starts the redirect flow for OAuth2 platforms.
func (p *Provider) AuthorizationURL(ctx context.Context, userID, redirectURI string) (string, error) {
	if p.cfg.AuthKind != AuthOAuth2 {
		return "", configErr(p.cfg.Name, "authorization_flow_not_supported")
	}
	return p.tokens.AuthorizationURL(ctx, userID, redirectURI)
}

// HandleAuthRedirect consumes the provider callback. It is idempotent: a
// state that matches no live pending record is a no-op (handled=false), not
// an error, so unrelated or replayed navigations are harmless.
func (p *Provider) HandleAuthRedirect(ctx context.Context, params url.Values) (bool, error) {
	state := strings.TrimSpace(params.Get("state"))
	if state == "" {
		return false, nil
	}
	pending, err := p.store.TakePendingAuth(ctx, p.cfg.Name, state)
	if err != nil {
		return false, err
	}
	if pending == nil {
		return false, nil
	}

	if errCode := strings.TrimSpace(params.Get("error")); errCode != "" {
		msg := strings.TrimSpace(params.Get("error_description"))
		if msg == "" {
			msg = errCode
		}
		return true, exchangeErr(p.cfg.Name, 0, msg)
	}
	code := strings.TrimSpace(params.Get("code"))
	if code == "" {
		return true, exchangeErr(p.cfg.Name, 0, "missing_authorization_code")
	}

	auth, err := p.tokens.Exchange(ctx, pending, code)
	if err != nil {
		return true, err
	}
	if err := p.store.PutAuthorization(ctx, pending.UserID, p.cfg.Name, auth); err != nil {
		return true, err
	}
	p.tokens.cacheToken(pending.UserID, auth)

	// Opportunistic account snapshot; authorization stands even if it fails.
	if p.accountsFn != nil {
		if accounts, err := p.accountsFn(ctx, p, pending.UserID, auth.AccessToken); err != nil {
			p.logger.Printf("[Auth] accounts_fetch_failed provider=%s userId=%s err=%v", p.cfg.Name, pending.UserID, err)
		} else if len(accounts) > 0 {
			if err := p.store.PutAccounts(ctx, pending.UserID, p.cfg.Name, accounts); err != nil {
				p.logger.Printf("[Auth] accounts_store_failed provider=%s userId=%s err=%v", p.cfg.Name, pending.UserID, err)
			}
		}
	}

	p.logger.Printf("[Auth] connected provider=%s userId=%s", p.cfg.Name, pending.UserID)
	return true, nil
}

// Publish runs the full upload orchestration for one video. A missing
// configuration or authorization returns ("", nil): a precondition miss,
// distinct from an upload failure. Concurrent publishes for the same user
// and platform are rejected with KindSessionActive.
func (p *Provider) Publish(ctx context.Context, userID string, req *PublishRequest) (string, error) {
	creds, err := p.store.GetCredentials(ctx, userID, p.cfg.Name)
	if err != nil {
		return "", err
	}
	if !p.cfg.credentialsComplete(creds) {
		p.logger.Printf("[Publish] skip provider=%s userId=%s reason=not_configured", p.cfg.Name, userID)
		return "", nil
	}

	token := ""
	if p.cfg.AuthKind == AuthOAuth2 {
		ok, err := p.IsAuthorized(ctx, userID)
		if err != nil {
			return "", err
		}
		if !ok {
			p.logger.Printf("[Publish] skip provider=%s userId=%s reason=not_authorized", p.cfg.Name, userID)
			return "", nil
		}
		token, err = p.tokens.ValidAccessToken(ctx, userID)
		if err != nil {
			return "", err
		}
	}

	session, err := p.sessions.Begin(userID, p.cfg.Name)
	if err != nil {
		return "", err
	}
	defer p.sessions.End(session)

	a := &attempt{userID: userID, creds: creds, token: token, req: req, session: session}
	postID, err := p.runUpload(ctx, a, p.planFn(p, a))
	if err != nil {
		p.logger.Printf("[Publish] failed provider=%s userId=%s err=%v", p.cfg.Name, userID, err)
		return "", err
	}

	p.logger.Printf("[Publish] ok provider=%s userId=%s postId=%s", p.cfg.Name, userID, postID)
	return postID, nil
}

// Disconnect clears stored tokens and account snapshots. Credentials stay
// so the user can re-authorize without re-entering them.
func (p *Provider) Disconnect(ctx context.Context, userID string) error {
	if p.tokens != nil {
		p.tokens.Forget(userID)
	}
	if err := p.store.DeleteAuthorization(ctx, userID, p.cfg.Name); err != nil {
		return err
	}
	p.logger.Printf("[Auth] disconnected provider=%s userId=%s", p.cfg.Name, userID)
	return nil
}

// Status is the read-only projection of the current (or last) UploadSession.
func (p *Provider) Status(userID string) *Snapshot {
	return p.sessions.Status(userID, p.cfg.Name)
}
