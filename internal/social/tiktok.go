package social

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"

	"github.com/crosspost-labs/crosspost/backend/internal/models"
)

const tiktokAPIBase = "https://open.tiktokapis.com/v2"

func tiktokConfig() *Config {
	return &Config{
		Name:        "tiktok",
		DisplayName: "TikTok",
		AuthKind:    AuthOAuth2,
		Endpoint: oauth2.Endpoint{
			AuthURL:   "https://www.tiktok.com/v2/auth/authorize/",
			TokenURL:  tiktokAPIBase + "/oauth/token/",
			AuthStyle: oauth2.AuthStyleInParams,
		},
		Scopes:  []string{"user.info.basic", "video.upload"},
		UsePKCE: true,
		// TikTok names the app credential client_key, not client_id, on both
		// the authorize URL and the token endpoint.
		authParams: func(c *models.Credentials) map[string]string {
			return map[string]string{"client_key": c.ClientID}
		},
		tokenParams: func(c *models.Credentials) map[string]string {
			return map[string]string{"client_key": c.ClientID}
		},
		refreshOverride:   tiktokRefresh,
		DefaultRefreshTTL: 365 * 24 * time.Hour,
		Poll:              PollPolicy{},
	}
}

// tiktokRefresh posts the refresh grant by hand because the token endpoint
// rejects the standard client_id field.
func tiktokRefresh(ctx context.Context, client *http.Client, creds *models.Credentials, auth *models.Authorization) (*models.Authorization, error) {
	form := url.Values{}
	form.Set("client_key", creds.ClientID)
	form.Set("client_secret", creds.ClientSecret)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", auth.RefreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tiktokAPIBase+"/oauth/token/", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, refreshErr("tiktok", 0, err.Error(), err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := client.Do(req)
	if err != nil {
		return nil, netErr("tiktok", "refresh", err)
	}
	b := readBody(res)
	if res.StatusCode != http.StatusOK || gjson.GetBytes(b, "error").String() != "" {
		return nil, refreshErr("tiktok", res.StatusCode, upstreamMessage(b), nil)
	}

	now := time.Now().UTC()
	next := &models.Authorization{
		AccessToken: gjson.GetBytes(b, "access_token").String(),
		TokenType:   "Bearer",
		Scope:       gjson.GetBytes(b, "scope").String(),
		ObtainedAt:  now,
	}
	if next.AccessToken == "" {
		return nil, refreshErr("tiktok", res.StatusCode, "missing access_token in refresh response", nil)
	}
	if secs := gjson.GetBytes(b, "expires_in").Int(); secs > 0 {
		exp := now.Add(time.Duration(secs) * time.Second)
		next.ExpiresAt = &exp
	}
	// Rotated refresh token plus its own expiry; keep the old one when the
	// response omits rotation.
	if rt := gjson.GetBytes(b, "refresh_token").String(); rt != "" {
		next.RefreshToken = rt
	} else {
		next.RefreshToken = auth.RefreshToken
	}
	if secs := gjson.GetBytes(b, "refresh_expires_in").Int(); secs > 0 {
		exp := now.Add(time.Duration(secs) * time.Second)
		next.RefreshTokenExpiresAt = &exp
	} else {
		next.RefreshTokenExpiresAt = auth.RefreshTokenExpiresAt
	}
	return next, nil
}

// tiktokPlan hands TikTok a public URL to pull from (inbox flow) and polls
// the publish status until the video lands in the user's inbox.
func tiktokPlan(p *Provider, a *attempt) *uploadPlan {
	return &uploadPlan{
		Initialize: func(ctx context.Context) (string, error) {
			if a.req.VideoURL == "" {
				return "", stepErr(p.cfg.Name, "initialize", 0, "tiktok requires a public video url")
			}
			body := map[string]interface{}{
				"source_info": map[string]interface{}{
					"source":    "PULL_FROM_URL",
					"video_url": a.req.VideoURL,
				},
			}
			b, err := p.apiJSON(ctx, "initialize", http.MethodPost, tiktokAPIBase+"/post/publish/inbox/video/init/", a.token, body, nil)
			if err != nil {
				return "", err
			}
			if code := gjson.GetBytes(b, "error.code").String(); code != "" && code != "ok" {
				return "", stepErr(p.cfg.Name, "initialize", 0, gjson.GetBytes(b, "error.message").String())
			}
			id := gjson.GetBytes(b, "data.publish_id").String()
			if id == "" {
				return "", stepErr(p.cfg.Name, "initialize", 0, "missing publish_id in response")
			}
			return id, nil
		},
		Poll: func(ctx context.Context, publishID string) (pollResult, error) {
			body := map[string]interface{}{"publish_id": publishID}
			b, err := p.apiJSON(ctx, "poll", http.MethodPost, tiktokAPIBase+"/post/publish/status/fetch/", a.token, body, nil)
			if err != nil {
				return pollResult{}, err
			}
			switch gjson.GetBytes(b, "data.status").String() {
			case "SEND_TO_USER_INBOX", "PUBLISH_COMPLETE":
				return pollResult{State: PollReady}, nil
			case "FAILED":
				return pollResult{State: PollFailed, Reason: gjson.GetBytes(b, "data.fail_reason").String()}, nil
			}
			return pollResult{State: PollProcessing}, nil
		},
	}
}
