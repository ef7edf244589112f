package social

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"

	"github.com/crosspost-labs/crosspost/backend/internal/models"
)

const threadsAPIBase = "https://graph.threads.net/v1.0"

func threadsConfig() *Config {
	return &Config{
		Name:        "threads",
		DisplayName: "Threads",
		AuthKind:    AuthOAuth2,
		Endpoint: oauth2.Endpoint{
			AuthURL:   "https://threads.net/oauth/authorize",
			TokenURL:  "https://graph.threads.net/oauth/access_token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
		Scopes: []string{"threads_basic", "threads_content_publish"},
		// Long-lived tokens last 60 days and are refreshed in place; there
		// is no separate refresh token.
		DefaultRefreshTTL: 60 * 24 * time.Hour,
		refreshOverride:   threadsRefresh,
		Poll:              PollPolicy{MaxAttempts: 120, MaxWait: 4 * time.Minute},
	}
}

// threadsRefresh rotates a long-lived Threads token. The endpoint takes the
// current access token itself, not a refresh token.
func threadsRefresh(ctx context.Context, client *http.Client, creds *models.Credentials, auth *models.Authorization) (*models.Authorization, error) {
	endpoint := fmt.Sprintf("https://graph.threads.net/refresh_access_token?grant_type=th_refresh_token&access_token=%s",
		url.QueryEscape(auth.AccessToken))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, refreshErr("threads", 0, err.Error(), err)
	}
	res, err := client.Do(req)
	if err != nil {
		return nil, netErr("threads", "refresh", err)
	}
	b := readBody(res)
	if res.StatusCode != http.StatusOK {
		return nil, refreshErr("threads", res.StatusCode, upstreamMessage(b), nil)
	}

	now := time.Now().UTC()
	next := &models.Authorization{
		AccessToken: gjson.GetBytes(b, "access_token").String(),
		TokenType:   gjson.GetBytes(b, "token_type").String(),
		Scope:       auth.Scope,
		ObtainedAt:  now,
	}
	if next.AccessToken == "" {
		return nil, refreshErr("threads", res.StatusCode, "missing access_token in refresh response", nil)
	}
	if secs := gjson.GetBytes(b, "expires_in").Int(); secs > 0 {
		exp := now.Add(time.Duration(secs) * time.Second)
		next.ExpiresAt = &exp
	}
	return next, nil
}

func threadsUserID(ctx context.Context, p *Provider, a *attempt) (string, error) {
	accounts, err := p.store.GetAccounts(ctx, a.userID, p.cfg.Name)
	if err != nil {
		return "", err
	}
	if len(accounts) > 0 && accounts[0].ID != "" {
		return accounts[0].ID, nil
	}
	fresh, err := threadsAccounts(ctx, p, a.userID, a.token)
	if err != nil {
		return "", err
	}
	if len(fresh) == 0 {
		return "", configErr(p.cfg.Name, "could not resolve threads user id")
	}
	return fresh[0].ID, nil
}

// threadsPlan mirrors the Instagram container flow on the Threads graph:
// create a VIDEO container from a public URL, poll its status to FINISHED,
// then threads_publish.
func threadsPlan(p *Provider, a *attempt) *uploadPlan {
	var thID string

	return &uploadPlan{
		Initialize: func(ctx context.Context) (string, error) {
			var err error
			thID, err = threadsUserID(ctx, p, a)
			if err != nil {
				return "", err
			}
			if a.req.VideoURL == "" {
				return "", stepErr(p.cfg.Name, "initialize", 0, "threads requires a public video url")
			}
			form := url.Values{}
			form.Set("media_type", "VIDEO")
			form.Set("video_url", a.req.VideoURL)
			form.Set("text", a.req.Text)
			form.Set("access_token", a.token)
			b, err := p.apiForm(ctx, "initialize", fmt.Sprintf("%s/%s/threads", threadsAPIBase, thID), form)
			if err != nil {
				return "", err
			}
			id := gjson.GetBytes(b, "id").String()
			if id == "" {
				return "", stepErr(p.cfg.Name, "initialize", 0, "missing container id in response")
			}
			return id, nil
		},
		Poll: func(ctx context.Context, containerID string) (pollResult, error) {
			b, err := p.apiGet(ctx, "poll", fmt.Sprintf("%s/%s?fields=status,error_message&access_token=%s",
				threadsAPIBase, containerID, url.QueryEscape(a.token)), "")
			if err != nil {
				return pollResult{}, err
			}
			switch gjson.GetBytes(b, "status").String() {
			case "FINISHED":
				return pollResult{State: PollReady}, nil
			case "ERROR", "EXPIRED":
				return pollResult{State: PollFailed, Reason: gjson.GetBytes(b, "error_message").String()}, nil
			}
			return pollResult{State: PollProcessing}, nil
		},
		Publish: func(ctx context.Context, containerID string) (string, error) {
			form := url.Values{}
			form.Set("creation_id", containerID)
			form.Set("access_token", a.token)
			b, err := p.apiForm(ctx, "publish", fmt.Sprintf("%s/%s/threads_publish", threadsAPIBase, thID), form)
			if err != nil {
				return "", err
			}
			id := gjson.GetBytes(b, "id").String()
			if id == "" {
				return "", stepErr(p.cfg.Name, "publish", 0, "missing post id in response")
			}
			return id, nil
		},
	}
}

func threadsAccounts(ctx context.Context, p *Provider, userID, accessToken string) ([]models.Account, error) {
	b, err := p.apiGet(ctx, "accounts", fmt.Sprintf(
		"%s/me?fields=id,username,threads_profile_picture_url&access_token=%s",
		threadsAPIBase, url.QueryEscape(accessToken)), "")
	if err != nil {
		return nil, err
	}
	id := gjson.GetBytes(b, "id").String()
	if id == "" {
		return nil, nil
	}
	return []models.Account{{
		ID:       id,
		Username: gjson.GetBytes(b, "username").String(),
		ImageURL: gjson.GetBytes(b, "threads_profile_picture_url").String(),
	}}, nil
}
