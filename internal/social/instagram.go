package social

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"

	"github.com/crosspost-labs/crosspost/backend/internal/models"
)

const graphAPIBase = "https://graph.facebook.com/v18.0"

func instagramConfig() *Config {
	return &Config{
		Name:        "instagram",
		DisplayName: "Instagram",
		AuthKind:    AuthOAuth2,
		Endpoint: oauth2.Endpoint{
			AuthURL:   "https://www.facebook.com/v18.0/dialog/oauth",
			TokenURL:  graphAPIBase + "/oauth/access_token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
		Scopes: []string{
			"instagram_basic", "instagram_content_publish",
			"pages_show_list", "business_management",
		},
		// Reels containers can take a while to transcode.
		Poll: PollPolicy{MaxAttempts: 120, MaxWait: 4 * time.Minute},
	}
}

// igUserID resolves the Instagram business account behind the connected
// Facebook login, preferring the snapshot captured at authorization time.
func igUserID(ctx context.Context, p *Provider, a *attempt) (string, error) {
	accounts, err := p.store.GetAccounts(ctx, a.userID, p.cfg.Name)
	if err != nil {
		return "", err
	}
	if len(accounts) > 0 && accounts[0].ID != "" {
		return accounts[0].ID, nil
	}
	fresh, err := instagramAccounts(ctx, p, a.userID, a.token)
	if err != nil {
		return "", err
	}
	if len(fresh) == 0 {
		return "", configErr(p.cfg.Name, "no instagram business account linked to this facebook login")
	}
	return fresh[0].ID, nil
}

// instagramPlan publishes a Reel from a public video URL: create container,
// poll the container's status_code to FINISHED, then media_publish.
func instagramPlan(p *Provider, a *attempt) *uploadPlan {
	var igID string

	return &uploadPlan{
		Initialize: func(ctx context.Context) (string, error) {
			var err error
			igID, err = igUserID(ctx, p, a)
			if err != nil {
				return "", err
			}
			if a.req.VideoURL == "" {
				return "", stepErr(p.cfg.Name, "initialize", 0, "instagram requires a public video url")
			}
			form := url.Values{}
			form.Set("media_type", "REELS")
			form.Set("video_url", a.req.VideoURL)
			form.Set("caption", a.req.Text)
			form.Set("access_token", a.token)
			b, err := p.apiForm(ctx, "initialize", fmt.Sprintf("%s/%s/media", graphAPIBase, igID), form)
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
			b, err := p.apiGet(ctx, "poll", fmt.Sprintf("%s/%s?fields=status_code,status&access_token=%s",
				graphAPIBase, containerID, url.QueryEscape(a.token)), "")
			if err != nil {
				return pollResult{}, err
			}
			switch gjson.GetBytes(b, "status_code").String() {
			case "FINISHED":
				return pollResult{State: PollReady}, nil
			case "ERROR", "EXPIRED":
				return pollResult{State: PollFailed, Reason: gjson.GetBytes(b, "status").String()}, nil
			}
			return pollResult{State: PollProcessing}, nil
		},
		Publish: func(ctx context.Context, containerID string) (string, error) {
			form := url.Values{}
			form.Set("creation_id", containerID)
			form.Set("access_token", a.token)
			b, err := p.apiForm(ctx, "publish", fmt.Sprintf("%s/%s/media_publish", graphAPIBase, igID), form)
			if err != nil {
				return "", err
			}
			id := gjson.GetBytes(b, "id").String()
			if id == "" {
				return "", stepErr(p.cfg.Name, "publish", 0, "missing media id in response")
			}
			return id, nil
		},
	}
}

func instagramAccounts(ctx context.Context, p *Provider, userID, accessToken string) ([]models.Account, error) {
	b, err := p.apiGet(ctx, "accounts", fmt.Sprintf(
		"%s/me/accounts?fields=instagram_business_account{id,username,name,profile_picture_url}&access_token=%s",
		graphAPIBase, url.QueryEscape(accessToken)), "")
	if err != nil {
		return nil, err
	}
	var out []models.Account
	gjson.GetBytes(b, "data").ForEach(func(_, page gjson.Result) bool {
		iga := page.Get("instagram_business_account")
		if iga.Exists() && iga.Get("id").String() != "" {
			out = append(out, models.Account{
				ID:       iga.Get("id").String(),
				Username: iga.Get("username").String(),
				Name:     iga.Get("name").String(),
				ImageURL: iga.Get("profile_picture_url").String(),
			})
		}
		return true
	})
	return out, nil
}
