package social

import (
	"context"
	"fmt"
	"net/url"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"

	"github.com/crosspost-labs/crosspost/backend/internal/models"
)

func facebookConfig() *Config {
	return &Config{
		Name:        "facebook",
		DisplayName: "Facebook",
		AuthKind:    AuthOAuth2,
		Endpoint: oauth2.Endpoint{
			AuthURL:   "https://www.facebook.com/v18.0/dialog/oauth",
			TokenURL:  graphAPIBase + "/oauth/access_token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
		Scopes: []string{
			"pages_show_list", "pages_read_engagement", "pages_manage_posts", "publish_video",
		},
		// Facebook issues long-lived user tokens instead of refresh tokens;
		// Usable() falls back to the access-token deadline.
		Poll: PollPolicy{},
	}
}

// fbPage resolves the first managed page and its page access token. Page
// posts must be made with the page token, not the user token.
func fbPage(ctx context.Context, p *Provider, userToken string) (id, pageToken string, err error) {
	b, err := p.apiGet(ctx, "initialize", fmt.Sprintf(
		"%s/me/accounts?fields=id,name,access_token&access_token=%s",
		graphAPIBase, url.QueryEscape(userToken)), "")
	if err != nil {
		return "", "", err
	}
	first := gjson.GetBytes(b, "data.0")
	if !first.Exists() || first.Get("id").String() == "" {
		return "", "", configErr(p.cfg.Name, "no managed facebook page on this account")
	}
	return first.Get("id").String(), first.Get("access_token").String(), nil
}

// facebookPlan posts a page video in one call: the platform pulls the bytes
// from file_url itself, so there is no chunking or processing poll on our
// side.
func facebookPlan(p *Provider, a *attempt) *uploadPlan {
	return &uploadPlan{
		Publish: func(ctx context.Context, _ string) (string, error) {
			if a.req.VideoURL == "" {
				return "", stepErr(p.cfg.Name, "publish", 0, "facebook requires a public video url")
			}
			pageID, pageToken, err := fbPage(ctx, p, a.token)
			if err != nil {
				return "", err
			}
			form := url.Values{}
			form.Set("file_url", a.req.VideoURL)
			form.Set("title", a.req.Title)
			form.Set("description", a.req.Text)
			form.Set("access_token", pageToken)
			b, err := p.apiForm(ctx, "publish", fmt.Sprintf("https://graph-video.facebook.com/v18.0/%s/videos", pageID), form)
			if err != nil {
				return "", err
			}
			id := gjson.GetBytes(b, "id").String()
			if id == "" {
				return "", stepErr(p.cfg.Name, "publish", 0, "missing video id in response")
			}
			return id, nil
		},
	}
}

func facebookAccounts(ctx context.Context, p *Provider, userID, accessToken string) ([]models.Account, error) {
	b, err := p.apiGet(ctx, "accounts", fmt.Sprintf(
		"%s/me/accounts?fields=id,name&access_token=%s", graphAPIBase, url.QueryEscape(accessToken)), "")
	if err != nil {
		return nil, err
	}
	var out []models.Account
	gjson.GetBytes(b, "data").ForEach(func(_, page gjson.Result) bool {
		out = append(out, models.Account{
			ID:   page.Get("id").String(),
			Name: page.Get("name").String(),
		})
		return true
	})
	return out, nil
}
