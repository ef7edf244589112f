package social

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/dghubble/oauth1"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"

	"github.com/crosspost-labs/crosspost/backend/internal/models"
)

const (
	xAPIBase       = "https://api.x.com"
	xChunkSize     = 5 * 1024 * 1024
	xMediaCategory = "tweet_video"
)

func twitterConfig() *Config {
	return &Config{
		Name:        "twitter",
		DisplayName: "X",
		AuthKind:    AuthOAuth2,
		Endpoint: oauth2.Endpoint{
			AuthURL:   "https://x.com/i/oauth2/authorize",
			TokenURL:  xAPIBase + "/2/oauth2/token",
			AuthStyle: oauth2.AuthStyleInHeader,
		},
		Scopes:    []string{"tweet.read", "tweet.write", "users.read", "media.write", "offline.access"},
		UsePKCE:      true,
		UploadsBytes: true,
		ChunkSize:    xChunkSize,
		// X refresh tokens are single-use and rotate on every refresh; no
		// documented lifetime, so only an explicit revocation kills them.
		Poll: PollPolicy{},
	}
}

// xOAuth1Client returns an OAuth 1.0a signing client when the user supplied
// legacy app keys. Some X API tiers only accept media uploads signed this
// way, so the keys take precedence over the OAuth2 bearer when present.
func xOAuth1Client(ctx context.Context, base *http.Client, creds *models.Credentials) *http.Client {
	if creds == nil || creds.ConsumerKey == "" || creds.ConsumerSecret == "" || creds.AccessToken == "" || creds.AccessTokenSecret == "" {
		return nil
	}
	cfg := oauth1.NewConfig(creds.ConsumerKey, creds.ConsumerSecret)
	tok := oauth1.NewToken(creds.AccessToken, creds.AccessTokenSecret)
	if base != nil {
		ctx = context.WithValue(ctx, oauth1.HTTPClient, base)
	}
	return cfg.Client(ctx, tok)
}

func twitterPlan(p *Provider, a *attempt) *uploadPlan {
	signer := xOAuth1Client(context.Background(), p.client, a.creds)

	// One request path for both auth modes: the OAuth1 client signs its own
	// requests, otherwise the v2 bearer header is set.
	send := func(ctx context.Context, step string, req *http.Request) ([]byte, int, error) {
		var res *http.Response
		var err error
		if signer != nil {
			res, err = p.doWith(ctx, step, signer, req)
		} else {
			req.Header.Set("Authorization", "Bearer "+a.token)
			res, err = p.do(ctx, step, req)
		}
		if err != nil {
			return nil, 0, err
		}
		b := readBody(res)
		return b, res.StatusCode, nil
	}

	return &uploadPlan{
		Initialize: func(ctx context.Context) (string, error) {
			mime := a.req.MimeType
			if mime == "" {
				mime = "video/mp4"
			}
			payload := fmt.Sprintf(`{"media_type":%q,"total_bytes":%d,"media_category":%q}`,
				mime, len(a.req.Video), xMediaCategory)
			req, _ := http.NewRequestWithContext(ctx, http.MethodPost, xAPIBase+"/2/media/upload/initialize", bytes.NewReader([]byte(payload)))
			req.Header.Set("Content-Type", "application/json")
			b, status, err := send(ctx, "initialize", req)
			if err != nil {
				return "", err
			}
			if status != http.StatusOK {
				return "", stepErr(p.cfg.Name, "initialize", status, upstreamMessage(b))
			}
			id := gjson.GetBytes(b, "data.id").String()
			if id == "" {
				return "", stepErr(p.cfg.Name, "initialize", status, "missing media id in response")
			}
			return id, nil
		},
		Append: func(ctx context.Context, mediaID string, chunk []byte, seq int) error {
			var body bytes.Buffer
			w := multipart.NewWriter(&body)
			w.WriteField("segment_index", strconv.Itoa(seq))
			part, err := w.CreateFormFile("media", "video.mp4")
			if err != nil {
				return stepErr(p.cfg.Name, "append", 0, err.Error())
			}
			part.Write(chunk)
			w.Close()

			req, _ := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/2/media/upload/%s/append", xAPIBase, mediaID), &body)
			req.Header.Set("Content-Type", w.FormDataContentType())
			b, status, err := send(ctx, "append", req)
			if err != nil {
				return err
			}
			if status < 200 || status > 299 {
				return stepErr(p.cfg.Name, "append", status, upstreamMessage(b))
			}
			return nil
		},
		Finalize: func(ctx context.Context, mediaID string) (bool, error) {
			req, _ := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/2/media/upload/%s/finalize", xAPIBase, mediaID), nil)
			b, status, err := send(ctx, "finalize", req)
			if err != nil {
				return false, err
			}
			if status != http.StatusOK {
				return false, stepErr(p.cfg.Name, "finalize", status, upstreamMessage(b))
			}
			// processing_info absent means the media is usable immediately.
			return gjson.GetBytes(b, "data.processing_info").Exists(), nil
		},
		Poll: func(ctx context.Context, mediaID string) (pollResult, error) {
			req, _ := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/2/media/upload?media_id=%s&command=STATUS", xAPIBase, mediaID), nil)
			b, status, err := send(ctx, "poll", req)
			if err != nil {
				return pollResult{}, err
			}
			if status != http.StatusOK {
				return pollResult{}, stepErr(p.cfg.Name, "poll", status, upstreamMessage(b))
			}
			switch gjson.GetBytes(b, "data.processing_info.state").String() {
			case "succeeded":
				return pollResult{State: PollReady}, nil
			case "failed":
				return pollResult{State: PollFailed, Reason: gjson.GetBytes(b, "data.processing_info.error.message").String()}, nil
			}
			return pollResult{State: PollProcessing}, nil
		},
		Publish: func(ctx context.Context, mediaID string) (string, error) {
			// The tweet create always goes through v2 with the OAuth2 bearer.
			body := map[string]interface{}{
				"text":  a.req.Text,
				"media": map[string]interface{}{"media_ids": []string{mediaID}},
			}
			b, err := p.apiJSON(ctx, "publish", http.MethodPost, xAPIBase+"/2/tweets", a.token, body, nil)
			if err != nil {
				return "", err
			}
			id := gjson.GetBytes(b, "data.id").String()
			if id == "" {
				return "", stepErr(p.cfg.Name, "publish", 0, "missing tweet id in response")
			}
			return id, nil
		},
	}
}

func twitterAccounts(ctx context.Context, p *Provider, userID, accessToken string) ([]models.Account, error) {
	b, err := p.apiGet(ctx, "accounts", xAPIBase+"/2/users/me?user.fields=profile_image_url", accessToken)
	if err != nil {
		return nil, err
	}
	data := gjson.GetBytes(b, "data")
	if !data.Exists() {
		return nil, nil
	}
	return []models.Account{{
		ID:       data.Get("id").String(),
		Username: data.Get("username").String(),
		Name:     data.Get("name").String(),
		ImageURL: data.Get("profile_image_url").String(),
	}}, nil
}
