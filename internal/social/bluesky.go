package social

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/crosspost-labs/crosspost/backend/internal/models"
)

const blueskyPDS = "https://bsky.social"

func blueskyConfig() *Config {
	return &Config{
		Name:        "bluesky",
		DisplayName: "Bluesky",
		AuthKind:    AuthAppPassword,
		requiredCreds: func(c *models.Credentials) bool {
			return c.Identifier != "" && c.AppPassword != ""
		},
		UploadsBytes: true,
		Poll:         PollPolicy{},
	}
}

// blueskyPlan runs the atproto sequence: createSession with the app
// password, uploadBlob with the raw bytes, then a feed post record with a
// video embed. The session JWT and blob ref live only for this attempt.
func blueskyPlan(p *Provider, a *attempt) *uploadPlan {
	var accessJwt, did string
	var blobRef json.RawMessage

	return &uploadPlan{
		Initialize: func(ctx context.Context) (string, error) {
			body := map[string]string{
				"identifier": a.creds.Identifier,
				"password":   a.creds.AppPassword,
			}
			b, err := p.apiJSON(ctx, "initialize", http.MethodPost, blueskyPDS+"/xrpc/com.atproto.server.createSession", "", body, nil)
			if err != nil {
				return "", err
			}
			accessJwt = gjson.GetBytes(b, "accessJwt").String()
			did = gjson.GetBytes(b, "did").String()
			if accessJwt == "" || did == "" {
				return "", stepErr(p.cfg.Name, "initialize", 0, "missing session credentials in response")
			}
			return did, nil
		},
		Finalize: func(ctx context.Context, _ string) (bool, error) {
			mime := a.req.MimeType
			if mime == "" {
				mime = "video/mp4"
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, blueskyPDS+"/xrpc/com.atproto.repo.uploadBlob", bytes.NewReader(a.req.Video))
			if err != nil {
				return false, stepErr(p.cfg.Name, "finalize", 0, err.Error())
			}
			req.Header.Set("Content-Type", mime)
			req.Header.Set("Authorization", "Bearer "+accessJwt)
			res, err := p.do(ctx, "finalize", req)
			if err != nil {
				return false, err
			}
			b := readBody(res)
			if res.StatusCode != http.StatusOK {
				return false, stepErr(p.cfg.Name, "finalize", res.StatusCode, upstreamMessage(b))
			}
			blob := gjson.GetBytes(b, "blob")
			if !blob.Exists() {
				return false, stepErr(p.cfg.Name, "finalize", 0, "missing blob ref in response")
			}
			blobRef = json.RawMessage(blob.Raw)
			return false, nil
		},
		Publish: func(ctx context.Context, _ string) (string, error) {
			mime := a.req.MimeType
			if mime == "" {
				mime = "video/mp4"
			}
			record := map[string]interface{}{
				"$type":     "app.bsky.feed.post",
				"text":      a.req.Text,
				"createdAt": time.Now().UTC().Format(time.RFC3339),
				"embed": map[string]interface{}{
					"$type":    "app.bsky.embed.video",
					"video":    blobRef,
					"mimeType": mime,
				},
			}
			body := map[string]interface{}{
				"repo":       did,
				"collection": "app.bsky.feed.post",
				"record":     record,
			}
			b, err := p.apiJSON(ctx, "publish", http.MethodPost, blueskyPDS+"/xrpc/com.atproto.repo.createRecord", accessJwt, body, nil)
			if err != nil {
				return "", err
			}
			uri := gjson.GetBytes(b, "uri").String()
			if uri == "" {
				return "", stepErr(p.cfg.Name, "publish", 0, "missing record uri in response")
			}
			return uri, nil
		},
	}
}
