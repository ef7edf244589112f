package social

import (
	"context"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/crosspost-labs/crosspost/backend/internal/models"
)

const neynarAPIBase = "https://api.neynar.com/v2/farcaster"

func farcasterConfig() *Config {
	return &Config{
		Name:        "farcaster",
		DisplayName: "Farcaster",
		AuthKind:    AuthAPIKey,
		requiredCreds: func(c *models.Credentials) bool {
			// APIKey is the Neynar key, Identifier the approved signer UUID.
			return c.APIKey != "" && c.Identifier != ""
		},
		Poll: PollPolicy{},
	}
}

// farcasterPlan is a single cast through Neynar with the video attached as
// a URL embed; Farcaster hosts no media itself.
func farcasterPlan(p *Provider, a *attempt) *uploadPlan {
	return &uploadPlan{
		Publish: func(ctx context.Context, _ string) (string, error) {
			videoURL := a.req.VideoHLSURL
			if videoURL == "" {
				videoURL = a.req.VideoURL
			}
			if videoURL == "" {
				return "", stepErr(p.cfg.Name, "publish", 0, "farcaster requires a public video url")
			}
			body := map[string]interface{}{
				"signer_uuid": a.creds.Identifier,
				"text":        a.req.Text,
				"embeds":      []map[string]string{{"url": videoURL}},
			}
			headers := map[string]string{"x-api-key": a.creds.APIKey}
			b, err := p.apiJSON(ctx, "publish", http.MethodPost, neynarAPIBase+"/cast", "", body, headers)
			if err != nil {
				return "", err
			}
			hash := gjson.GetBytes(b, "cast.hash").String()
			if hash == "" {
				return "", stepErr(p.cfg.Name, "publish", 0, "missing cast hash in response")
			}
			return hash, nil
		},
	}
}
