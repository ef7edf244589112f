package social

import (
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

const maxBodyBytes = 1 << 20

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

func readBody(resp *http.Response) []byte {
	if resp == nil || resp.Body == nil {
		return nil
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	return b
}

// upstreamMessage pulls the human-readable error out of a platform error
// body. Platforms disagree on shape, so a few common paths are probed and
// the raw body is the fallback.
func upstreamMessage(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	for _, path := range []string{
		"error.message",        // Meta graph APIs
		"error.error_user_msg", // Meta graph APIs, user-facing variant
		"error.msg",            // Bluesky
		"message",              // Neynar, TikTok inbox
		"error_description",    // OAuth token endpoints
		"errors.0.message",     // X v2
		"error",
	} {
		if v := gjson.GetBytes(body, path); v.Exists() && v.Type == gjson.String && v.String() != "" {
			return v.String()
		}
	}
	return truncate(strings.TrimSpace(string(body)), 600)
}
