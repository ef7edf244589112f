package social

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
)

// apiJSON sends a JSON request and returns the body, mapping non-2xx
// responses to KindUploadStep with the upstream error message attached.
func (p *Provider) apiJSON(ctx context.Context, step, method, endpoint, bearer string, payload interface{}, headers map[string]string) ([]byte, error) {
	var body *bytes.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, stepErr(p.cfg.Name, step, 0, err.Error())
		}
		body = bytes.NewReader(b)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, stepErr(p.cfg.Name, step, 0, err.Error())
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	res, err := p.do(ctx, step, req)
	if err != nil {
		return nil, err
	}
	b := readBody(res)
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, stepErr(p.cfg.Name, step, res.StatusCode, upstreamMessage(b))
	}
	return b, nil
}

// apiForm posts a form-encoded request, the Meta graph API convention.
func (p *Provider) apiForm(ctx context.Context, step, endpoint string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, stepErr(p.cfg.Name, step, 0, err.Error())
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := p.do(ctx, step, req)
	if err != nil {
		return nil, err
	}
	b := readBody(res)
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, stepErr(p.cfg.Name, step, res.StatusCode, upstreamMessage(b))
	}
	return b, nil
}

func (p *Provider) apiGet(ctx context.Context, step, endpoint, bearer string) ([]byte, error) {
	return p.apiJSON(ctx, step, http.MethodGet, endpoint, bearer, nil, nil)
}
