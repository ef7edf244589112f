package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const pinataAPIBase = "https://api.pinata.cloud"

// PinataStore pins uploads to IPFS through Pinata. Objects are addressed by
// CID; the gateway serves both a direct file URL and, for video, an HLS
// manifest via Pinata's streaming path.
type PinataStore struct {
	jwt     string
	api     string
	gateway string
	client  *http.Client
}

func NewPinataFromEnv() (*PinataStore, error) {
	jwt := os.Getenv("PINATA_JWT")
	if jwt == "" {
		return nil, fmt.Errorf("PINATA_JWT is required")
	}
	gateway := strings.TrimRight(os.Getenv("PINATA_GATEWAY"), "/")
	if gateway == "" {
		gateway = "https://gateway.pinata.cloud"
	}
	return &PinataStore{
		jwt:     jwt,
		api:     pinataAPIBase,
		gateway: gateway,
		client:  &http.Client{Timeout: 5 * time.Minute},
	}, nil
}

func (s *PinataStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (*Object, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", key)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, r); err != nil {
		return nil, err
	}
	w.WriteField("pinataMetadata", fmt.Sprintf(`{"name":%q}`, key))
	w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.api+"/pinning/pinFileToIPFS", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+s.jwt)

	res, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pinata upload failed with status %d: %s", res.StatusCode, strings.TrimSpace(string(b)))
	}
	cid := gjson.GetBytes(b, "IpfsHash").String()
	if cid == "" {
		return nil, fmt.Errorf("pinata response missing IpfsHash")
	}

	return &Object{
		Key:         cid,
		URL:         s.PublicURL(cid),
		HLSURL:      s.gateway + "/ipfs/" + cid + "?stream=true",
		Size:        size,
		ContentType: contentType,
	}, nil
}

func (s *PinataStore) Get(ctx context.Context, key string) (io.ReadCloser, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.PublicURL(key), nil)
	if err != nil {
		return nil, "", err
	}
	res, err := s.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	if res.StatusCode != http.StatusOK {
		res.Body.Close()
		return nil, "", fmt.Errorf("gateway fetch failed with status %d", res.StatusCode)
	}
	return res.Body, res.Header.Get("Content-Type"), nil
}

// Delete unpins the CID; the content may persist on other IPFS nodes.
func (s *PinataStore) Delete(ctx context.Context, key string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.api+"/pinning/unpin/"+key, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.jwt)
	res, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("pinata unpin failed with status %d: %s", res.StatusCode, strings.TrimSpace(string(b)))
	}
	return nil
}

// List queries pinList filtered by the metadata name the uploads were
// pinned under. Keys are CIDs; the original upload path rides in the name.
func (s *PinataStore) List(ctx context.Context, prefix string) ([]Object, error) {
	u := s.api + "/data/pinList?status=pinned&pageLimit=200"
	if prefix != "" {
		u += "&metadata[name]=" + url.QueryEscape(prefix)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.jwt)
	res, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pinata pinList failed with status %d: %s", res.StatusCode, strings.TrimSpace(string(b)))
	}

	var out []Object
	gjson.GetBytes(b, "rows").ForEach(func(_, row gjson.Result) bool {
		cid := row.Get("ipfs_pin_hash").String()
		if cid == "" {
			return true
		}
		out = append(out, Object{
			Key:    cid,
			URL:    s.PublicURL(cid),
			HLSURL: s.gateway + "/ipfs/" + cid + "?stream=true",
			Size:   row.Get("size").Int(),
		})
		return true
	})
	return out, nil
}

func (s *PinataStore) PublicURL(key string) string {
	return s.gateway + "/ipfs/" + key
}
