package storage

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestPinataPutReturnsCIDAddresses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/pinning/pinFileToIPFS" {
			t.Fatalf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer jwt-1" {
			t.Fatalf("auth header = %q", got)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("not multipart: %v", err)
		}
		f, header, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("missing file part: %v", err)
		}
		f.Close()
		if header.Filename != "clip.mp4" {
			t.Fatalf("filename = %q", header.Filename)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"IpfsHash":"QmTestCid","PinSize":10,"Timestamp":"2026-02-01T00:00:00Z"}`))
	}))
	defer srv.Close()

	s := &PinataStore{
		jwt:     "jwt-1",
		api:     srv.URL,
		gateway: "https://gw.test",
		client:  &http.Client{Timeout: 5 * time.Second},
	}

	obj, err := s.Put(context.Background(), "clip.mp4", strings.NewReader("0123456789"), 10, "video/mp4")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if obj.Key != "QmTestCid" {
		t.Fatalf("key = %q", obj.Key)
	}
	if obj.URL != "https://gw.test/ipfs/QmTestCid" {
		t.Fatalf("url = %q", obj.URL)
	}
	if obj.HLSURL != "https://gw.test/ipfs/QmTestCid?stream=true" {
		t.Fatalf("hls url = %q", obj.HLSURL)
	}
}

func TestPinataPutSurfacesUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid jwt"}`))
	}))
	defer srv.Close()

	s := &PinataStore{jwt: "bad", api: srv.URL, gateway: "https://gw.test", client: srv.Client()}
	_, err := s.Put(context.Background(), "clip.mp4", strings.NewReader("x"), 1, "video/mp4")
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("err = %v", err)
	}
}

func TestPinataDeleteUnpins(t *testing.T) {
	var unpinned string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Fatalf("method = %s", r.Method)
		}
		unpinned = strings.TrimPrefix(r.URL.Path, "/pinning/unpin/")
		w.Write([]byte("OK"))
	}))
	defer srv.Close()

	s := &PinataStore{jwt: "jwt-1", api: srv.URL, gateway: "https://gw.test", client: srv.Client()}
	if err := s.Delete(context.Background(), "QmTestCid"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if unpinned != "QmTestCid" {
		t.Fatalf("unpinned = %q", unpinned)
	}
}
