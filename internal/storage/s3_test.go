package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"whatsapp-chatbot/internal/channel"
	"whatsapp-chatbot/internal/config"
)

func TestObjectKey(t *testing.T) {
	at := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)
	key := ObjectKey("biz-1", "audio/ogg; codecs=opus", at)
	if !strings.HasPrefix(key, "biz-1/2026-03-09/") || !strings.HasSuffix(key, ".ogg") {
		t.Errorf("key = %q", key)
	}
	if ObjectKey("b", "x/unknown", at) == ObjectKey("b", "x/unknown", at) {
		t.Error("keys must be unique")
	}
}

func TestDisabledWithoutBucket(t *testing.T) {
	a, err := NewS3Archive(config.ArchiveConfig{})
	if err != nil || a != nil {
		t.Fatalf("got %v, %v; want disabled archive", a, err)
	}
}

func TestArchiveUploads(t *testing.T) {
	var gotPath, gotType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotType = r.URL.Path, r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a, err := NewS3Archive(config.ArchiveConfig{
		Bucket: "media", Region: "us-east-1", Endpoint: srv.URL,
		AccessKey: "key", SecretKey: "secret",
	})
	if err != nil {
		t.Fatalf("NewS3Archive: %v", err)
	}

	url, err := a.Archive(context.Background(), "biz-1", &channel.Media{Data: []byte("img"), MimeType: "image/jpeg"})
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if !strings.HasPrefix(gotPath, "/media/biz-1/") || gotType != "image/jpeg" || string(gotBody) != "img" {
		t.Errorf("upload path=%q type=%q body=%q", gotPath, gotType, gotBody)
	}
	if !strings.HasPrefix(url, srv.URL+"/media/biz-1/") || !strings.HasSuffix(url, ".jpg") {
		t.Errorf("url = %q", url)
	}

	if _, err := a.Archive(context.Background(), "biz-1", &channel.Media{}); err != ErrNoMedia {
		t.Errorf("empty media err = %v", err)
	}
}
