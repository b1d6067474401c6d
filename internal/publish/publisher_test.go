package publish

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"postflow/internal/config"
	"postflow/internal/models"
)

func newClient(xURL, redditURL string) *Client {
	cfg := config.Config{
		PublishTimeout:   2 * time.Second,
		XWebhookURL:      xURL,
		XToken:           "x-secret",
		RedditWebhookURL: redditURL,
	}
	return NewClient(cfg, zerolog.Nop())
}

func TestPublishSendsTextWithBearerToken(t *testing.T) {
	var gotAuth string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(Response{ID: "1234", Text: gotBody["text"]})
	}))
	defer srv.Close()

	c := newClient(srv.URL, "")
	resp, err := c.Publish(context.Background(), models.PlatformX, "launch day!")
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if gotAuth != "Bearer x-secret" {
		t.Fatalf("auth header: %q", gotAuth)
	}
	if gotBody["text"] != "launch day!" {
		t.Fatalf("body: %+v", gotBody)
	}
	if resp.ID != "1234" || resp.Platform != "x" {
		t.Fatalf("response: %+v", resp)
	}
}

func TestPublishNon2xxIncludesBodySnippet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited by platform", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newClient(srv.URL, "")
	_, err := c.Publish(context.Background(), models.PlatformX, "hi")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "429") || !strings.Contains(err.Error(), "rate limited") {
		t.Fatalf("error lacks status/body detail: %v", err)
	}
}

func TestPublishUnsupportedPlatform(t *testing.T) {
	c := newClient("http://unused", "")
	if _, err := c.Publish(context.Background(), models.Platform("myspace"), "hi"); err == nil {
		t.Fatal("expected error for unsupported platform")
	}
}

func TestPublishHonorsContextCancellation(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		// The server only notices a client disconnect once the request
		// body has been consumed, so drain it or r.Context() never
		// fires and srv.Close() deadlocks on this handler.
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := newClient(srv.URL, "")
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := c.Publish(ctx, models.PlatformX, "hi")
		errc <- err
	}()
	<-started
	cancel()
	select {
	case err := <-errc:
		if err == nil {
			t.Fatal("expected cancellation error")
		}
	case <-time.After(time.Second):
		t.Fatal("publish did not return after cancel")
	}
}
