package textgen

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"postflow/internal/models"
)

func TestVariantsRequestAndTrim(t *testing.T) {
	var got generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(generateResponse{Variants: []string{"  first  ", "", "second"}})
	}))
	defer srv.Close()

	g := NewHTTPGenerator(srv.URL, "key", "tiny-model")
	out, err := g.Variants(context.Background(), models.PlatformX, "My App", []string{"go", "redis"}, 2)
	if err != nil {
		t.Fatalf("variants: %v", err)
	}
	if got.Model != "tiny-model" || got.Platform != "x" || got.Count != 2 {
		t.Fatalf("request fields: %+v", got)
	}
	if len(out) != 2 || out[0] != "first" || out[1] != "second" {
		t.Fatalf("trimmed variants: %v", out)
	}
}

func TestVariantsServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	g := NewHTTPGenerator(srv.URL, "", "")
	_, err := g.Variants(context.Background(), models.PlatformX, "t", nil, 1)
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestVariantsEmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(generateResponse{Variants: []string{"", "   "}})
	}))
	defer srv.Close()

	g := NewHTTPGenerator(srv.URL, "", "")
	if _, err := g.Variants(context.Background(), models.PlatformX, "t", nil, 1); err == nil {
		t.Fatal("expected error for empty variants")
	}
}

func TestFiller(t *testing.T) {
	out := Filler("My App", []string{"go", "redis", "pg", "extra"}, 2)
	if len(out) != 2 {
		t.Fatalf("expected 2 texts, got %d", len(out))
	}
	if !strings.Contains(out[0], "My App") {
		t.Fatalf("title missing: %q", out[0])
	}
	if strings.Contains(out[0], "extra") {
		t.Fatalf("keywords not capped at 3: %q", out[0])
	}
	if got := Filler("t", nil, 0); len(got) != 2 {
		t.Fatalf("n<=0 should return all texts, got %d", len(got))
	}
}
