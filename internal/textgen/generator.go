// Package textgen is the text-generation collaborator. It is invoked
// once at post creation to produce variant texts; the scheduling core
// only ever references variants that already exist.
package textgen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"postflow/internal/models"
)

// Generator produces candidate post texts for a platform.
type Generator interface {
	Variants(ctx context.Context, platform models.Platform, title string, keywords []string, n int) ([]string, error)
}

// HTTPGenerator calls an external generation service.
type HTTPGenerator struct {
	url        string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewHTTPGenerator builds a client for the generation service.
func NewHTTPGenerator(url, apiKey, model string) *HTTPGenerator {
	return &HTTPGenerator{
		url:        url,
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

type generateRequest struct {
	Model    string   `json:"model"`
	Platform string   `json:"platform"`
	Title    string   `json:"title"`
	Keywords []string `json:"keywords"`
	Count    int      `json:"count"`
}

type generateResponse struct {
	Variants []string `json:"variants"`
}

// Variants requests n texts from the generation service.
func (g *HTTPGenerator) Variants(ctx context.Context, platform models.Platform, title string, keywords []string, n int) ([]string, error) {
	body, err := json.Marshal(generateRequest{
		Model:    g.model,
		Platform: string(platform),
		Title:    title,
		Keywords: keywords,
		Count:    n,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal generate request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	res, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call generation service: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return nil, fmt.Errorf("generation service status %d: %s", res.StatusCode, snippet)
	}

	var out generateResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode generation response: %w", err)
	}
	cleaned := make([]string, 0, len(out.Variants))
	for _, v := range out.Variants {
		if t := strings.TrimSpace(v); t != "" {
			cleaned = append(cleaned, t)
		}
	}
	if len(cleaned) == 0 {
		return nil, fmt.Errorf("generation service returned no variants")
	}
	return cleaned, nil
}

var _ Generator = (*HTTPGenerator)(nil)

// Filler returns canned variant texts for deployments that opt into
// proceeding when the generation service is down.
func Filler(title string, keywords []string, n int) []string {
	kw := keywords
	if len(kw) > 3 {
		kw = kw[:3]
	}
	base := []string{
		fmt.Sprintf("Check out our product: %s. %s #tech", title, strings.Join(kw, " ")),
		fmt.Sprintf("Excited to share %s! Built with %s. Feedback welcome! #dev", title, strings.Join(kw, " and ")),
	}
	if n <= 0 || n > len(base) {
		return base
	}
	return base[:n]
}
