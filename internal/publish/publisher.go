package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"postflow/internal/config"
	"postflow/internal/models"
)

// Response is what a platform returns for an accepted post.
type Response struct {
	ID       string `json:"id"`
	Text     string `json:"text"`
	Platform string `json:"platform"`
}

// Publisher posts content to a social platform. Implementations must
// respect ctx cancellation; the dispatcher bounds each call with a
// deadline.
type Publisher interface {
	Publish(ctx context.Context, platform models.Platform, content string) (Response, error)
}

type endpoint struct {
	url   string
	token string
}

// Client dispatches to one HTTP endpoint per supported platform. The
// platform switch is the single place a new platform gets wired, so
// adding one is a compile-visible change here rather than a scattered
// string comparison.
type Client struct {
	httpClient  *http.Client
	x           endpoint
	reddit      endpoint
	productHunt endpoint
	log         zerolog.Logger
}

// NewClient builds platform endpoints from config.
func NewClient(cfg config.Config, log zerolog.Logger) *Client {
	return &Client{
		httpClient:  &http.Client{Timeout: cfg.PublishTimeout},
		x:           endpoint{url: cfg.XWebhookURL, token: cfg.XToken},
		reddit:      endpoint{url: cfg.RedditWebhookURL, token: cfg.RedditToken},
		productHunt: endpoint{url: cfg.ProductHuntWebhookURL, token: cfg.ProductHuntToken},
		log:         log.With().Str("component", "publisher").Logger(),
	}
}

// Publish sends content to the platform endpoint and decodes its reply.
func (c *Client) Publish(ctx context.Context, platform models.Platform, content string) (Response, error) {
	var ep endpoint
	switch platform {
	case models.PlatformX:
		ep = c.x
	case models.PlatformReddit:
		ep = c.reddit
	case models.PlatformProductHunt:
		ep = c.productHunt
	default:
		return Response{}, fmt.Errorf("unsupported platform %q", platform)
	}
	resp, err := c.post(ctx, ep, platform, content)
	if err != nil {
		return Response{}, err
	}
	c.log.Info().Str("platform", string(platform)).Str("post_id", resp.ID).Msg("published")
	return resp, nil
}

func (c *Client) post(ctx context.Context, ep endpoint, platform models.Platform, content string) (Response, error) {
	body, err := json.Marshal(map[string]string{"text": content})
	if err != nil {
		return Response{}, fmt.Errorf("marshal publish body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.url, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("build publish request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if ep.token != "" {
		req.Header.Set("Authorization", "Bearer "+ep.token)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("publish to %s: %w", platform, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return Response{}, fmt.Errorf("publish to %s: status %d: %s", platform, res.StatusCode, snippet)
	}

	var out Response
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return Response{}, fmt.Errorf("decode %s response: %w", platform, err)
	}
	if out.Platform == "" {
		out.Platform = string(platform)
	}
	return out, nil
}

var _ Publisher = (*Client)(nil)
