// Package metadata fetches token metadata documents referenced by
// token URIs. Fetching is best effort: a missing or malformed document
// never fails the surrounding request.
package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// TokenMetadata is the subset of the metadata document the marketplace
// surfaces.
type TokenMetadata struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Image       string `json:"image"`
	ExternalURL string `json:"external_url,omitempty"`
}

// Options tunes metadata fetching.
type Options struct {
	FetchTimeout time.Duration
	MaxBodyBytes int64
}

// Client retrieves token metadata over HTTP.
type Client struct {
	http    *http.Client
	maxBody int64
	log     *slog.Logger
}

// New creates a metadata Client.
func New(logger *slog.Logger, opts Options) *Client {
	timeout := opts.FetchTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &Client{
		http:    &http.Client{Timeout: timeout},
		maxBody: maxBody,
		log:     logger.With("component", "metadata"),
	}
}

// Fetch retrieves and decodes the metadata document at uri.
func (c *Client) Fetch(ctx context.Context, uri string) (TokenMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return TokenMetadata{}, fmt.Errorf("metadata: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return TokenMetadata{}, fmt.Errorf("metadata: fetch %s: %w", uri, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return TokenMetadata{}, fmt.Errorf("metadata: fetch %s: status %d", uri, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody))
	if err != nil {
		return TokenMetadata{}, fmt.Errorf("metadata: read %s: %w", uri, err)
	}

	var md TokenMetadata
	if err := json.Unmarshal(body, &md); err != nil {
		return TokenMetadata{}, fmt.Errorf("metadata: decode %s: %w", uri, err)
	}
	return md, nil
}

// FetchOrEmpty retrieves metadata, returning the zero value and logging
// at debug on any failure. Item listings use this so one bad URI does
// not break the page.
func (c *Client) FetchOrEmpty(ctx context.Context, uri string) TokenMetadata {
	if uri == "" {
		return TokenMetadata{}
	}
	md, err := c.Fetch(ctx, uri)
	if err != nil {
		c.log.Debug("metadata fetch failed", "uri", uri, "err", err)
		return TokenMetadata{}
	}
	return md
}
