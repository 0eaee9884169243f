// Copyright 2025 Lumovan
// SPDX-License-Identifier: Apache-2.0

package skysync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// PlatformClient is the adapter boundary to the external formation platform.
// Implementations return raw page bodies; parsing stays in this package.
type PlatformClient interface {
	// ListingPage fetches one listing endpoint (relative path or absolute URL).
	ListingPage(ctx context.Context, endpoint string) (string, error)
	// DetailPage fetches one formation detail URL.
	DetailPage(ctx context.Context, url string) (string, error)
}

// HTTPPlatform fetches pages through the session manager's client so that
// cookies and 401 re-login apply to every request.
type HTTPPlatform struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

func NewHTTPPlatform(baseURL string, session *SessionManager, logger *slog.Logger) *HTTPPlatform {
	if logger == nil {
		logger = slog.Default()
	}
	client := &http.Client{Timeout: DefaultHTTPTimeout}
	if session != nil {
		client = session.Client()
	}
	return &HTTPPlatform{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		logger:  logger.With("component", "platform"),
	}
}

func (p *HTTPPlatform) ListingPage(ctx context.Context, endpoint string) (string, error) {
	return p.fetch(ctx, endpoint)
}

func (p *HTTPPlatform) DetailPage(ctx context.Context, url string) (string, error) {
	return p.fetch(ctx, url)
}

func (p *HTTPPlatform) fetch(ctx context.Context, target string) (string, error) {
	u := target
	if strings.HasPrefix(target, "/") {
		u = p.baseURL + target
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("build request %s: %w", u, err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", &FetchError{URL: u, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return "", &FetchError{URL: u, StatusCode: resp.StatusCode}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &FetchError{URL: u, Err: err}
	}
	return string(body), nil
}
