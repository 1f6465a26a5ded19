// Package feed はフィードドキュメントの取得・パース・検出を提供する。
package feed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hitoshi/feedsync/internal/model"
	"github.com/hitoshi/feedsync/internal/security"
)

// DefaultUserAgent はフィード取得時のUser-Agent。
const DefaultUserAgent = "feedsync/1.0 (+https://github.com/hitoshi/feedsync)"

const acceptHeader = "application/rss+xml, application/atom+xml, application/xml, text/xml, text/x-opml, text/html;q=0.9, */*;q=0.8"

// Document は取得したドキュメント。
type Document struct {
	// URL はリダイレクト後の最終的なURL。
	URL         string
	StatusCode  int
	ContentType string
	Body        []byte
}

// Fetcher はSSRF防止付きクライアントでドキュメントを取得する。
type Fetcher struct {
	guard     security.SSRFGuardService
	client    *http.Client
	userAgent string
}

// NewFetcher はFetcherを生成する。userAgentが空ならDefaultUserAgentを使う。
func NewFetcher(guard security.SSRFGuardService, timeout time.Duration, maxBodySize int64, userAgent string) *Fetcher {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return &Fetcher{
		guard:     guard,
		client:    guard.NewSafeClient(timeout, maxBodySize),
		userAgent: userAgent,
	}
}

// Fetch はURLをGETし、2xxならボディを返す。
// 不正なURL、SSRFブロック、通信失敗、2xx以外のステータスはいずれもKindNetworkのSyncErrorになる。
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Document, error) {
	if err := f.guard.ValidateURL(rawURL); err != nil {
		return nil, model.NewSSRFBlockedError(rawURL, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, model.NewInvalidURLError(rawURL, err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", acceptHeader)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, model.NewNetworkError(rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, model.NewHTTPStatusError(rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, model.NewNetworkError(rawURL, fmt.Errorf("read body: %w", err))
	}
	return &Document{
		URL:         resp.Request.URL.String(),
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}
