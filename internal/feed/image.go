package feed

import (
	"context"
	"log/slog"
	"mime"
	"net/url"
	"strings"
)

// ImageFetcher はフィード画像を取得する。
type ImageFetcher struct {
	fetcher *Fetcher
	logger  *slog.Logger
}

// NewImageFetcher はImageFetcherを生成する。
func NewImageFetcher(fetcher *Fetcher, logger *slog.Logger) *ImageFetcher {
	return &ImageFetcher{fetcher: fetcher, logger: logger}
}

// FetchImage はフィード画像を取得する。
// imageURLが空または取得に失敗した場合はサイトの/favicon.icoを試す。
// どちらも取得できなければnilを返す。
func (f *ImageFetcher) FetchImage(ctx context.Context, imageURL, siteURL string) []byte {
	if data := f.fetch(ctx, imageURL); data != nil {
		return data
	}
	return f.fetch(ctx, faviconURL(siteURL))
}

func (f *ImageFetcher) fetch(ctx context.Context, rawURL string) []byte {
	if rawURL == "" {
		return nil
	}
	doc, err := f.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		f.logger.Warn("画像の取得に失敗しました",
			slog.String("url", rawURL),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if !isImage(doc.ContentType) || len(doc.Body) == 0 {
		f.logger.Warn("画像以外のレスポンスです",
			slog.String("url", rawURL),
			slog.String("content_type", doc.ContentType),
		)
		return nil
	}
	return doc.Body
}

func faviconURL(siteURL string) string {
	if siteURL == "" {
		return ""
	}
	u, err := url.Parse(siteURL)
	if err != nil || u.Host == "" {
		return ""
	}
	u.Path = "/favicon.ico"
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

func isImage(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return strings.HasPrefix(mediaType, "image/")
}
