// Package importer は任意のURLをフィード、OPML、Webページに分類し、データリポジトリへ取り込む。
package importer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"sync"

	"github.com/hitoshi/feedsync/internal/async"
	"github.com/hitoshi/feedsync/internal/feed"
	"github.com/hitoshi/feedsync/internal/model"
	"github.com/hitoshi/feedsync/internal/opml"
	"github.com/hitoshi/feedsync/internal/repository"
)

var (
	// ErrDuplicateFeed は同じURLのフィードが既に購読されている場合のエラー。
	ErrDuplicateFeed = errors.New("feed already subscribed")
	// ErrNoCanonicalURL はローカルのフィードファイルに自身のURLが書かれていない場合のエラー。
	ErrNoCanonicalURL = errors.New("feed document has no canonical link")
)

// Kind は取り込み対象の種類。
type Kind int

const (
	KindNone Kind = iota
	KindFeed
	KindOPML
	KindWebPage
)

func (k Kind) String() string {
	switch k {
	case KindFeed:
		return "feed"
	case KindOPML:
		return "opml"
	case KindWebPage:
		return "webPage"
	default:
		return "none"
	}
}

// Item はURLの分類結果。
type Item struct {
	Kind Kind
	URL  string
	// Count はフィードなら記事数、OPMLならフィード数。
	Count int
	// Candidates はWebページから検出したフィードのURL。
	Candidates []string
}

// NotImportableError は取り込めないURLを表す。
// Webページの場合は検出したフィード候補を持つ。
type NotImportableError struct {
	URL        string
	Candidates []string
}

func (e *NotImportableError) Error() string {
	if len(e.Candidates) > 0 {
		return fmt.Sprintf("%s is a web page; choose one of %d feeds", e.URL, len(e.Candidates))
	}
	return fmt.Sprintf("nothing to import at %s", e.URL)
}

// ErrNotImportable はerrors.Isで*NotImportableErrorに一致する。
var ErrNotImportable = &NotImportableError{}

func (e *NotImportableError) Is(target error) bool {
	_, ok := target.(*NotImportableError)
	return ok
}

// Result は取り込み結果。
type Result struct {
	Feeds   []*model.Feed
	Skipped int
	// Errors はフィードごとの作成・更新の失敗。
	Errors []error
}

// DocumentFetcher はネットワーク上のドキュメントを取得する。
type DocumentFetcher interface {
	Fetch(ctx context.Context, rawURL string) (*feed.Document, error)
}

// FeedParser はフィードドキュメントをパースする。
type FeedParser interface {
	Parse(body []byte, source string) (*model.ParsedFeed, error)
}

// FeedRepository はインポートが使うデータリポジトリの操作。
type FeedRepository interface {
	Feeds(ctx context.Context) *async.Future[[]*model.Feed]
	NewFeed(ctx context.Context, fields model.FeedFields) *async.Future[*model.Feed]
	UpdateFeed(ctx context.Context, f *model.Feed) *async.Future[repository.UpdateResult]
}

// OPMLImporter はOPMLドキュメントを取り込む。
type OPMLImporter interface {
	ImportData(ctx context.Context, data []byte) (opml.ImportResult, error)
}

// known はスキャン済みURLの分類。
type known struct {
	kind Kind
	// feedURL は購読に使うURL。ローカルファイルではドキュメント自身のリンク。
	feedURL string
	// data はOPMLの本文。
	data []byte
	// candidates はWebページから検出したフィードのURL。
	candidates []string
}

// UseCase はインポート処理。
type UseCase struct {
	fetcher DocumentFetcher
	parser  FeedParser
	repo    FeedRepository
	opml    OPMLImporter
	logger  *slog.Logger

	mu    sync.Mutex
	known map[string]known
}

// New はUseCaseを生成する。
func New(fetcher DocumentFetcher, parser FeedParser, repo FeedRepository, opmlImporter OPMLImporter, logger *slog.Logger) *UseCase {
	if logger == nil {
		logger = slog.Default()
	}
	return &UseCase{
		fetcher: fetcher,
		parser:  parser,
		repo:    repo,
		opml:    opmlImporter,
		logger:  logger,
		known:   make(map[string]known),
	}
}

// ScanForImportable はURLの内容を取得して分類する。
// http(s)はネットワークから、file://またはパスはファイルシステムから読む。
// 取得できない場合はKindNoneを返す。エラーはctxが終了した場合だけ返す。
// 分類結果はURLごとに記録し、続くImportItemで再取得せずに使う。
func (u *UseCase) ScanForImportable(ctx context.Context, rawURL string) (Item, error) {
	doc, err := u.load(ctx, rawURL)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Item{Kind: KindNone, URL: rawURL}, ctxErr
		}
		u.logger.Warn("インポート対象を読み込めませんでした",
			slog.String("url", rawURL),
			slog.String("error", err.Error()),
		)
		u.remember(rawURL, known{kind: KindNone})
		return Item{Kind: KindNone, URL: rawURL}, nil
	}
	return u.classify(rawURL, doc), nil
}

// source はスキャンしたドキュメント。
type source struct {
	body        []byte
	contentType string
	local       bool
}

// classify はContent-Typeと本文から、フィード、OPML、Webページの順に判定する。
func (u *UseCase) classify(rawURL string, doc source) Item {
	if feed.IsDirectFeed(doc.contentType, doc.body) || feed.IsFeed(doc.body) {
		parsed, err := u.parser.Parse(doc.body, rawURL)
		if err == nil {
			k := known{kind: KindFeed, feedURL: rawURL}
			if doc.local {
				k.feedURL = canonicalLink(parsed)
			}
			u.remember(rawURL, k)
			return Item{Kind: KindFeed, URL: rawURL, Count: len(parsed.Items)}
		}
		if !feed.IsNotFeed(err) {
			u.logger.Warn("フィードを解析できませんでした",
				slog.String("url", rawURL),
				slog.String("error", err.Error()),
			)
		}
	}

	if entries, err := opml.Parse(bytes.NewReader(doc.body)); err == nil {
		u.remember(rawURL, known{kind: KindOPML, data: doc.body})
		return Item{Kind: KindOPML, URL: rawURL, Count: len(entries)}
	}

	var candidates []string
	if doc.contentType == "" || feed.IsHTML(doc.contentType) {
		candidates = discoverCandidates(doc.body, rawURL)
	}
	for _, c := range candidates {
		u.remember(c, known{kind: KindFeed, feedURL: c})
	}
	if len(candidates) == 0 {
		u.remember(rawURL, known{kind: KindNone})
		return Item{Kind: KindNone, URL: rawURL}
	}
	u.remember(rawURL, known{kind: KindWebPage, candidates: candidates})
	return Item{Kind: KindWebPage, URL: rawURL, Candidates: candidates}
}

// discoverCandidates はページのフィードリンクを、最も適した候補を先頭にして返す。
func discoverCandidates(body []byte, pageURL string) []string {
	found := feed.DiscoverFeedLinks(body, pageURL)
	best, ok := feed.SelectBestFeed(found, pageURL)
	if !ok {
		return nil
	}
	out := []string{best.URL}
	for _, c := range found {
		if c.URL != best.URL && !slices.Contains(out, c.URL) {
			out = append(out, c.URL)
		}
	}
	return out
}

// canonicalLink はフィードの自己リンク、なければサイトのリンクを返す。
func canonicalLink(parsed *model.ParsedFeed) string {
	if parsed.FeedLink != "" {
		return parsed.FeedLink
	}
	return parsed.Link
}

func (u *UseCase) remember(rawURL string, k known) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.known[rawURL] = k
}

func (u *UseCase) lookup(rawURL string) (known, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	k, ok := u.known[rawURL]
	return k, ok
}

// load はURLの本文を読む。ローカルファイルにはContent-Typeがない。
func (u *UseCase) load(ctx context.Context, rawURL string) (source, error) {
	if path, ok := localPath(rawURL); ok {
		data, err := os.ReadFile(path)
		return source{body: data, local: true}, err
	}
	doc, err := u.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return source{}, err
	}
	return source{body: doc.Body, contentType: doc.ContentType}, nil
}

// localPath はfile://のURLまたはスキームのないパスをファイルパスに変換する。
func localPath(rawURL string) (string, bool) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL, true
	}
	switch parsed.Scheme {
	case "file":
		return parsed.Path, true
	case "":
		return rawURL, true
	default:
		return "", false
	}
}

// ImportItem はスキャン結果に従ってURLを取り込む。未スキャンのURLはその場でスキャンする。
func (u *UseCase) ImportItem(ctx context.Context, rawURL string) (Result, error) {
	k, ok := u.lookup(rawURL)
	if !ok {
		if _, err := u.ScanForImportable(ctx, rawURL); err != nil {
			return Result{}, err
		}
		if k, ok = u.lookup(rawURL); !ok {
			return Result{}, &NotImportableError{URL: rawURL}
		}
	}

	switch k.kind {
	case KindFeed:
		return u.importFeed(ctx, k.feedURL)
	case KindOPML:
		res, err := u.opml.ImportData(ctx, k.data)
		return Result{Feeds: res.Feeds, Skipped: res.Skipped, Errors: res.Errors}, err
	default:
		return Result{}, &NotImportableError{URL: rawURL, Candidates: k.candidates}
	}
}

func (u *UseCase) importFeed(ctx context.Context, feedURL string) (Result, error) {
	if feedURL == "" {
		return Result{}, ErrNoCanonicalURL
	}

	feeds, err := u.repo.Feeds(ctx).Wait(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("load feeds: %w", err)
	}
	for _, f := range feeds {
		if f.URL() == feedURL {
			return Result{Skipped: 1}, fmt.Errorf("%w: %s", ErrDuplicateFeed, feedURL)
		}
	}

	f, err := u.repo.NewFeed(ctx, model.FeedFields{URL: feedURL}).Wait(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("create feed: %w", err)
	}

	updated, err := u.repo.UpdateFeed(ctx, f).Wait(ctx)
	if err != nil {
		return Result{Feeds: []*model.Feed{f}}, err
	}
	if len(updated.Feeds) == 1 {
		f = updated.Feeds[0]
	}

	u.logger.Info("フィードをインポートしました",
		slog.String("feed_id", f.StoreID()),
		slog.String("feed_url", feedURL),
		slog.Int("articles", len(updated.NewArticles)),
	)
	return Result{Feeds: []*model.Feed{f}, Errors: updated.Errors}, nil
}
