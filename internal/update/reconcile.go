package update

import (
	"cmp"
	"context"
	"math"
	"strings"
	"time"

	"github.com/hitoshi/feedsync/internal/feed"
	"github.com/hitoshi/feedsync/internal/model"
	"github.com/hitoshi/feedsync/internal/security"
)

// untitled はタイトルのない記事に付けるタイトル。
const untitled = "unknown"

// wordsPerMinute は推定読了時間の計算に使う読書速度。
const wordsPerMinute = 200

// ImageSource はフィード画像を取得する。
type ImageSource interface {
	FetchImage(ctx context.Context, imageURL, siteURL string) []byte
}

// Changes は1フィードの反映結果。
type Changes struct {
	Created []*model.Article
	Changed []*model.Article
}

// HasNewData は新規または変更された記事があるかを返す。
func (c Changes) HasNewData() bool {
	return len(c.Created) > 0 || len(c.Changed) > 0
}

// Reconciler はパース結果を既存のフィードと記事に反映する。
type Reconciler struct {
	sanitizer security.ContentSanitizerService
	images    ImageSource
	now       func() time.Time
}

// NewReconciler はReconcilerを生成する。imagesがnilなら画像は取得しない。
func NewReconciler(sanitizer security.ContentSanitizerService, images ImageSource) *Reconciler {
	return &Reconciler{sanitizer: sanitizer, images: images, now: time.Now}
}

// FeedImage はfに画像がなければ取得して返す。
// 記事のない初回の取得ではサイトのファビコンも候補にする。
func (r *Reconciler) FeedImage(ctx context.Context, f *model.Feed, parsed *model.ParsedFeed) []byte {
	if f.HasImage() || r.images == nil {
		return nil
	}
	base := baseURL(f, parsed)
	site := ""
	if len(f.Articles()) == 0 {
		site = base
	}
	return r.images.FetchImage(ctx, feed.ResolveURL(base, parsed.ImageURL), site)
}

// Merge はparsedの内容とFeedImageで取得した画像をfに反映する。通信は行わない。
// 記事は識別子で照合し、見つからなければ未読の新規記事として追加する。
// 既読状態とフラグは変更しない。
func (r *Reconciler) Merge(f *model.Feed, parsed *model.ParsedFeed, image []byte) Changes {
	if title := r.sanitizer.PlainText(parsed.Title); title != "" {
		f.SetTitle(title)
	}
	if parsed.Description != "" {
		f.SetSummary(parsed.Description)
	}
	if !f.HasImage() && len(image) > 0 {
		f.SetImage(image)
	}

	base := baseURL(f, parsed)
	var changes Changes
	for _, item := range parsed.Items {
		id := item.Identifier()
		if id == "" {
			continue
		}
		if a := f.ArticleByIdentifier(id); a != nil {
			before := a.Revision()
			r.apply(a, item, base)
			if a.Revision() != before {
				changes.Changed = append(changes.Changed, a)
			}
			continue
		}

		a := model.NewArticle(model.ArticleFields{Identifier: id, Published: r.now().UTC()})
		r.apply(a, item, base)
		f.AddArticle(a)
		changes.Created = append(changes.Created, a)
	}
	return changes
}

func baseURL(f *model.Feed, parsed *model.ParsedFeed) string {
	if parsed.Link != "" {
		return parsed.Link
	}
	return f.URL()
}

func (r *Reconciler) apply(a *model.Article, item model.ParsedItem, base string) {
	title := r.sanitizer.PlainText(item.Title)
	if title == "" || title == untitled {
		title = cmp.Or(a.Title(), untitled)
	}
	a.SetTitle(title)
	a.SetLink(feed.ResolveURL(base, item.Link))
	if item.Published != nil {
		a.SetPublished(item.Published.UTC())
	}
	if item.Updated != nil {
		t := item.Updated.UTC()
		a.SetUpdatedAt(&t)
	} else {
		a.SetUpdatedAt(nil)
	}
	a.SetSummary(r.sanitizer.Sanitize(item.Description))
	a.SetContent(r.sanitizer.Sanitize(item.Content))
	a.SetAuthors(item.Authors)

	text := item.Content
	if text == "" {
		text = item.Description
	}
	a.SetEstimatedReadingTime(EstimateReadingTime(r.sanitizer.PlainText(text)))

	for _, pe := range item.Enclosures {
		u := feed.ResolveURL(base, pe.URL)
		if !hasEnclosure(a, u, pe.Type) {
			a.AddEnclosure(model.NewEnclosure(model.EnclosureFields{URL: u, Kind: pe.Type}))
		}
	}
}

func hasEnclosure(a *model.Article, url, kind string) bool {
	for _, e := range a.Enclosures() {
		if e.Matches(url, kind) {
			return true
		}
	}
	return false
}

// EstimateReadingTime はテキストの推定読了時間（分）を返す。
func EstimateReadingTime(text string) int {
	words := len(strings.Fields(text))
	return int(math.Round(float64(words) / wordsPerMinute))
}
