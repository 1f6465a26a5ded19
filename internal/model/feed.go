package model

import (
	"bytes"
	"slices"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// queryTagPrefix は表示名として使われるタグの接頭辞。
const queryTagPrefix = "~"

// FeedFields はFeedの永続化対象となる属性の集合。
// ストレージ実装との受け渡しに使う。
type FeedFields struct {
	Title         string
	URL           string
	Summary       string
	Query         string
	Tags          []string
	WaitPeriod    int
	RemainingWait int
	Image         []byte
}

// Feed はネットワークフィードまたはクエリフィードを表す。
// URLを持つものはネットワークフィード、Queryを持つものはクエリフィード、
// どちらも持たないものは手動作成のスタブとして扱う。
//
// Feedはゴルーチン間で共有しない。変更は1つのゴルーチンから行うこと。
type Feed struct {
	storeID  string
	fields   FeedFields
	articles []*Article
	updated  bool
	revision uint64
}

// NewFeed は未永続化のFeedを生成する。
func NewFeed(fields FeedFields) *Feed {
	return &Feed{fields: cloneFeedFields(fields)}
}

// RestoreFeed はストレージから読み込んだレコードでFeedを復元する。
// 復元直後のFeedと記事は未変更状態になる。
func RestoreFeed(storeID string, fields FeedFields, articles []*Article) *Feed {
	f := NewFeed(fields)
	f.storeID = storeID
	for _, a := range articles {
		f.articles = append(f.articles, a)
		if !f.IsQueryFeed() {
			a.attach(f)
		}
	}
	return f
}

func cloneFeedFields(in FeedFields) FeedFields {
	out := in
	out.Tags = slices.Clone(in.Tags)
	out.Image = bytes.Clone(in.Image)
	if out.WaitPeriod < 0 {
		out.WaitPeriod = 0
	}
	if out.RemainingWait < 0 {
		out.RemainingWait = 0
	}
	return out
}

// StoreID はストレージが割り当てた識別子を返す。未永続化の場合は空文字列。
func (f *Feed) StoreID() string { return f.storeID }

// SetStoreID はストレージ実装が識別子を割り当てるために使う。
func (f *Feed) SetStoreID(id string) {
	f.storeID = id
	for _, a := range f.articles {
		if a.Feed() == f {
			a.feedStoreID = id
		}
	}
}

// Fields は属性のコピーを返す。
func (f *Feed) Fields() FeedFields { return cloneFeedFields(f.fields) }

func (f *Feed) Title() string { return f.fields.Title }
func (f *Feed) URL() string { return f.fields.URL }
func (f *Feed) Summary() string { return f.fields.Summary }
func (f *Feed) Query() string { return f.fields.Query }
func (f *Feed) Tags() []string { return slices.Clone(f.fields.Tags) }
func (f *Feed) WaitPeriod() int { return f.fields.WaitPeriod }
func (f *Feed) RemainingWait() int { return f.fields.RemainingWait }
func (f *Feed) Image() []byte { return bytes.Clone(f.fields.Image) }
func (f *Feed) HasImage() bool { return len(f.fields.Image) > 0 }
func (f *Feed) IsQueryFeed() bool { return f.fields.Query != "" }
func (f *Feed) IsNetworkFeed() bool { return f.fields.URL != "" && !f.IsQueryFeed() }

// Updated は最後の永続化以降に変更があったかを返す。
func (f *Feed) Updated() bool { return f.updated }

// ResetUpdated は変更フラグを下ろす。永続化完了時に呼ばれる。
func (f *Feed) ResetUpdated() { f.updated = false }

// Revision は変更のたびに増える値を返す。
func (f *Feed) Revision() uint64 { return f.revision }

func (f *Feed) markUpdated() {
	f.updated = true
	f.revision++
}

// DisplayTitle はタイトル、URL、"~"付きタグの順で表示名を決める。
func (f *Feed) DisplayTitle() string {
	if f.fields.Title != "" {
		return f.fields.Title
	}
	if f.fields.URL != "" {
		return f.fields.URL
	}
	for _, tag := range f.fields.Tags {
		if strings.HasPrefix(tag, queryTagPrefix) {
			return strings.TrimPrefix(tag, queryTagPrefix)
		}
	}
	return ""
}

func (f *Feed) SetTitle(v string) {
	if f.fields.Title != v {
		f.fields.Title = v
		f.markUpdated()
	}
}

func (f *Feed) SetURL(v string) {
	if f.fields.URL != v {
		f.fields.URL = v
		f.markUpdated()
	}
}

func (f *Feed) SetSummary(v string) {
	if f.fields.Summary != v {
		f.fields.Summary = v
		f.markUpdated()
	}
}

func (f *Feed) SetQuery(v string) {
	if f.fields.Query != v {
		f.fields.Query = v
		f.markUpdated()
	}
}

func (f *Feed) SetTags(tags []string) {
	if !slices.Equal(f.fields.Tags, tags) {
		f.fields.Tags = slices.Clone(tags)
		f.markUpdated()
	}
}

// AddTag はタグを末尾に追加する。既に含まれる場合は何もしない。
func (f *Feed) AddTag(tag string) {
	if slices.Contains(f.fields.Tags, tag) {
		return
	}
	f.fields.Tags = append(f.fields.Tags, tag)
	f.markUpdated()
}

// RemoveTag はタグを取り除く。含まれない場合は何もしない。
func (f *Feed) RemoveTag(tag string) {
	i := slices.Index(f.fields.Tags, tag)
	if i < 0 {
		return
	}
	f.fields.Tags = slices.Delete(f.fields.Tags, i, i+1)
	f.markUpdated()
}

func (f *Feed) SetWaitPeriod(v int) {
	v = max(v, 0)
	if f.fields.WaitPeriod != v {
		f.fields.WaitPeriod = v
		f.markUpdated()
	}
}

func (f *Feed) SetRemainingWait(v int) {
	v = max(v, 0)
	if f.fields.RemainingWait != v {
		f.fields.RemainingWait = v
		f.markUpdated()
	}
}

func (f *Feed) SetImage(v []byte) {
	if !bytes.Equal(f.fields.Image, v) {
		f.fields.Image = bytes.Clone(v)
		f.markUpdated()
	}
}

// Articles は記事一覧のコピーを返す。
func (f *Feed) Articles() []*Article { return slices.Clone(f.articles) }

// UnreadCount は未読記事数を返す。
func (f *Feed) UnreadCount() int {
	n := 0
	for _, a := range f.articles {
		if !a.Read() {
			n++
		}
	}
	return n
}

// ArticleByIdentifier は識別子が一致する記事を返す。見つからない場合はnil。
func (f *Feed) ArticleByIdentifier(identifier string) *Article {
	for _, a := range f.articles {
		if a.Identifier() == identifier {
			return a
		}
	}
	return nil
}

func (f *Feed) indexOf(a *Article) int {
	return slices.IndexFunc(f.articles, func(x *Article) bool {
		return x == a || x.Equal(a)
	})
}

// AddArticle は記事を追加する。
// 通常のフィードでは記事を元のフィードから付け替え、両フィードと記事を変更済みにする。
// クエリフィードでは一覧に加えるだけで、記事の所属も変更フラグも変えない。
func (f *Feed) AddArticle(a *Article) {
	if a == nil || f.indexOf(a) >= 0 {
		return
	}
	f.articles = append(f.articles, a)
	if f.IsQueryFeed() {
		return
	}
	if old := a.Feed(); old != nil && old != f {
		old.detach(a)
	}
	a.attach(f)
	a.markUpdated()
	f.markUpdated()
}

// RemoveArticle は記事を取り除く。
// 通常のフィードでは記事の所属も解除し、フィードと記事を変更済みにする。
func (f *Feed) RemoveArticle(a *Article) {
	i := f.indexOf(a)
	if i < 0 {
		return
	}
	f.articles = slices.Delete(f.articles, i, i+1)
	if f.IsQueryFeed() {
		return
	}
	if a.Feed() == f {
		a.release()
		a.markUpdated()
	}
	f.markUpdated()
}

func (f *Feed) detach(a *Article) {
	if i := f.indexOf(a); i >= 0 {
		f.articles = slices.Delete(f.articles, i, i+1)
		f.markUpdated()
	}
}

// Equal は2つのFeedが等しいかを返す。
// どちらかが永続化済みなら識別子で、どちらも未永続化なら全属性で比較する。
func (f *Feed) Equal(o *Feed) bool {
	if f == nil || o == nil {
		return f == o
	}
	if f.storeID != "" || o.storeID != "" {
		return f.storeID == o.storeID
	}
	a, b := f.fields, o.fields
	return a.Title == b.Title &&
		a.URL == b.URL &&
		a.Summary == b.Summary &&
		a.Query == b.Query &&
		slices.Equal(a.Tags, b.Tags) &&
		a.WaitPeriod == b.WaitPeriod &&
		a.RemainingWait == b.RemainingWait &&
		bytes.Equal(a.Image, b.Image)
}

// Hash はEqualと整合するハッシュ値を返す。
func (f *Feed) Hash() uint64 {
	if f.storeID != "" {
		return xxhash.Sum64String("feed\x00" + f.storeID)
	}
	d := xxhash.New()
	for _, s := range []string{f.fields.Title, f.fields.URL, f.fields.Summary, f.fields.Query} {
		_, _ = d.WriteString(s)
		_, _ = d.WriteString("\x00")
	}
	for _, t := range f.fields.Tags {
		_, _ = d.WriteString(t)
		_, _ = d.WriteString("\x01")
	}
	_, _ = d.WriteString(strconv.Itoa(f.fields.WaitPeriod) + "/" + strconv.Itoa(f.fields.RemainingWait))
	_, _ = d.Write(f.fields.Image)
	return d.Sum64()
}
