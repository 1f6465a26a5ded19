package model

import (
	"slices"
	"strconv"
	"time"
	"weak"

	"github.com/cespare/xxhash/v2"
)

// Author は記事の著者を表す。
type Author struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// String は "名前 <メール>" 形式の表記を返す。
func (a Author) String() string {
	if a.Email == "" {
		return a.Name
	}
	if a.Name == "" {
		return "<" + a.Email + ">"
	}
	return a.Name + " <" + a.Email + ">"
}

// ArticleFields はArticleの永続化対象となる属性の集合。
type ArticleFields struct {
	Identifier           string
	Title                string
	Link                 string
	Summary              string
	Authors              []Author
	Published            time.Time
	UpdatedAt            *time.Time
	Content              string
	Read                 bool
	EstimatedReadingTime int
	Flags                []string
}

// Article はフィードに属する記事を表す。
// 所属フィードへの参照は弱参照で、記事はフィードを所有しない。
type Article struct {
	storeID     string
	fields      ArticleFields
	enclosures  []*Enclosure
	feed        weak.Pointer[Feed]
	feedStoreID string
	updated     bool
	revision    uint64
}

// NewArticle は未永続化のArticleを生成する。
func NewArticle(fields ArticleFields) *Article {
	return &Article{fields: cloneArticleFields(fields)}
}

// RestoreArticle はストレージから読み込んだレコードでArticleを復元する。
// feedStoreIDは所属フィードのFeedが読み込まれていない場合の参照先として保持する。
func RestoreArticle(storeID, feedStoreID string, fields ArticleFields, enclosures []*Enclosure) *Article {
	a := NewArticle(fields)
	a.storeID = storeID
	a.feedStoreID = feedStoreID
	for _, e := range enclosures {
		a.enclosures = append(a.enclosures, e)
		e.attach(a)
	}
	return a
}

func cloneArticleFields(in ArticleFields) ArticleFields {
	out := in
	out.Authors = slices.Clone(in.Authors)
	out.Flags = slices.Clone(in.Flags)
	if in.UpdatedAt != nil {
		t := *in.UpdatedAt
		out.UpdatedAt = &t
	}
	return out
}

func (a *Article) StoreID() string { return a.storeID }

// SetStoreID はストレージ実装が識別子を割り当てるために使う。
func (a *Article) SetStoreID(id string) { a.storeID = id }

// Fields は属性のコピーを返す。
func (a *Article) Fields() ArticleFields { return cloneArticleFields(a.fields) }

func (a *Article) Identifier() string { return a.fields.Identifier }
func (a *Article) Title() string { return a.fields.Title }
func (a *Article) Link() string { return a.fields.Link }
func (a *Article) Summary() string { return a.fields.Summary }
func (a *Article) Authors() []Author { return slices.Clone(a.fields.Authors) }
func (a *Article) Published() time.Time { return a.fields.Published }
func (a *Article) Content() string { return a.fields.Content }
func (a *Article) Read() bool { return a.fields.Read }
func (a *Article) EstimatedReadingTime() int { return a.fields.EstimatedReadingTime }
func (a *Article) Flags() []string { return slices.Clone(a.fields.Flags) }

// UpdatedAt は更新日時を返す。値がある場合は以前のフェッチ内容の更新であることを示す。
func (a *Article) UpdatedAt() *time.Time {
	if a.fields.UpdatedAt == nil {
		return nil
	}
	t := *a.fields.UpdatedAt
	return &t
}

// Updated は最後の永続化以降に変更があったかを返す。
func (a *Article) Updated() bool { return a.updated }

// ResetUpdated は変更フラグを下ろす。
func (a *Article) ResetUpdated() { a.updated = false }

// Revision は変更のたびに増える値を返す。
func (a *Article) Revision() uint64 { return a.revision }

func (a *Article) markUpdated() {
	a.updated = true
	a.revision++
}

// Feed は所属フィードを返す。所属がない、またはフィードが解放済みの場合はnil。
func (a *Article) Feed() *Feed { return a.feed.Value() }

// FeedStoreID は所属フィードの識別子を返す。
func (a *Article) FeedStoreID() string {
	if f := a.Feed(); f != nil && f.storeID != "" {
		return f.storeID
	}
	return a.feedStoreID
}

// SetFeed は所属フィードを変更する。nilを渡すと所属を解除する。
func (a *Article) SetFeed(f *Feed) {
	if f == nil {
		if old := a.Feed(); old != nil {
			old.RemoveArticle(a)
		}
		return
	}
	f.AddArticle(a)
}

func (a *Article) attach(f *Feed) {
	a.feed = weak.Make(f)
	a.feedStoreID = f.storeID
}

func (a *Article) release() {
	a.feed = weak.Pointer[Feed]{}
	a.feedStoreID = ""
}

func (a *Article) SetIdentifier(v string) {
	if a.fields.Identifier != v {
		a.fields.Identifier = v
		a.markUpdated()
	}
}

func (a *Article) SetTitle(v string) {
	if a.fields.Title != v {
		a.fields.Title = v
		a.markUpdated()
	}
}

func (a *Article) SetLink(v string) {
	if a.fields.Link != v {
		a.fields.Link = v
		a.markUpdated()
	}
}

func (a *Article) SetSummary(v string) {
	if a.fields.Summary != v {
		a.fields.Summary = v
		a.markUpdated()
	}
}

func (a *Article) SetAuthors(v []Author) {
	if !slices.Equal(a.fields.Authors, v) {
		a.fields.Authors = slices.Clone(v)
		a.markUpdated()
	}
}

func (a *Article) SetPublished(v time.Time) {
	if !a.fields.Published.Equal(v) {
		a.fields.Published = v
		a.markUpdated()
	}
}

func (a *Article) SetUpdatedAt(v *time.Time) {
	if timePtrEqual(a.fields.UpdatedAt, v) {
		return
	}
	if v == nil {
		a.fields.UpdatedAt = nil
	} else {
		t := *v
		a.fields.UpdatedAt = &t
	}
	a.markUpdated()
}

func (a *Article) SetContent(v string) {
	if a.fields.Content != v {
		a.fields.Content = v
		a.markUpdated()
	}
}

func (a *Article) SetRead(v bool) {
	if a.fields.Read != v {
		a.fields.Read = v
		a.markUpdated()
	}
}

func (a *Article) SetEstimatedReadingTime(v int) {
	if a.fields.EstimatedReadingTime != v {
		a.fields.EstimatedReadingTime = v
		a.markUpdated()
	}
}

// AddFlag はフラグを追加する。既に含まれる場合は何もしない。
func (a *Article) AddFlag(flag string) {
	if slices.Contains(a.fields.Flags, flag) {
		return
	}
	a.fields.Flags = append(a.fields.Flags, flag)
	a.markUpdated()
}

// RemoveFlag はフラグを取り除く。含まれない場合は何もしない。
func (a *Article) RemoveFlag(flag string) {
	i := slices.Index(a.fields.Flags, flag)
	if i < 0 {
		return
	}
	a.fields.Flags = slices.Delete(a.fields.Flags, i, i+1)
	a.markUpdated()
}

// Enclosures は添付ファイル一覧のコピーを返す。
func (a *Article) Enclosures() []*Enclosure { return slices.Clone(a.enclosures) }

func (a *Article) enclosureIndex(e *Enclosure) int {
	return slices.IndexFunc(a.enclosures, func(x *Enclosure) bool {
		return x == e || x.Equal(e)
	})
}

// AddEnclosure は添付ファイルを追加する。
// 他の記事に属していた場合はそこから外し、旧記事・添付ファイル・この記事を変更済みにする。
// 既に含まれている場合は何もしない。
func (a *Article) AddEnclosure(e *Enclosure) {
	if e == nil || a.enclosureIndex(e) >= 0 {
		return
	}
	if old := e.Article(); old != nil && old != a {
		old.detachEnclosure(e)
	}
	a.enclosures = append(a.enclosures, e)
	e.attach(a)
	e.markUpdated()
	a.markUpdated()
}

// RemoveEnclosure は添付ファイルを取り除く。含まれない場合は何もしない。
func (a *Article) RemoveEnclosure(e *Enclosure) {
	i := a.enclosureIndex(e)
	if i < 0 {
		return
	}
	a.enclosures = slices.Delete(a.enclosures, i, i+1)
	if e.Article() == a {
		e.release()
		e.markUpdated()
	}
	a.markUpdated()
}

func (a *Article) detachEnclosure(e *Enclosure) {
	if i := a.enclosureIndex(e); i >= 0 {
		a.enclosures = slices.Delete(a.enclosures, i, i+1)
		a.markUpdated()
	}
}

// Equal は2つのArticleが等しいかを返す。
// どちらかが永続化済みなら識別子で、どちらも未永続化なら全属性で比較する。変更フラグは比較しない。
func (a *Article) Equal(o *Article) bool {
	if a == nil || o == nil {
		return a == o
	}
	if a.storeID != "" || o.storeID != "" {
		return a.storeID == o.storeID
	}
	x, y := a.fields, o.fields
	return x.Identifier == y.Identifier &&
		x.Title == y.Title &&
		x.Link == y.Link &&
		x.Summary == y.Summary &&
		slices.Equal(x.Authors, y.Authors) &&
		x.Published.Equal(y.Published) &&
		timePtrEqual(x.UpdatedAt, y.UpdatedAt) &&
		x.Content == y.Content &&
		x.Read == y.Read &&
		x.EstimatedReadingTime == y.EstimatedReadingTime &&
		slices.Equal(x.Flags, y.Flags)
}

// Hash はEqualと整合するハッシュ値を返す。
func (a *Article) Hash() uint64 {
	if a.storeID != "" {
		return xxhash.Sum64String("article\x00" + a.storeID)
	}
	d := xxhash.New()
	for _, s := range []string{a.fields.Identifier, a.fields.Title, a.fields.Link, a.fields.Summary, a.fields.Content} {
		_, _ = d.WriteString(s)
		_, _ = d.WriteString("\x00")
	}
	for _, au := range a.fields.Authors {
		_, _ = d.WriteString(au.String())
		_, _ = d.WriteString("\x01")
	}
	for _, fl := range a.fields.Flags {
		_, _ = d.WriteString(fl)
		_, _ = d.WriteString("\x02")
	}
	_, _ = d.WriteString(strconv.FormatInt(a.fields.Published.UnixNano(), 10))
	if a.fields.UpdatedAt != nil {
		_, _ = d.WriteString(strconv.FormatInt(a.fields.UpdatedAt.UnixNano(), 10))
	}
	_, _ = d.WriteString(strconv.FormatBool(a.fields.Read) + strconv.Itoa(a.fields.EstimatedReadingTime))
	return d.Sum64()
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
