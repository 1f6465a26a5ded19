package model

import (
	"bytes"
	"weak"
)

// EnclosureFields はEnclosureの永続化対象となる属性の集合。
type EnclosureFields struct {
	URL  string
	Kind string
	Data []byte
}

// Enclosure は記事の添付ファイル（ポッドキャスト音声など）を表す。
// 1つの記事にのみ属する。
type Enclosure struct {
	storeID  string
	fields   EnclosureFields
	article  weak.Pointer[Article]
	updated  bool
	revision uint64
}

// NewEnclosure は未永続化のEnclosureを生成する。
func NewEnclosure(fields EnclosureFields) *Enclosure {
	fields.Data = bytes.Clone(fields.Data)
	return &Enclosure{fields: fields}
}

// RestoreEnclosure はストレージから読み込んだレコードでEnclosureを復元する。
func RestoreEnclosure(storeID string, fields EnclosureFields) *Enclosure {
	e := NewEnclosure(fields)
	e.storeID = storeID
	return e
}

func (e *Enclosure) StoreID() string { return e.storeID }

// SetStoreID はストレージ実装が識別子を割り当てるために使う。
func (e *Enclosure) SetStoreID(id string) { e.storeID = id }

func (e *Enclosure) Fields() EnclosureFields {
	f := e.fields
	f.Data = bytes.Clone(e.fields.Data)
	return f
}

func (e *Enclosure) URL() string { return e.fields.URL }
func (e *Enclosure) Kind() string { return e.fields.Kind }
func (e *Enclosure) Data() []byte { return bytes.Clone(e.fields.Data) }
func (e *Enclosure) Updated() bool { return e.updated }
func (e *Enclosure) ResetUpdated() { e.updated = false }
func (e *Enclosure) Revision() uint64 { return e.revision }

func (e *Enclosure) markUpdated() {
	e.updated = true
	e.revision++
}

// Article は所属する記事を返す。所属がない、または記事が解放済みの場合はnil。
func (e *Enclosure) Article() *Article { return e.article.Value() }

// SetArticle は所属する記事を変更する。
// 旧記事から外し、旧記事・この添付ファイル・新記事を変更済みにする。
func (e *Enclosure) SetArticle(a *Article) {
	if a == nil {
		if old := e.Article(); old != nil {
			old.RemoveEnclosure(e)
		}
		return
	}
	a.AddEnclosure(e)
}

func (e *Enclosure) attach(a *Article) { e.article = weak.Make(a) }
func (e *Enclosure) release() { e.article = weak.Pointer[Article]{} }

func (e *Enclosure) SetURL(v string) {
	if e.fields.URL != v {
		e.fields.URL = v
		e.markUpdated()
	}
}

func (e *Enclosure) SetKind(v string) {
	if e.fields.Kind != v {
		e.fields.Kind = v
		e.markUpdated()
	}
}

func (e *Enclosure) SetData(v []byte) {
	if !bytes.Equal(e.fields.Data, v) {
		e.fields.Data = bytes.Clone(v)
		e.markUpdated()
	}
}

// Matches はURLとMIMEタイプの組が一致するかを返す。
func (e *Enclosure) Matches(url, kind string) bool {
	return e.fields.URL == url && e.fields.Kind == kind
}

// Equal は2つのEnclosureが等しいかを返す。
// 両方が永続化済みなら識別子で、そうでなければURLとMIMEタイプの組で比較する。
func (e *Enclosure) Equal(o *Enclosure) bool {
	if e == nil || o == nil {
		return e == o
	}
	if e.storeID != "" && o.storeID != "" {
		return e.storeID == o.storeID
	}
	return e.Matches(o.fields.URL, o.fields.Kind)
}
