package storage

import (
	"github.com/google/uuid"

	"github.com/hitoshi/feedsync/internal/model"
)

// Assigner は保存処理中に新規エンティティへ割り当てる識別子を保持する。
// トランザクションが確定するまでエンティティには反映せず、
// 失敗した場合に呼び出し元のエンティティが変化しないようにする。
type Assigner struct {
	feeds      map[*model.Feed]string
	articles   map[*model.Article]string
	enclosures map[*model.Enclosure]string
}

// NewAssigner は空のAssignerを生成する。
func NewAssigner() *Assigner {
	return &Assigner{
		feeds:      make(map[*model.Feed]string),
		articles:   make(map[*model.Article]string),
		enclosures: make(map[*model.Enclosure]string),
	}
}

// Feed はフィードの識別子を返す。未永続化なら新しいUUIDを予約する。
func (a *Assigner) Feed(f *model.Feed) string {
	return assign(a.feeds, f, f.StoreID())
}

// Article は記事の識別子を返す。未永続化なら新しいUUIDを予約する。
func (a *Assigner) Article(x *model.Article) string {
	return assign(a.articles, x, x.StoreID())
}

// Enclosure は添付ファイルの識別子を返す。未永続化なら新しいUUIDを予約する。
func (a *Assigner) Enclosure(e *model.Enclosure) string {
	return assign(a.enclosures, e, e.StoreID())
}

// Apply は予約した識別子をエンティティに反映する。
func (a *Assigner) Apply() {
	for f, id := range a.feeds {
		f.SetStoreID(id)
	}
	for x, id := range a.articles {
		x.SetStoreID(id)
	}
	for e, id := range a.enclosures {
		e.SetStoreID(id)
	}
}

func assign[K comparable](m map[K]string, key K, current string) string {
	if current != "" {
		return current
	}
	if id, ok := m[key]; ok {
		return id
	}
	id := uuid.NewString()
	m[key] = id
	return id
}
