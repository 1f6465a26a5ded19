// Package objectstore は組み込みオブジェクトストア（bbolt）上のストレージバックエンドを提供する。
//
// フィードと記事はそれぞれJSONレコードとして保存し、添付ファイルは記事レコードに埋め込む。
// フィードごとの記事一覧と記事識別子は入れ子のバケットを索引として保持する。
package objectstore

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/hitoshi/feedsync/internal/model"
	"github.com/hitoshi/feedsync/internal/storage"
)

var (
	bucketFeeds           = []byte("feeds")
	bucketArticles        = []byte("articles")
	bucketFeedArticles    = []byte("feed_articles")
	bucketFeedIdentifiers = []byte("feed_identifiers")
)

var allBuckets = [][]byte{bucketFeeds, bucketArticles, bucketFeedArticles, bucketFeedIdentifiers}

// Store はbboltを使用したストレージバックエンド。
type Store struct {
	db     *bolt.DB
	logger *slog.Logger
}

var _ storage.Backend = (*Store)(nil)

// Open はファイルを開き、必要なバケットを作成してStoreを返す。
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, model.NewStorageError("open", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		rebuild := tx.Bucket(bucketFeedIdentifiers) == nil
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		if rebuild {
			return rebuildIdentifierIndex(tx)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, model.NewStorageError("create buckets", err)
	}
	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Kind() storage.Kind { return storage.KindObject }

func (s *Store) AllTags(ctx context.Context) ([]string, error) {
	var tags []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFeeds).ForEach(func(_, v []byte) error {
			var r feedRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			tags = append(tags, r.Tags...)
			return nil
		})
	})
	if err != nil {
		return nil, model.NewStorageError("all tags", err)
	}
	return storage.NormalizeTags(tags), nil
}

func (s *Store) Feeds(ctx context.Context, tag string) ([]*model.Feed, error) {
	var feeds []*model.Feed
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFeeds).ForEach(func(_, v []byte) error {
			var r feedRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if tag != "" && !slices.Contains(r.Tags, tag) {
				return nil
			}
			articles, err := feedArticles(tx, r.ID)
			if err != nil {
				return err
			}
			storage.SortArticles(articles)
			feeds = append(feeds, model.RestoreFeed(r.ID, r.fields(), articles))
			return nil
		})
	})
	if err != nil {
		return nil, model.NewStorageError("feeds", err)
	}
	storage.SortFeeds(feeds)
	return feeds, nil
}

func (s *Store) Feed(ctx context.Context, id string) (*model.Feed, error) {
	var f *model.Feed
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketFeeds).Get([]byte(id))
		if v == nil {
			return storage.ErrFeedNotFound
		}
		var r feedRecord
		if err := json.Unmarshal(v, &r); err != nil {
			return err
		}
		articles, err := feedArticles(tx, r.ID)
		if err != nil {
			return err
		}
		storage.SortArticles(articles)
		f = model.RestoreFeed(r.ID, r.fields(), articles)
		return nil
	})
	if err != nil {
		return nil, model.NewStorageError("feed", err)
	}
	return f, nil
}

func (s *Store) Articles(ctx context.Context, q storage.ArticleQuery) ([]*model.Article, error) {
	var articles []*model.Article
	err := s.db.View(func(tx *bolt.Tx) error {
		if q.FeedID != "" {
			owned, err := feedArticles(tx, q.FeedID)
			articles = owned
			return err
		}
		return tx.Bucket(bucketArticles).ForEach(func(_, v []byte) error {
			a, err := decodeArticle(v)
			if err != nil {
				return err
			}
			articles = append(articles, a)
			return nil
		})
	})
	if err != nil {
		return nil, model.NewStorageError("articles", err)
	}

	out := articles[:0]
	for _, a := range articles {
		if q.Match(a) {
			out = append(out, a)
		}
	}
	storage.SortArticles(out)
	return out, nil
}

func (s *Store) SaveFeed(ctx context.Context, f *model.Feed) error {
	ids := storage.NewAssigner()
	err := s.db.Update(func(tx *bolt.Tx) error {
		feedID := ids.Feed(f)
		if err := putJSON(tx.Bucket(bucketFeeds), feedID, newFeedRecord(feedID, f)); err != nil {
			return fmt.Errorf("put feed: %w", err)
		}
		for _, a := range storage.OwnedArticlesToSave(f) {
			if err := putArticle(tx, ids, a, feedID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return model.NewStorageError("save feed", err)
	}

	ids.Apply()
	storage.ClearFeedGraph(f)
	s.logger.Debug("フィードを保存しました", slog.String("feed_id", f.StoreID()))
	return nil
}

func (s *Store) SaveArticle(ctx context.Context, a *model.Article) error {
	if err := s.saveArticles([]*model.Article{a}); err != nil {
		return model.NewStorageError("save article", err)
	}
	return nil
}

func (s *Store) saveArticles(articles []*model.Article) error {
	if len(articles) == 0 {
		return nil
	}
	for _, a := range articles {
		if a.FeedStoreID() == "" {
			return storage.ErrNoFeed
		}
	}

	ids := storage.NewAssigner()
	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, a := range articles {
			if err := putArticle(tx, ids, a, a.FeedStoreID()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	ids.Apply()
	for _, a := range articles {
		storage.ClearArticleGraph(a)
	}
	return nil
}

func (s *Store) DeleteFeed(ctx context.Context, f *model.Feed) error {
	id := f.StoreID()
	if id == "" {
		return nil
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		index := tx.Bucket(bucketFeedArticles)
		if owned := index.Bucket([]byte(id)); owned != nil {
			articles := tx.Bucket(bucketArticles)
			if err := owned.ForEach(func(k, _ []byte) error {
				return articles.Delete(k)
			}); err != nil {
				return err
			}
			if err := index.DeleteBucket([]byte(id)); err != nil {
				return err
			}
		}
		idents := tx.Bucket(bucketFeedIdentifiers)
		if idents.Bucket([]byte(id)) != nil {
			if err := idents.DeleteBucket([]byte(id)); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketFeeds).Delete([]byte(id))
	})
	if err != nil {
		return model.NewStorageError("delete feed", err)
	}
	storage.ForgetFeedGraph(f)
	return nil
}

func (s *Store) DeleteArticle(ctx context.Context, a *model.Article) error {
	id := a.StoreID()
	if id == "" {
		return nil
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		articles := tx.Bucket(bucketArticles)
		if v := articles.Get([]byte(id)); v != nil {
			var r articleRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if err := unindex(tx, r.FeedID, id, r.Identifier); err != nil {
				return err
			}
		}
		return articles.Delete([]byte(id))
	})
	if err != nil {
		return model.NewStorageError("delete article", err)
	}
	storage.ForgetArticleGraph(a)
	return nil
}

func (s *Store) MarkFeedRead(ctx context.Context, f *model.Feed, read bool) (int, error) {
	changed := storage.ApplyRead(f.Articles(), read)
	if err := s.saveArticles(changed); err != nil {
		return 0, model.NewStorageError("mark feed read", err)
	}
	return len(changed), nil
}

func (s *Store) MarkArticlesRead(ctx context.Context, articles []*model.Article, read bool) error {
	changed := storage.ApplyRead(articles, read)
	if err := s.saveArticles(changed); err != nil {
		return model.NewStorageError("mark articles read", err)
	}
	return nil
}

func (s *Store) HasFeeds(ctx context.Context) (bool, error) {
	var has bool
	err := s.db.View(func(tx *bolt.Tx) error {
		k, _ := tx.Bucket(bucketFeeds).Cursor().First()
		has = k != nil
		return nil
	})
	if err != nil {
		return false, model.NewStorageError("has feeds", err)
	}
	return has, nil
}

func (s *Store) DeleteEverything(ctx context.Context) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return model.NewStorageError("delete everything", err)
	}
	s.logger.Info("オブジェクトストアの全データを削除しました")
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// putArticle は記事レコードを書き込み、所属フィードの索引を付け替える。
// 同じフィードの別の記事が同じ識別子を使っている場合はErrDuplicateArticleを返す。
func putArticle(tx *bolt.Tx, ids *storage.Assigner, a *model.Article, feedID string) error {
	articles := tx.Bucket(bucketArticles)
	id := ids.Article(a)

	if v := articles.Get([]byte(id)); v != nil {
		var old articleRecord
		if err := json.Unmarshal(v, &old); err != nil {
			return fmt.Errorf("decode article %s: %w", id, err)
		}
		if old.FeedID != feedID || old.Identifier != a.Identifier() {
			if err := unindex(tx, old.FeedID, id, old.Identifier); err != nil {
				return err
			}
		}
	}

	if err := indexIdentifier(tx, feedID, a.Identifier(), id); err != nil {
		return err
	}
	if err := putJSON(articles, id, newArticleRecord(id, feedID, a, ids.Enclosure)); err != nil {
		return fmt.Errorf("put article: %w", err)
	}
	owned, err := tx.Bucket(bucketFeedArticles).CreateBucketIfNotExists([]byte(feedID))
	if err != nil {
		return fmt.Errorf("index article: %w", err)
	}
	return owned.Put([]byte(id), []byte{})
}

// indexIdentifier はフィード内の記事識別子を記事IDに対応付ける。空の識別子は索引しない。
func indexIdentifier(tx *bolt.Tx, feedID, identifier, articleID string) error {
	if identifier == "" {
		return nil
	}
	idents, err := tx.Bucket(bucketFeedIdentifiers).CreateBucketIfNotExists([]byte(feedID))
	if err != nil {
		return fmt.Errorf("index identifier: %w", err)
	}
	if existing := idents.Get([]byte(identifier)); existing != nil && string(existing) != articleID {
		return fmt.Errorf("%w: %s", storage.ErrDuplicateArticle, identifier)
	}
	return idents.Put([]byte(identifier), []byte(articleID))
}

func unindex(tx *bolt.Tx, feedID, articleID, identifier string) error {
	if idents := tx.Bucket(bucketFeedIdentifiers).Bucket([]byte(feedID)); idents != nil && identifier != "" {
		if string(idents.Get([]byte(identifier))) == articleID {
			if err := idents.Delete([]byte(identifier)); err != nil {
				return err
			}
		}
	}
	owned := tx.Bucket(bucketFeedArticles).Bucket([]byte(feedID))
	if owned == nil {
		return nil
	}
	return owned.Delete([]byte(articleID))
}

// rebuildIdentifierIndex は記事レコードから識別子の索引を作り直す。
// 索引のないファイルを開いたときに使う。
func rebuildIdentifierIndex(tx *bolt.Tx) error {
	idents := tx.Bucket(bucketFeedIdentifiers)
	return tx.Bucket(bucketArticles).ForEach(func(k, v []byte) error {
		var r articleRecord
		if err := json.Unmarshal(v, &r); err != nil {
			return fmt.Errorf("decode article %s: %w", k, err)
		}
		if r.Identifier == "" {
			return nil
		}
		b, err := idents.CreateBucketIfNotExists([]byte(r.FeedID))
		if err != nil {
			return err
		}
		if b.Get([]byte(r.Identifier)) != nil {
			return nil
		}
		return b.Put([]byte(r.Identifier), k)
	})
}

func feedArticles(tx *bolt.Tx, feedID string) ([]*model.Article, error) {
	owned := tx.Bucket(bucketFeedArticles).Bucket([]byte(feedID))
	if owned == nil {
		return nil, nil
	}
	records := tx.Bucket(bucketArticles)
	var articles []*model.Article
	err := owned.ForEach(func(k, _ []byte) error {
		v := records.Get(k)
		if v == nil {
			return nil
		}
		a, err := decodeArticle(v)
		if err != nil {
			return err
		}
		articles = append(articles, a)
		return nil
	})
	return articles, err
}

func decodeArticle(v []byte) (*model.Article, error) {
	var r articleRecord
	if err := json.Unmarshal(v, &r); err != nil {
		return nil, err
	}
	return r.restore(), nil
}

func putJSON(b *bolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}
