// Package sqlstore はリレーショナルデータベース（SQLite/PostgreSQL）上のストレージバックエンドを提供する。
package sqlstore

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/hitoshi/feedsync/internal/database"
	"github.com/hitoshi/feedsync/internal/model"
	"github.com/hitoshi/feedsync/internal/storage"
)

// maxInParams はIN句1回あたりのパラメータ数の上限。
const maxInParams = 500

const (
	selectFeeds = `SELECT id, title, url, summary, query, wait_period, remaining_wait, image FROM feeds`

	selectArticles = `SELECT id, feed_id, identifier, title, link, summary, authors,
	       published_at, updated_at, content, is_read, estimated_reading_time
	FROM articles`

	upsertFeed = `INSERT INTO feeds (id, title, url, summary, query, wait_period, remaining_wait, image)
	VALUES (:id, :title, :url, :summary, :query, :wait_period, :remaining_wait, :image)
	ON CONFLICT (id) DO UPDATE SET
	    title = excluded.title,
	    url = excluded.url,
	    summary = excluded.summary,
	    query = excluded.query,
	    wait_period = excluded.wait_period,
	    remaining_wait = excluded.remaining_wait,
	    image = excluded.image`

	upsertArticle = `INSERT INTO articles (id, feed_id, identifier, title, link, summary, authors,
	                      published_at, updated_at, content, is_read, estimated_reading_time)
	VALUES (:id, :feed_id, :identifier, :title, :link, :summary, :authors,
	        :published_at, :updated_at, :content, :is_read, :estimated_reading_time)
	ON CONFLICT (id) DO UPDATE SET
	    feed_id = excluded.feed_id,
	    identifier = excluded.identifier,
	    title = excluded.title,
	    link = excluded.link,
	    summary = excluded.summary,
	    authors = excluded.authors,
	    published_at = excluded.published_at,
	    updated_at = excluded.updated_at,
	    content = excluded.content,
	    is_read = excluded.is_read,
	    estimated_reading_time = excluded.estimated_reading_time`

	upsertEnclosure = `INSERT INTO enclosures (id, article_id, position, url, kind, data)
	VALUES (:id, :article_id, :position, :url, :kind, :data)
	ON CONFLICT (id) DO UPDATE SET
	    article_id = excluded.article_id,
	    position = excluded.position,
	    url = excluded.url,
	    kind = excluded.kind,
	    data = excluded.data`
)

// Store はsqlxを使用したストレージバックエンド。
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

var _ storage.Backend = (*Store)(nil)

// New はマイグレーション済みの接続からStoreを生成する。
func New(db *sqlx.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Open は接続を開き、スキーマを最新にしてStoreを返す。
func Open(ctx context.Context, driver, dsn string, logger *slog.Logger) (*Store, error) {
	db, err := database.Open(driver, dsn)
	if err != nil {
		return nil, model.NewStorageError("open", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, model.NewStorageError("ping", err)
	}
	if err := database.RunMigrations(db.DB, driver); err != nil {
		db.Close()
		return nil, model.NewStorageError("migrate", err)
	}
	return New(db, logger), nil
}

// Kind はstorage.KindSQLを返す。
func (s *Store) Kind() storage.Kind { return storage.KindSQL }

// DB は内部の接続を返す。
func (s *Store) DB() *sqlx.DB { return s.db }

func (s *Store) AllTags(ctx context.Context) ([]string, error) {
	var tags []string
	if err := s.db.SelectContext(ctx, &tags, `SELECT DISTINCT tag FROM feed_tags`); err != nil {
		return nil, model.NewStorageError("all tags", err)
	}
	return storage.NormalizeTags(tags), nil
}

func (s *Store) Feeds(ctx context.Context, tag string) ([]*model.Feed, error) {
	if tag == "" {
		return s.feedsWhere(ctx, "")
	}
	return s.feedsWhere(ctx, ` WHERE id IN (SELECT feed_id FROM feed_tags WHERE tag = ?)`, tag)
}

func (s *Store) Feed(ctx context.Context, id string) (*model.Feed, error) {
	feeds, err := s.feedsWhere(ctx, ` WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(feeds) == 0 {
		return nil, model.NewStorageError("feed", storage.ErrFeedNotFound)
	}
	return feeds[0], nil
}

// feedsWhere は条件に一致するフィードをタグ・記事込みで読み込む。
func (s *Store) feedsWhere(ctx context.Context, where string, args ...any) ([]*model.Feed, error) {
	var rows []feedRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(selectFeeds+where), args...); err != nil {
		return nil, model.NewStorageError("feeds", err)
	}

	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ID)
	}

	tagRows, err := selectIn[tagRow](ctx, s.db,
		`SELECT feed_id, position, tag FROM feed_tags WHERE feed_id IN (?) ORDER BY feed_id, position`, ids)
	if err != nil {
		return nil, model.NewStorageError("feed tags", err)
	}
	tagsByFeed := make(map[string][]string)
	for _, t := range tagRows {
		tagsByFeed[t.FeedID] = append(tagsByFeed[t.FeedID], t.Tag)
	}

	articleRows, err := selectIn[articleRow](ctx, s.db, selectArticles+` WHERE feed_id IN (?)`, ids)
	if err != nil {
		return nil, model.NewStorageError("feed articles", err)
	}
	articles, err := hydrateArticles(ctx, s.db, articleRows)
	if err != nil {
		return nil, model.NewStorageError("feed articles", err)
	}
	articlesByFeed := make(map[string][]*model.Article)
	for _, a := range articles {
		articlesByFeed[a.FeedStoreID()] = append(articlesByFeed[a.FeedStoreID()], a)
	}

	feeds := make([]*model.Feed, 0, len(rows))
	for _, r := range rows {
		owned := articlesByFeed[r.ID]
		storage.SortArticles(owned)
		feeds = append(feeds, model.RestoreFeed(r.ID, r.fields(tagsByFeed[r.ID]), owned))
	}
	storage.SortFeeds(feeds)
	return feeds, nil
}

// Articles は条件に一致する記事を返す。
// 検索語の照合はGo側で行い、objectstoreと同じ大文字小文字の扱いにする。
func (s *Store) Articles(ctx context.Context, q storage.ArticleQuery) ([]*model.Article, error) {
	var conds []string
	var args []any
	if q.FeedID != "" {
		conds = append(conds, "feed_id = ?")
		args = append(args, q.FeedID)
	}
	if q.Read != nil {
		conds = append(conds, "is_read = ?")
		args = append(args, *q.Read)
	}
	if len(q.Identifiers) > 0 {
		conds = append(conds, "identifier IN (?)")
		args = append(args, q.Identifiers)
	}

	query := selectArticles
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	if len(q.Identifiers) > 0 {
		var err error
		query, args, err = sqlx.In(query, args...)
		if err != nil {
			return nil, model.NewStorageError("articles", err)
		}
	}

	var rows []articleRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, model.NewStorageError("articles", err)
	}
	articles, err := hydrateArticles(ctx, s.db, rows)
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
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		feedID := ids.Feed(f)
		if _, err := tx.NamedExecContext(ctx, upsertFeed, newFeedRow(feedID, f)); err != nil {
			return fmt.Errorf("upsert feed: %w", err)
		}
		if err := replaceTags(ctx, tx, feedID, f.Tags()); err != nil {
			return err
		}
		for _, a := range storage.OwnedArticlesToSave(f) {
			if err := saveArticle(ctx, tx, ids, a, feedID); err != nil {
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
	if err := s.saveArticles(ctx, []*model.Article{a}); err != nil {
		return model.NewStorageError("save article", err)
	}
	return nil
}

func (s *Store) saveArticles(ctx context.Context, articles []*model.Article) error {
	if len(articles) == 0 {
		return nil
	}
	for _, a := range articles {
		if a.FeedStoreID() == "" {
			return storage.ErrNoFeed
		}
	}

	ids := storage.NewAssigner()
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, a := range articles {
			if err := saveArticle(ctx, tx, ids, a, a.FeedStoreID()); err != nil {
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
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		return execAll(ctx, tx, []string{
			`DELETE FROM enclosures WHERE article_id IN (SELECT id FROM articles WHERE feed_id = ?)`,
			`DELETE FROM article_flags WHERE article_id IN (SELECT id FROM articles WHERE feed_id = ?)`,
			`DELETE FROM articles WHERE feed_id = ?`,
			`DELETE FROM feed_tags WHERE feed_id = ?`,
			`DELETE FROM feeds WHERE id = ?`,
		}, id)
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
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		return execAll(ctx, tx, []string{
			`DELETE FROM enclosures WHERE article_id = ?`,
			`DELETE FROM article_flags WHERE article_id = ?`,
			`DELETE FROM articles WHERE id = ?`,
		}, id)
	})
	if err != nil {
		return model.NewStorageError("delete article", err)
	}
	storage.ForgetArticleGraph(a)
	return nil
}

func (s *Store) MarkFeedRead(ctx context.Context, f *model.Feed, read bool) (int, error) {
	changed := storage.ApplyRead(f.Articles(), read)
	if err := s.saveArticles(ctx, changed); err != nil {
		return 0, model.NewStorageError("mark feed read", err)
	}
	return len(changed), nil
}

func (s *Store) MarkArticlesRead(ctx context.Context, articles []*model.Article, read bool) error {
	changed := storage.ApplyRead(articles, read)
	if err := s.saveArticles(ctx, changed); err != nil {
		return model.NewStorageError("mark articles read", err)
	}
	return nil
}

func (s *Store) HasFeeds(ctx context.Context) (bool, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM feeds`); err != nil {
		return false, model.NewStorageError("has feeds", err)
	}
	return n > 0, nil
}

func (s *Store) DeleteEverything(ctx context.Context) error {
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		return execAll(ctx, tx, []string{
			`DELETE FROM enclosures`,
			`DELETE FROM article_flags`,
			`DELETE FROM articles`,
			`DELETE FROM feed_tags`,
			`DELETE FROM feeds`,
		})
	})
	if err != nil {
		return model.NewStorageError("delete everything", err)
	}
	s.logger.Info("SQLストアの全データを削除しました")
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func saveArticle(ctx context.Context, tx *sqlx.Tx, ids *storage.Assigner, a *model.Article, feedID string) error {
	articleID := ids.Article(a)
	if err := checkIdentifier(ctx, tx, feedID, a.Identifier(), articleID); err != nil {
		return err
	}
	row, err := newArticleRow(articleID, feedID, a)
	if err != nil {
		return fmt.Errorf("encode article: %w", err)
	}
	if _, err := tx.NamedExecContext(ctx, upsertArticle, row); err != nil {
		return fmt.Errorf("upsert article: %w", err)
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM article_flags WHERE article_id = ?`), articleID); err != nil {
		return fmt.Errorf("delete flags: %w", err)
	}
	for i, flag := range a.Flags() {
		if _, err := tx.NamedExecContext(ctx,
			`INSERT INTO article_flags (article_id, position, flag) VALUES (:article_id, :position, :flag)`,
			flagRow{ArticleID: articleID, Position: i, Flag: flag},
		); err != nil {
			return fmt.Errorf("insert flag: %w", err)
		}
	}

	keep := make([]string, 0, len(a.Enclosures()))
	for i, e := range a.Enclosures() {
		encID := ids.Enclosure(e)
		row := enclosureRow{ID: encID, ArticleID: articleID, Position: i, URL: e.URL(), Kind: e.Kind(), Data: e.Data()}
		if _, err := tx.NamedExecContext(ctx, upsertEnclosure, row); err != nil {
			return fmt.Errorf("upsert enclosure: %w", err)
		}
		keep = append(keep, encID)
	}
	return pruneEnclosures(ctx, tx, articleID, keep)
}

// checkIdentifier は同じフィードの別の記事が識別子を使っていればErrDuplicateArticleを返す。
func checkIdentifier(ctx context.Context, tx *sqlx.Tx, feedID, identifier, articleID string) error {
	if identifier == "" {
		return nil
	}
	var clash []string
	if err := tx.SelectContext(ctx, &clash,
		tx.Rebind(`SELECT id FROM articles WHERE feed_id = ? AND identifier = ? AND id <> ?`),
		feedID, identifier, articleID,
	); err != nil {
		return fmt.Errorf("check identifier: %w", err)
	}
	if len(clash) > 0 {
		return fmt.Errorf("%w: %s", storage.ErrDuplicateArticle, identifier)
	}
	return nil
}

// pruneEnclosures は記事から外れた添付ファイルのレコードを削除する。
func pruneEnclosures(ctx context.Context, tx *sqlx.Tx, articleID string, keep []string) error {
	query := `DELETE FROM enclosures WHERE article_id = ?`
	args := []any{articleID}
	if len(keep) > 0 {
		var err error
		query, args, err = sqlx.In(query+` AND id NOT IN (?)`, articleID, keep)
		if err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
		return fmt.Errorf("prune enclosures: %w", err)
	}
	return nil
}

func replaceTags(ctx context.Context, tx *sqlx.Tx, feedID string, tags []string) error {
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM feed_tags WHERE feed_id = ?`), feedID); err != nil {
		return fmt.Errorf("delete tags: %w", err)
	}
	for i, tag := range tags {
		if _, err := tx.NamedExecContext(ctx,
			`INSERT INTO feed_tags (feed_id, position, tag) VALUES (:feed_id, :position, :tag)`,
			tagRow{FeedID: feedID, Position: i, Tag: tag},
		); err != nil {
			return fmt.Errorf("insert tag: %w", err)
		}
	}
	return nil
}

func execAll(ctx context.Context, tx *sqlx.Tx, stmts []string, args ...any) error {
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, tx.Rebind(stmt), args...); err != nil {
			return fmt.Errorf("%s: %w", stmt, err)
		}
	}
	return nil
}

// hydrateArticles は記事の行にフラグと添付ファイルを結合してArticleを復元する。
func hydrateArticles(ctx context.Context, q sqlx.ExtContext, rows []articleRow) ([]*model.Article, error) {
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ID)
	}

	flagRows, err := selectIn[flagRow](ctx, q,
		`SELECT article_id, position, flag FROM article_flags WHERE article_id IN (?) ORDER BY article_id, position`, ids)
	if err != nil {
		return nil, err
	}
	flags := make(map[string][]string)
	for _, f := range flagRows {
		flags[f.ArticleID] = append(flags[f.ArticleID], f.Flag)
	}

	encRows, err := selectIn[enclosureRow](ctx, q,
		`SELECT id, article_id, position, url, kind, data FROM enclosures WHERE article_id IN (?) ORDER BY article_id, position`, ids)
	if err != nil {
		return nil, err
	}
	enclosures := make(map[string][]*model.Enclosure)
	for _, e := range encRows {
		enclosures[e.ArticleID] = append(enclosures[e.ArticleID],
			model.RestoreEnclosure(e.ID, model.EnclosureFields{URL: e.URL, Kind: e.Kind, Data: e.Data}))
	}

	articles := make([]*model.Article, 0, len(rows))
	for _, r := range rows {
		fields, err := r.fields(flags[r.ID])
		if err != nil {
			return nil, fmt.Errorf("decode article %s: %w", r.ID, err)
		}
		articles = append(articles, model.RestoreArticle(r.ID, r.FeedID, fields, enclosures[r.ID]))
	}
	return articles, nil
}

// selectIn はIN句を含むクエリをmaxInParams件ずつ分割して実行する。
func selectIn[T any](ctx context.Context, q sqlx.ExtContext, query string, ids []string) ([]T, error) {
	var out []T
	for chunk := range slices.Chunk(ids, maxInParams) {
		expanded, args, err := sqlx.In(query, chunk)
		if err != nil {
			return nil, err
		}
		var rows []T
		if err := sqlx.SelectContext(ctx, q, &rows, q.Rebind(expanded), args...); err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	return out, nil
}
