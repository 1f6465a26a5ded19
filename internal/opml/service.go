package opml

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/natefinch/atomic"

	"github.com/hitoshi/feedsync/internal/async"
	"github.com/hitoshi/feedsync/internal/model"
	"github.com/hitoshi/feedsync/internal/repository"
)

// ExportFileName はエクスポート先のファイル名。
const ExportFileName = "feeds.opml"

// FeedStore はOPMLサービスが使うデータリポジトリの操作。
type FeedStore interface {
	Feeds(ctx context.Context) *async.Future[[]*model.Feed]
	NewFeed(ctx context.Context, fields model.FeedFields) *async.Future[*model.Feed]
}

// ImportResult はOPMLインポートの結果。
type ImportResult struct {
	// Feeds は新たに作成されたフィード。
	Feeds []*model.Feed
	// Skipped は購読済みのため作成しなかった件数。
	Skipped int
	// Errors はフィードごとの作成失敗。
	Errors []error
}

// Service はOPMLのインポートとエクスポートを行う。
// データリポジトリの購読者として登録すると、更新のたびにエクスポートファイルを書き直す。
type Service struct {
	repository.NopSubscriber

	store   FeedStore
	dir     string
	logger  *slog.Logger
	pending sync.WaitGroup
	// written はエクスポートを書き終えるたびに呼ばれる。テスト用。
	written func(path string, err error)
}

// NewService はServiceを生成する。dirはエクスポートファイルを置くディレクトリ。
func NewService(store FeedStore, dir string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, dir: dir, logger: logger}
}

// ExportPath はエクスポートファイルのパスを返す。
func (s *Service) ExportPath() string {
	return filepath.Join(s.dir, ExportFileName)
}

// ImportData はOPMLドキュメントに含まれるフィードを作成する。
// 同じURLのフィード、または同じタイトルとクエリのクエリフィードが既にあればスキップする。
func (s *Service) ImportData(ctx context.Context, data []byte) (ImportResult, error) {
	entries, err := Parse(bytes.NewReader(data))
	if err != nil {
		return ImportResult{}, model.NewParseError("opml", err)
	}

	existing, err := s.store.Feeds(ctx).Wait(ctx)
	if err != nil {
		return ImportResult{}, fmt.Errorf("load feeds: %w", err)
	}

	var res ImportResult
	for _, e := range entries {
		if alreadySubscribed(existing, e) {
			res.Skipped++
			continue
		}
		f, err := s.store.NewFeed(ctx, e.Fields()).Wait(ctx)
		if err != nil {
			s.logger.Warn("OPMLからのフィード作成に失敗しました",
				slog.String("title", e.Title),
				slog.String("url", e.URL),
				slog.String("error", err.Error()),
			)
			res.Errors = append(res.Errors, err)
			continue
		}
		res.Feeds = append(res.Feeds, f)
		existing = append(existing, f)
	}

	s.logger.Info("OPMLをインポートしました",
		slog.Int("entries", len(entries)),
		slog.Int("created", len(res.Feeds)),
		slog.Int("skipped", res.Skipped),
		slog.Int("failed", len(res.Errors)),
	)
	if len(res.Feeds) == 0 && len(res.Errors) > 0 {
		return res, errors.Join(res.Errors...)
	}
	return res, nil
}

func alreadySubscribed(feeds []*model.Feed, e Entry) bool {
	for _, f := range feeds {
		if e.IsQuery() {
			if f.IsQueryFeed() && f.Title() == e.Title && f.Query() == e.Query {
				return true
			}
			continue
		}
		if f.URL() == e.URL {
			return true
		}
	}
	return false
}

// WriteOPML は全フィードをエクスポートファイルに書き出し、そのパスを返す。
// 書き込みは一時ファイルからの置き換えで行い、途中の状態を残さない。
func (s *Service) WriteOPML(ctx context.Context) (string, error) {
	feeds, err := s.store.Feeds(ctx).Wait(ctx)
	if err != nil {
		return "", fmt.Errorf("load feeds: %w", err)
	}
	data, err := Export("feedsync", feeds)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", model.NewStorageError("write opml", err)
	}
	path := s.ExportPath()
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return "", model.NewStorageError("write opml", err)
	}
	return path, nil
}

// DidUpdateFeeds はフィード更新の完了時にエクスポートファイルを書き直す。
func (s *Service) DidUpdateFeeds([]*model.Feed) {
	s.pending.Go(func() {
		path, err := s.WriteOPML(context.Background())
		if err != nil {
			s.logger.Error("OPMLの書き出しに失敗しました", slog.String("error", err.Error()))
		} else {
			s.logger.Debug("OPMLを書き出しました", slog.String("path", path))
		}
		if s.written != nil {
			s.written(path, err)
		}
	})
}

// Wait は実行中のエクスポートが終わるまで待つ。
func (s *Service) Wait() {
	s.pending.Wait()
}
