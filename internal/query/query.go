// Package query はクエリフィードの述語式を評価する。
//
// 述語はexpr-lang/exprの式で、記事ごとに次の変数を参照できる。
//
//	title, link, summary, content, identifier  string
//	read                                       bool
//	flags, authors                             []string
//	published                                  time.Time
//	estimatedReadingTime                       int
//	feed.title, feed.url, feed.tags            所属フィードの属性
//
// 例: `!read && title contains "Go"`、`"starred" in flags`
package query

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/hitoshi/feedsync/internal/model"
)

// Env は述語式から参照できる記事の属性。
type Env struct {
	Title                string    `expr:"title"`
	Link                 string    `expr:"link"`
	Summary              string    `expr:"summary"`
	Content              string    `expr:"content"`
	Identifier           string    `expr:"identifier"`
	Read                 bool      `expr:"read"`
	Flags                []string  `expr:"flags"`
	Authors              []string  `expr:"authors"`
	Published            time.Time `expr:"published"`
	EstimatedReadingTime int       `expr:"estimatedReadingTime"`
	Feed                 FeedEnv   `expr:"feed"`
}

// FeedEnv は述語式から参照できる所属フィードの属性。
type FeedEnv struct {
	Title string   `expr:"title"`
	URL   string   `expr:"url"`
	Tags  []string `expr:"tags"`
}

// NewEnv は記事から評価環境を組み立てる。
func NewEnv(a *model.Article) Env {
	env := Env{
		Title:                a.Title(),
		Link:                 a.Link(),
		Summary:              a.Summary(),
		Content:              a.Content(),
		Identifier:           a.Identifier(),
		Read:                 a.Read(),
		Flags:                a.Flags(),
		Published:            a.Published(),
		EstimatedReadingTime: a.EstimatedReadingTime(),
	}
	for _, au := range a.Authors() {
		env.Authors = append(env.Authors, au.String())
	}
	if f := a.Feed(); f != nil {
		env.Feed = FeedEnv{Title: f.DisplayTitle(), URL: f.URL(), Tags: f.Tags()}
	}
	return env
}

// Predicate はコンパイル済みの述語式。
type Predicate struct {
	source  string
	program *vm.Program
}

// Compile は述語式をコンパイルする。結果が真偽値にならない式はエラーになる。
func Compile(source string) (*Predicate, error) {
	program, err := expr.Compile(source, expr.Env(Env{}), expr.AsBool())
	if err != nil {
		return nil, model.NewParseError("query", err)
	}
	return &Predicate{source: source, program: program}, nil
}

// Source は元の式を返す。
func (p *Predicate) Source() string { return p.source }

// Match は記事が述語を満たすかを返す。
func (p *Predicate) Match(a *model.Article) (bool, error) {
	out, err := expr.Run(p.program, NewEnv(a))
	if err != nil {
		return false, fmt.Errorf("evaluate %q: %w", p.source, err)
	}
	ok, _ := out.(bool)
	return ok, nil
}

// Evaluator はコンパイル結果をキャッシュしてクエリフィードを評価する。
// 複数のゴルーチンから使用できる。
type Evaluator struct {
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]*Predicate
}

// NewEvaluator はEvaluatorを生成する。
func NewEvaluator(logger *slog.Logger) *Evaluator {
	return &Evaluator{logger: logger, cache: make(map[string]*Predicate)}
}

func (e *Evaluator) predicate(source string) (*Predicate, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.cache[source]; ok {
		return p, nil
	}
	p, err := Compile(source)
	if err != nil {
		return nil, err
	}
	e.cache[source] = p
	return p, nil
}

// Filter は述語を満たす記事を返す。式が不正ならエラーを返す。
// 評価に失敗した記事は警告を記録して結果から除く。
func (e *Evaluator) Filter(source string, articles []*model.Article) ([]*model.Article, error) {
	p, err := e.predicate(source)
	if err != nil {
		return nil, err
	}

	var matched []*model.Article
	for _, a := range articles {
		ok, err := p.Match(a)
		if err != nil {
			e.logger.Warn("クエリの評価に失敗しました",
				slog.String("query", source),
				slog.String("article", a.Identifier()),
				slog.String("error", err.Error()),
			)
			continue
		}
		if ok {
			matched = append(matched, a)
		}
	}
	return matched, nil
}

// Populate はクエリフィードに、通常のフィードの記事のうち述語を満たすものを加える。
// 記事の所属は変わらない。式が不正なクエリフィードは警告を記録して空のままにする。
func (e *Evaluator) Populate(feeds []*model.Feed) {
	var candidates []*model.Article
	for _, f := range feeds {
		if !f.IsQueryFeed() {
			candidates = append(candidates, f.Articles()...)
		}
	}
	for _, f := range feeds {
		if !f.IsQueryFeed() {
			continue
		}
		matched, err := e.Filter(f.Query(), candidates)
		if err != nil {
			e.logger.Warn("クエリのコンパイルに失敗しました",
				slog.String("feed", f.DisplayTitle()),
				slog.String("query", f.Query()),
				slog.String("error", err.Error()),
			)
			continue
		}
		for _, a := range matched {
			f.AddArticle(a)
		}
	}
}
