package query

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/feedsync/internal/model"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, nil))
}

func newFeedWithArticles() *model.Feed {
	f := model.NewFeed(model.FeedFields{Title: "Go Blog", URL: "https://go.dev/blog/feed.atom", Tags: []string{"tech"}})
	f.AddArticle(model.NewArticle(model.ArticleFields{
		Identifier: "1",
		Title:      "Go 1.25 is released",
		Published:  time.Now().Add(-time.Hour),
		Authors:    []model.Author{{Name: "Gopher"}},
	}))
	f.AddArticle(model.NewArticle(model.ArticleFields{
		Identifier: "2",
		Title:      "Range over func",
		Read:       true,
		Flags:      []string{"starred"},
		Published:  time.Now().Add(-72 * time.Hour),
	}))
	return f
}

func TestCompile_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		source string
	}{
		{"構文エラー", "title contains"},
		{"真偽値以外", `title + "x"`},
		{"未定義の変数", "unknown == 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.source)
			if err == nil {
				t.Fatalf("Compile(%q) はエラーを返すべき", tt.source)
			}
			if !model.IsKind(err, model.KindParse) {
				t.Errorf("error kind should be parse: %v", err)
			}
		})
	}
}

func TestPredicate_Match(t *testing.T) {
	f := newFeedWithArticles()
	articles := f.Articles()

	tests := []struct {
		source string
		want   []bool
	}{
		{"!read", []bool{true, false}},
		{`title contains "Go"`, []bool{true, false}},
		{`"starred" in flags`, []bool{false, true}},
		{`"Gopher" in authors`, []bool{true, false}},
		{`feed.title == "Go Blog" && "tech" in feed.tags`, []bool{true, true}},
		{`published > now() - duration("24h")`, []bool{true, false}},
		{`identifier == "2" || estimatedReadingTime > 10`, []bool{false, true}},
	}
	for _, tt := range tests {
		t.Run(tt.source, func(t *testing.T) {
			p, err := Compile(tt.source)
			if err != nil {
				t.Fatalf("Compile() error = %v", err)
			}
			for i, a := range articles {
				got, err := p.Match(a)
				if err != nil {
					t.Fatalf("Match() error = %v", err)
				}
				if got != tt.want[i] {
					t.Errorf("記事%s: Match() = %v, want %v", a.Identifier(), got, tt.want[i])
				}
			}
		})
	}
}

func TestEvaluator_FilterInvalidQueryReturnsError(t *testing.T) {
	var buf bytes.Buffer
	e := NewEvaluator(newTestLogger(&buf))
	f := newFeedWithArticles()

	got, err := e.Filter("title ==", f.Articles())
	if !model.IsKind(err, model.KindParse) {
		t.Errorf("Filter() error = %v, want KindParse", err)
	}
	if got != nil {
		t.Errorf("不正な式の結果 = %v, want nil", got)
	}
}

func TestEvaluator_PopulateSkipsInvalidQuery(t *testing.T) {
	var buf bytes.Buffer
	e := NewEvaluator(newTestLogger(&buf))

	source := newFeedWithArticles()
	broken := model.NewFeed(model.FeedFields{Title: "Broken", Query: "title =="})
	unread := model.NewFeed(model.FeedFields{Title: "Unread", Query: "!read"})

	e.Populate([]*model.Feed{broken, unread, source})

	if len(broken.Articles()) != 0 {
		t.Errorf("不正な式のクエリフィードの記事 = %d件, want 0", len(broken.Articles()))
	}
	if len(unread.Articles()) != 1 {
		t.Errorf("後続のクエリフィードの記事 = %d件, want 1", len(unread.Articles()))
	}
	if !strings.Contains(buf.String(), "クエリのコンパイルに失敗しました") {
		t.Errorf("警告ログが出力されていない: %s", buf.String())
	}
}

func TestEvaluator_CachesCompiledPredicate(t *testing.T) {
	var buf bytes.Buffer
	e := NewEvaluator(newTestLogger(&buf))

	p1, err := e.predicate("!read")
	if err != nil {
		t.Fatalf("predicate() error = %v", err)
	}
	p2, _ := e.predicate("!read")
	if p1 != p2 {
		t.Error("同じ式は再コンパイルせずキャッシュを使うべき")
	}
}

func TestEvaluator_Populate(t *testing.T) {
	var buf bytes.Buffer
	e := NewEvaluator(newTestLogger(&buf))

	source := newFeedWithArticles()
	unread := model.NewFeed(model.FeedFields{Title: "Unread", Query: "!read"})
	feeds := []*model.Feed{unread, source}

	e.Populate(feeds)

	got := unread.Articles()
	if len(got) != 1 || got[0].Identifier() != "1" {
		t.Fatalf("クエリフィードの記事 = %d件, want 1", len(got))
	}
	if got[0].Feed() != source {
		t.Error("クエリフィードに加えても記事の所属は変わらないべき")
	}
	if len(source.Articles()) != 2 {
		t.Errorf("元のフィードの記事 = %d件, want 2", len(source.Articles()))
	}
	if unread.Updated() {
		t.Error("クエリフィードへの追加で変更フラグを立ててはならない")
	}
}
