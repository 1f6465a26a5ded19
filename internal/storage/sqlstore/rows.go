package sqlstore

import (
	"database/sql"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/hitoshi/feedsync/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type feedRow struct {
	ID            string `db:"id"`
	Title         string `db:"title"`
	URL           string `db:"url"`
	Summary       string `db:"summary"`
	Query         string `db:"query"`
	WaitPeriod    int    `db:"wait_period"`
	RemainingWait int    `db:"remaining_wait"`
	Image         []byte `db:"image"`
}

type tagRow struct {
	FeedID   string `db:"feed_id"`
	Position int    `db:"position"`
	Tag      string `db:"tag"`
}

type articleRow struct {
	ID                   string        `db:"id"`
	FeedID               string        `db:"feed_id"`
	Identifier           string        `db:"identifier"`
	Title                string        `db:"title"`
	Link                 string        `db:"link"`
	Summary              string        `db:"summary"`
	Authors              string        `db:"authors"`
	PublishedAt          int64         `db:"published_at"`
	UpdatedAt            sql.NullInt64 `db:"updated_at"`
	Content              string        `db:"content"`
	IsRead               bool          `db:"is_read"`
	EstimatedReadingTime int           `db:"estimated_reading_time"`
}

type flagRow struct {
	ArticleID string `db:"article_id"`
	Position  int    `db:"position"`
	Flag      string `db:"flag"`
}

type enclosureRow struct {
	ID        string `db:"id"`
	ArticleID string `db:"article_id"`
	Position  int    `db:"position"`
	URL       string `db:"url"`
	Kind      string `db:"kind"`
	Data      []byte `db:"data"`
}

type authorRecord struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

func newFeedRow(id string, f *model.Feed) feedRow {
	return feedRow{
		ID:            id,
		Title:         f.Title(),
		URL:           f.URL(),
		Summary:       f.Summary(),
		Query:         f.Query(),
		WaitPeriod:    f.WaitPeriod(),
		RemainingWait: f.RemainingWait(),
		Image:         f.Image(),
	}
}

func (r feedRow) fields(tags []string) model.FeedFields {
	return model.FeedFields{
		Title:         r.Title,
		URL:           r.URL,
		Summary:       r.Summary,
		Query:         r.Query,
		Tags:          tags,
		WaitPeriod:    r.WaitPeriod,
		RemainingWait: r.RemainingWait,
		Image:         r.Image,
	}
}

func newArticleRow(id, feedID string, a *model.Article) (articleRow, error) {
	authors, err := encodeAuthors(a.Authors())
	if err != nil {
		return articleRow{}, err
	}
	row := articleRow{
		ID:                   id,
		FeedID:               feedID,
		Identifier:           a.Identifier(),
		Title:                a.Title(),
		Link:                 a.Link(),
		Summary:              a.Summary(),
		Authors:              authors,
		PublishedAt:          toUnixNano(a.Published()),
		Content:              a.Content(),
		IsRead:               a.Read(),
		EstimatedReadingTime: a.EstimatedReadingTime(),
	}
	if t := a.UpdatedAt(); t != nil {
		row.UpdatedAt = sql.NullInt64{Int64: toUnixNano(*t), Valid: true}
	}
	return row, nil
}

func (r articleRow) fields(flags []string) (model.ArticleFields, error) {
	authors, err := decodeAuthors(r.Authors)
	if err != nil {
		return model.ArticleFields{}, err
	}
	fields := model.ArticleFields{
		Identifier:           r.Identifier,
		Title:                r.Title,
		Link:                 r.Link,
		Summary:              r.Summary,
		Authors:              authors,
		Published:            fromUnixNano(r.PublishedAt),
		Content:              r.Content,
		Read:                 r.IsRead,
		EstimatedReadingTime: r.EstimatedReadingTime,
		Flags:                flags,
	}
	if r.UpdatedAt.Valid {
		t := fromUnixNano(r.UpdatedAt.Int64)
		fields.UpdatedAt = &t
	}
	return fields, nil
}

func encodeAuthors(authors []model.Author) (string, error) {
	records := make([]authorRecord, 0, len(authors))
	for _, a := range authors {
		records = append(records, authorRecord{Name: a.Name, Email: a.Email})
	}
	b, err := json.Marshal(records)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeAuthors(s string) ([]model.Author, error) {
	if s == "" {
		return nil, nil
	}
	var records []authorRecord
	if err := json.Unmarshal([]byte(s), &records); err != nil {
		return nil, err
	}
	var authors []model.Author
	for _, r := range records {
		authors = append(authors, model.Author{Name: r.Name, Email: r.Email})
	}
	return authors, nil
}

func toUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
