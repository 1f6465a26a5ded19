package objectstore

import (
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/hitoshi/feedsync/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type feedRecord struct {
	ID            string   `json:"id"`
	Title         string   `json:"title,omitempty"`
	URL           string   `json:"url,omitempty"`
	Summary       string   `json:"summary,omitempty"`
	Query         string   `json:"query,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	WaitPeriod    int      `json:"waitPeriod"`
	RemainingWait int      `json:"remainingWait"`
	Image         []byte   `json:"image,omitempty"`
}

type articleRecord struct {
	ID                   string            `json:"id"`
	FeedID               string            `json:"feedId"`
	Identifier           string            `json:"identifier"`
	Title                string            `json:"title,omitempty"`
	Link                 string            `json:"link,omitempty"`
	Summary              string            `json:"summary,omitempty"`
	Authors              []authorRecord    `json:"authors,omitempty"`
	Published            time.Time         `json:"published"`
	UpdatedAt            *time.Time        `json:"updatedAt,omitempty"`
	Content              string            `json:"content,omitempty"`
	Read                 bool              `json:"read"`
	EstimatedReadingTime int               `json:"estimatedReadingTime"`
	Flags                []string          `json:"flags,omitempty"`
	Enclosures           []enclosureRecord `json:"enclosures,omitempty"`
}

type enclosureRecord struct {
	ID   string `json:"id"`
	URL  string `json:"url"`
	Kind string `json:"kind,omitempty"`
	Data []byte `json:"data,omitempty"`
}

type authorRecord struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

func newFeedRecord(id string, f *model.Feed) feedRecord {
	return feedRecord{
		ID:            id,
		Title:         f.Title(),
		URL:           f.URL(),
		Summary:       f.Summary(),
		Query:         f.Query(),
		Tags:          f.Tags(),
		WaitPeriod:    f.WaitPeriod(),
		RemainingWait: f.RemainingWait(),
		Image:         f.Image(),
	}
}

func (r feedRecord) fields() model.FeedFields {
	return model.FeedFields{
		Title:         r.Title,
		URL:           r.URL,
		Summary:       r.Summary,
		Query:         r.Query,
		Tags:          r.Tags,
		WaitPeriod:    r.WaitPeriod,
		RemainingWait: r.RemainingWait,
		Image:         r.Image,
	}
}

func newArticleRecord(id, feedID string, a *model.Article, enclosureID func(*model.Enclosure) string) articleRecord {
	r := articleRecord{
		ID:                   id,
		FeedID:               feedID,
		Identifier:           a.Identifier(),
		Title:                a.Title(),
		Link:                 a.Link(),
		Summary:              a.Summary(),
		Published:            a.Published(),
		UpdatedAt:            a.UpdatedAt(),
		Content:              a.Content(),
		Read:                 a.Read(),
		EstimatedReadingTime: a.EstimatedReadingTime(),
		Flags:                a.Flags(),
	}
	for _, au := range a.Authors() {
		r.Authors = append(r.Authors, authorRecord{Name: au.Name, Email: au.Email})
	}
	for _, e := range a.Enclosures() {
		r.Enclosures = append(r.Enclosures, enclosureRecord{
			ID:   enclosureID(e),
			URL:  e.URL(),
			Kind: e.Kind(),
			Data: e.Data(),
		})
	}
	return r
}

func (r articleRecord) restore() *model.Article {
	fields := model.ArticleFields{
		Identifier:           r.Identifier,
		Title:                r.Title,
		Link:                 r.Link,
		Summary:              r.Summary,
		Published:            r.Published,
		UpdatedAt:            r.UpdatedAt,
		Content:              r.Content,
		Read:                 r.Read,
		EstimatedReadingTime: r.EstimatedReadingTime,
		Flags:                r.Flags,
	}
	for _, au := range r.Authors {
		fields.Authors = append(fields.Authors, model.Author{Name: au.Name, Email: au.Email})
	}
	enclosures := make([]*model.Enclosure, 0, len(r.Enclosures))
	for _, e := range r.Enclosures {
		enclosures = append(enclosures, model.RestoreEnclosure(e.ID, model.EnclosureFields{URL: e.URL, Kind: e.Kind, Data: e.Data}))
	}
	return model.RestoreArticle(r.ID, r.FeedID, fields, enclosures)
}
