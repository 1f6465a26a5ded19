package feed

import (
	"bytes"
	"errors"
	"strconv"
	"strings"

	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/feedsync/internal/model"
)

// Parser はRSS/Atom/JSON Feedをパースする。
type Parser struct{}

// NewParser はParserを生成する。
func NewParser() *Parser {
	return &Parser{}
}

// Parse はドキュメントをパースする。失敗した場合はKindParseのSyncErrorを返す。
// sourceはエラーメッセージに使う取得元。
func (p *Parser) Parse(body []byte, source string) (*model.ParsedFeed, error) {
	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, model.NewParseError(source, err)
	}

	out := &model.ParsedFeed{
		Title:       strings.TrimSpace(parsed.Title),
		Link:        parsed.Link,
		FeedLink:    parsed.FeedLink,
		Description: parsed.Description,
		Items:       convertItems(parsed.Items),
	}
	if parsed.Image != nil {
		out.ImageURL = parsed.Image.URL
	}
	return out, nil
}

// IsFeed はドキュメントがgofeedで解釈できるフィード形式かを返す。
func IsFeed(body []byte) bool {
	return gofeed.DetectFeedType(bytes.NewReader(body)) != gofeed.FeedTypeUnknown
}

// IsNotFeed はParseのエラーが形式の判別失敗によるものかを返す。
func IsNotFeed(err error) bool {
	return errors.Is(err, gofeed.ErrFeedTypeNotDetected)
}

func convertItems(items []*gofeed.Item) []model.ParsedItem {
	out := make([]model.ParsedItem, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}

		parsed := model.ParsedItem{
			GUID:        item.GUID,
			Title:       strings.TrimSpace(item.Title),
			Link:        item.Link,
			Description: item.Description,
			Content:     item.Content,
			Published:   item.PublishedParsed,
			Updated:     item.UpdatedParsed,
		}
		if parsed.Published == nil {
			parsed.Published = item.UpdatedParsed
		}

		for _, a := range item.Authors {
			if a != nil && (a.Name != "" || a.Email != "") {
				parsed.Authors = append(parsed.Authors, model.Author{Name: a.Name, Email: a.Email})
			}
		}

		for _, e := range item.Enclosures {
			if e == nil || e.URL == "" {
				continue
			}
			length, _ := strconv.ParseInt(e.Length, 10, 64)
			parsed.Enclosures = append(parsed.Enclosures, model.ParsedEnclosure{
				URL:    e.URL,
				Length: length,
				Type:   e.Type,
			})
		}

		// リンクがなくGUIDがURLならGUIDをリンクとして使う
		if parsed.Link == "" && (strings.HasPrefix(parsed.GUID, "http://") || strings.HasPrefix(parsed.GUID, "https://")) {
			parsed.Link = parsed.GUID
		}

		out = append(out, parsed)
	}
	return out
}
