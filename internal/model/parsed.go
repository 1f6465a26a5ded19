package model

import "time"

// ParsedFeed はフィードドキュメントのパース結果を表す。
type ParsedFeed struct {
	Title       string
	Link        string
	FeedLink    string
	Description string
	ImageURL    string
	Items       []ParsedItem
}

// ParsedItem はフィードドキュメント内の1記事のパース結果を表す。
type ParsedItem struct {
	GUID        string
	Title       string
	Link        string
	Description string
	Content     string
	Published   *time.Time
	Updated     *time.Time
	Authors     []Author
	Enclosures  []ParsedEnclosure
}

// Identifier は記事の照合に使う識別子を返す。GUIDがなければリンクを使う。
func (p ParsedItem) Identifier() string {
	if p.GUID != "" {
		return p.GUID
	}
	return p.Link
}

// ParsedEnclosure はフィード記事の添付ファイル情報を表す。
type ParsedEnclosure struct {
	URL    string
	Length int64
	Type   string
}
