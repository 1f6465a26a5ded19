// Package opml はOPMLドキュメントの読み書きとフィード一覧のエクスポートを提供する。
package opml

import (
	"encoding/xml"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/hitoshi/feedsync/internal/model"
)

// outlineTypeQuery はクエリフィードを表すoutlineのtype属性値。
const outlineTypeQuery = "query"

// Document はOPMLドキュメントのルート要素。
type Document struct {
	XMLName xml.Name `xml:"opml"`
	Version string   `xml:"version,attr"`
	Head    Head     `xml:"head"`
	Body    Body     `xml:"body"`
}

// Head はOPMLのメタデータ。
type Head struct {
	Title string `xml:"title,omitempty"`
}

// Body はoutlineの一覧。
type Body struct {
	Outlines []Outline `xml:"outline"`
}

// Outline はフィードまたはフォルダを表すoutline要素。
// クエリフィードでは要素の本文にクエリ式が入る。
type Outline struct {
	Text     string    `xml:"text,attr,omitempty"`
	Title    string    `xml:"title,attr,omitempty"`
	Type     string    `xml:"type,attr,omitempty"`
	XMLURL   string    `xml:"xmlUrl,attr,omitempty"`
	HTMLURL  string    `xml:"htmlUrl,attr,omitempty"`
	Tags     string    `xml:"tags,attr,omitempty"`
	Script   string    `xml:",chardata"`
	Outlines []Outline `xml:"outline,omitempty"`
}

// Entry はOPMLから読み出した1件のフィード。
type Entry struct {
	Title string
	URL   string
	Query string
	Tags  []string
}

// IsQuery はクエリフィードのエントリかを返す。
func (e Entry) IsQuery() bool { return e.Query != "" }

// Fields はエントリからフィードの属性を組み立てる。
func (e Entry) Fields() model.FeedFields {
	return model.FeedFields{
		Title: e.Title,
		URL:   e.URL,
		Query: e.Query,
		Tags:  e.Tags,
	}
}

// Parse はOPMLドキュメントを読み、フィードのエントリを平坦化して返す。
// フォルダ（xmlUrlを持たず子outlineを持つ要素）の名前はタグとして子に引き継ぐ。
func Parse(r io.Reader) ([]Entry, error) {
	var doc Document
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode opml: %w", err)
	}

	var entries []Entry
	var walk func(outlines []Outline, folders []string)
	walk = func(outlines []Outline, folders []string) {
		for _, o := range outlines {
			title := o.Title
			if title == "" {
				title = o.Text
			}
			switch {
			case o.Type == outlineTypeQuery:
				script := strings.TrimSpace(o.Script)
				if script == "" {
					continue
				}
				entries = append(entries, Entry{Title: title, Query: script, Tags: mergeTags(folders, o.Tags)})
			case o.XMLURL != "":
				entries = append(entries, Entry{Title: title, URL: strings.TrimSpace(o.XMLURL), Tags: mergeTags(folders, o.Tags)})
			case len(o.Outlines) > 0:
				walk(o.Outlines, append(folders[:len(folders):len(folders)], title))
			}
		}
	}
	walk(doc.Body.Outlines, nil)
	return entries, nil
}

// splitTags はカンマ区切りのタグ属性を分解する。
func splitTags(attr string) []string {
	var tags []string
	for t := range strings.SplitSeq(attr, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

func mergeTags(folders []string, attr string) []string {
	tags := splitTags(attr)
	for _, f := range folders {
		if f != "" && !slices.Contains(tags, f) {
			tags = append(tags, f)
		}
	}
	return tags
}

// Export はフィード一覧をOPMLドキュメントに変換する。
// ネットワークフィードはtype="rss"、クエリフィードはtype="query"として書き出し、
// URLもクエリも持たないスタブは含めない。
func Export(title string, feeds []*model.Feed) ([]byte, error) {
	doc := Document{
		Version: "2.0",
		Head:    Head{Title: title},
	}
	for _, f := range feeds {
		o := Outline{
			Text:  f.DisplayTitle(),
			Title: f.Title(),
			Tags:  strings.Join(f.Tags(), ","),
		}
		switch {
		case f.IsQueryFeed():
			o.Type = outlineTypeQuery
			o.Script = f.Query()
		case f.IsNetworkFeed():
			o.Type = "rss"
			o.XMLURL = f.URL()
		default:
			continue
		}
		doc.Body.Outlines = append(doc.Body.Outlines, o)
	}

	output, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode opml: %w", err)
	}
	return append([]byte(xml.Header), output...), nil
}
