package feed

import (
	"bytes"
	"mime"
	"net/url"
	"slices"
	"strings"

	"golang.org/x/net/html"
)

// FeedType はHTMLのlink要素で示されたフィードの種類。
type FeedType string

const (
	FeedTypeRSS  FeedType = "rss"
	FeedTypeAtom FeedType = "atom"
)

// Candidate はHTMLから検出されたフィード候補。
type Candidate struct {
	URL      string
	FeedType FeedType
	Title    string
}

var feedContentTypes = []string{
	"application/rss+xml",
	"application/atom+xml",
	"application/feed+json",
}

var xmlContentTypes = []string{
	"text/xml",
	"application/xml",
}

func mediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.TrimSpace(strings.Split(contentType, ";")[0])
	}
	return strings.ToLower(mt)
}

// IsDirectFeed はContent-Typeとボディからフィードかどうかを判定する。
// 汎用XMLの場合は先頭4KBにRSS/RDF/Atomのルート要素があるかを見る。
func IsDirectFeed(contentType string, body []byte) bool {
	mt := mediaType(contentType)
	if slices.Contains(feedContentTypes, mt) {
		return true
	}
	if !slices.Contains(xmlContentTypes, mt) || len(body) == 0 {
		return false
	}

	prefix := strings.ToLower(string(body[:min(len(body), 4096)]))
	if strings.Contains(prefix, "<rss") || strings.Contains(prefix, "<rdf:rdf") {
		return true
	}
	return strings.Contains(prefix, "<feed") && strings.Contains(prefix, "http://www.w3.org/2005/atom")
}

// IsHTML はContent-TypeがHTMLかを返す。
func IsHTML(contentType string) bool {
	return strings.Contains(mediaType(contentType), "html")
}

// DiscoverFeedLinks はHTMLのheadからrel="alternate"のRSS/Atomリンクを検出する。
// 相対URLはbaseURLを基準に解決する。
func DiscoverFeedLinks(body []byte, baseURL string) []Candidate {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil
	}

	var candidates []Candidate
	z := html.NewTokenizer(bytes.NewReader(body))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return candidates

		case html.EndTagToken:
			if name, _ := z.TagName(); string(name) == "head" {
				return candidates
			}

		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			if string(name) == "body" {
				return candidates
			}
			if string(name) != "link" || !hasAttr {
				continue
			}

			var rel, typ, href, title string
			for more := true; more; {
				var key, val []byte
				key, val, more = z.TagAttr()
				switch strings.ToLower(string(key)) {
				case "rel":
					rel = strings.ToLower(string(val))
				case "type":
					typ = strings.ToLower(string(val))
				case "href":
					href = string(val)
				case "title":
					title = string(val)
				}
			}
			if !slices.Contains(strings.Fields(rel), "alternate") || href == "" {
				continue
			}

			var ft FeedType
			switch typ {
			case "application/rss+xml":
				ft = FeedTypeRSS
			case "application/atom+xml":
				ft = FeedTypeAtom
			default:
				continue
			}

			if resolved := resolve(base, href); resolved != "" {
				candidates = append(candidates, Candidate{URL: resolved, FeedType: ft, Title: title})
			}
		}
	}
}

// ResolveURL はrefをbaseURLを基準に絶対URLへ解決する。
// refが空または解決できない場合はrefをそのまま返す。
func ResolveURL(baseURL, ref string) string {
	if ref == "" || baseURL == "" {
		return ref
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return ref
	}
	if resolved := resolve(base, ref); resolved != "" {
		return resolved
	}
	return ref
}

func resolve(base *url.URL, rawRef string) string {
	ref, err := url.Parse(strings.TrimSpace(rawRef))
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}

// SelectBestFeed は候補から1件を選ぶ。
// 同一ホスト、Atom、出現順の優先度で評価する。
func SelectBestFeed(candidates []Candidate, pageURL string) (Candidate, bool) {
	if len(candidates) == 0 {
		return Candidate{}, false
	}
	host := hostOf(pageURL)
	best, bestScore := 0, -1
	for i, c := range candidates {
		score := 0
		if hostOf(c.URL) == host {
			score += 100
		}
		if c.FeedType == FeedTypeAtom {
			score += 10
		}
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	return candidates[best], true
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
