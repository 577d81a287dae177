// Package listing parses HTML directory indexes into file entries.
package listing

import (
	"fmt"
	"io"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/net/html"
)

// Entry is one remote file.
type Entry struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	// SizeExact is set when Size came from an exact byte count rather than a
	// rounded human value such as "4.2M".
	SizeExact bool `json:"size_exact"`
	// LastModified is normalized with FormatTime, or empty when unknown.
	LastModified string `json:"last_modified"`
}

// Listing is a parsed directory.
type Listing struct {
	Entries     []Entry
	Fingerprint string
}

var timeLayouts = []string{
	"02-Jan-2006 15:04:05",
	"02-Jan-2006 15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-Jan-02 15:04:05",
	"2006-Jan-02 15:04",
	"02 Jan 2006 15:04",
	time.RFC3339,
	time.RFC1123,
	time.RFC1123Z,
}

// ParseTime accepts the timestamp styles used by common directory indexes
// and HTTP headers. Zone-less values are taken as UTC.
func ParseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// FormatTime renders a timestamp in the normalized form stored in entries.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// NormalizeTime returns the normalized form of s, or s unchanged when it is
// not a recognized timestamp.
func NormalizeTime(s string) string {
	if t, ok := ParseTime(s); ok {
		return FormatTime(t)
	}
	return strings.TrimSpace(s)
}

// Parse reads an HTML directory index. Both the <pre> layout used by nginx
// and Apache autoindex and the <table> layout are understood; links without
// trailing metadata yield entries with unknown size. Parent, query and
// sub-directory links are skipped.
func Parse(r io.Reader) (*Listing, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse listing html: %w", err)
	}
	p := &parser{seen: make(map[string]struct{})}
	p.walk(doc)
	return &Listing{Entries: p.entries, Fingerprint: Newest(p.entries)}, nil
}

// Newest returns the latest LastModified among entries, or "".
func Newest(entries []Entry) string {
	var newest time.Time
	for _, e := range entries {
		if t, ok := ParseTime(e.LastModified); ok && t.After(newest) {
			newest = t
		}
	}
	if newest.IsZero() {
		return ""
	}
	return FormatTime(newest)
}

type parser struct {
	entries []Entry
	seen    map[string]struct{}
}

func (p *parser) walk(n *html.Node) {
	if n.Type == html.ElementNode {
		switch n.Data {
		case "tr":
			p.row(n)
			return
		case "pre":
			p.pre(n)
			return
		case "a":
			if name, ok := fileName(n); ok {
				p.add(Entry{Filename: name})
			}
			return
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		p.walk(c)
	}
}

func (p *parser) row(tr *html.Node) {
	var (
		name  string
		found bool
		cells []string
	)
	for td := tr.FirstChild; td != nil; td = td.NextSibling {
		if td.Type != html.ElementNode || (td.Data != "td" && td.Data != "th") {
			continue
		}
		if a := findAnchor(td); a != nil && !found {
			name, found = fileName(a)
			continue
		}
		cells = append(cells, strings.TrimSpace(text(td)))
	}
	if !found {
		return
	}
	e := Entry{Filename: name}
	for _, c := range cells {
		if t, ok := ParseTime(c); ok && e.LastModified == "" {
			e.LastModified = FormatTime(t)
			continue
		}
		if size, exact, ok := parseSize(c); ok && e.Size == 0 {
			e.Size, e.SizeExact = size, exact
		}
	}
	p.add(e)
}

func (p *parser) pre(pre *html.Node) {
	var (
		cur  *Entry
		tail strings.Builder
	)
	flush := func() {
		if cur == nil {
			return
		}
		applyTrailer(cur, tail.String())
		p.add(*cur)
		cur = nil
		tail.Reset()
	}
	for c := pre.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.Data == "a" {
			flush()
			if name, ok := fileName(c); ok {
				cur = &Entry{Filename: name}
			}
			continue
		}
		if cur != nil {
			tail.WriteString(text(c))
		}
	}
	flush()
}

// applyTrailer reads "date time size" text that follows a link.
func applyTrailer(e *Entry, s string) {
	line, _, _ := strings.Cut(strings.TrimLeft(s, " \t"), "\n")
	fields := strings.Fields(line)
	for i := 0; i+1 < len(fields); i++ {
		if t, ok := ParseTime(fields[i] + " " + fields[i+1]); ok {
			e.LastModified = FormatTime(t)
			fields = append(fields[:i:i], fields[i+2:]...)
			break
		}
	}
	if len(fields) == 0 {
		return
	}
	if size, exact, ok := parseSize(fields[len(fields)-1]); ok {
		e.Size, e.SizeExact = size, exact
	}
}

func (p *parser) add(e Entry) {
	if _, ok := p.seen[e.Filename]; ok {
		return
	}
	p.seen[e.Filename] = struct{}{}
	p.entries = append(p.entries, e)
}

func parseSize(s string) (int64, bool, bool) {
	s = strings.TrimSpace(s)
	if s == "" || s == "-" {
		return 0, false, false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil && n >= 0 {
		return n, true, true
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, false, false
	}
	return int64(n), false, true
}

func fileName(a *html.Node) (string, bool) {
	href := attr(a, "href")
	if href == "" || strings.HasPrefix(href, "?") || strings.HasPrefix(href, "#") {
		return "", false
	}
	u, err := url.Parse(href)
	if err != nil || u.RawQuery != "" {
		return "", false
	}
	p := u.EscapedPath()
	if p == "" || strings.HasSuffix(p, "/") {
		return "", false
	}
	name, err := url.PathUnescape(path.Base(p))
	if err != nil || name == "." || name == ".." || name == "/" {
		return "", false
	}
	return name, true
}

func findAnchor(n *html.Node) *html.Node {
	if n.Type == html.ElementNode && n.Data == "a" && attr(n, "href") != "" {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if a := findAnchor(c); a != nil {
			return a
		}
	}
	return nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func text(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(text(c))
	}
	return b.String()
}
