// Package extract turns a fetched HTML page into indexed text and an
// ordered sequence of outbound links whose offsets point into that text.
package extract

import (
	"bytes"
	"fmt"
	"iter"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/net/html/charset"

	"github.com/JakeFAU/crawlindex/internal/crawler"
	"github.com/JakeFAU/crawlindex/internal/urlnorm"
)

// Options controls a single extraction.
type Options struct {
	// RemoveNav drops nav, header and footer subtrees.
	RemoveNav bool
	// Normalize canonicalizes an absolute link target. It is called lazily
	// while the link sequence is consumed, so it may resolve the child
	// policy. Defaults to urlnorm.Normalize without params or fragment.
	Normalize func(absURL string) (string, error)
}

// Result is the outcome of Extract.
type Result struct {
	Text    string
	Title   string
	BaseURL string
	// Links yields outbound links in document order. Every range re-walks
	// the parsed tree, so the sequence can be consumed more than once.
	Links iter.Seq[crawler.ExtractedLink]
}

// Extract parses page and walks its DOM once for the text. Links are
// produced on demand.
func Extract(page crawler.Page, opts Options) (Result, error) {
	root, err := parse(page)
	if err != nil {
		return Result{}, err
	}
	if opts.Normalize == nil {
		opts.Normalize = func(u string) (string, error) { return urlnorm.Normalize(u, urlnorm.Options{}) }
	}
	doc := goquery.NewDocumentFromNode(root)
	base := baseURL(doc, page.URL)

	w := &walker{opts: opts, base: base}
	w.walkChildren(root)

	return Result{
		Text:    w.text.String(),
		Title:   strings.TrimSpace(doc.Find("title").First().Text()),
		BaseURL: base,
		Links: func(yield func(crawler.ExtractedLink) bool) {
			lw := &walker{opts: opts, base: base, yield: yield}
			lw.walkChildren(root)
		},
	}, nil
}

// CountLinks returns the number of anchors with a non-empty href. DETECT
// mode compares this count between a plain and a rendered fetch.
func CountLinks(page crawler.Page) (int, error) {
	root, err := parse(page)
	if err != nil {
		return 0, err
	}
	n := 0
	goquery.NewDocumentFromNode(root).Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		if href, _ := s.Attr("href"); strings.TrimSpace(href) != "" {
			n++
		}
	})
	return n, nil
}

func parse(page crawler.Page) (*html.Node, error) {
	contentType := page.Headers.Get("Content-Type")
	if contentType == "" {
		contentType = page.Mimetype
	}
	r, err := charset.NewReader(bytes.NewReader(page.Content), contentType)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", page.URL, err)
	}
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", page.URL, err)
	}
	return root, nil
}

func baseURL(doc *goquery.Document, pageURL string) string {
	href, ok := doc.Find("head base[href]").First().Attr("href")
	if !ok || strings.TrimSpace(href) == "" {
		return pageURL
	}
	abs, err := urlnorm.Resolve(pageURL, href, urlnorm.Options{KeepParams: true})
	if err != nil {
		return pageURL
	}
	return abs
}

var skipped = map[atom.Atom]bool{
	atom.Title:    true,
	atom.Script:   true,
	atom.Style:    true,
	atom.Template: true,
	atom.Noscript: true,
}

var navigation = map[atom.Atom]bool{
	atom.Nav:    true,
	atom.Header: true,
	atom.Footer: true,
}

var blocks = map[atom.Atom]bool{
	atom.Div: true,
	atom.P:   true,
	atom.Li:  true,
	atom.H1:  true,
	atom.H2:  true,
	atom.H3:  true,
	atom.H4:  true,
	atom.H5:  true,
	atom.H6:  true,
}

type walker struct {
	opts  Options
	base  string
	yield func(crawler.ExtractedLink) bool
	text  textBuffer

	position   int
	lastOffset int
	ordinal    int
	stopped    bool
}

func (w *walker) walkChildren(n *html.Node) {
	for c := n.FirstChild; c != nil && !w.stopped; c = c.NextSibling {
		w.walk(c)
	}
}

func (w *walker) walk(n *html.Node) {
	switch n.Type {
	case html.DoctypeNode, html.CommentNode:
		return
	case html.ElementNode:
		if skipped[n.DataAtom] || (w.opts.RemoveNav && navigation[n.DataAtom]) {
			return
		}
	}

	anchor := n.Type == html.ElementNode && n.DataAtom == atom.A
	if n.Type == html.TextNode || anchor {
		s := nodeText(n, false)
		if s != "" {
			w.text.separate()
		}
		if anchor {
			w.emit(n, s)
		}
		w.text.WriteString(s)
		if anchor {
			return
		}
	}

	w.walkChildren(n)

	if n.Type == html.ElementNode && blocks[n.DataAtom] {
		w.text.endBlock()
	}
}

func (w *walker) emit(n *html.Node, text string) {
	if w.yield == nil || w.stopped {
		return
	}
	href := strings.TrimSpace(attr(n, "href"))
	if href == "" {
		return
	}

	offset := w.text.Len()
	if w.position > 0 && offset == w.lastOffset {
		w.ordinal++
	} else {
		w.ordinal = 0
	}
	w.lastOffset = offset

	link := crawler.ExtractedLink{
		Raw:      href,
		Text:     text,
		Offset:   offset,
		Ordinal:  w.ordinal,
		Position: w.position,
	}
	w.position++

	if abs, err := urlnorm.Absolutize(w.base, href); err == nil {
		link.Raw = abs
		if urlnorm.Browsable(href) {
			if normalized, err := w.opts.Normalize(abs); err == nil {
				link.URL = normalized
			}
		}
	}
	if !w.yield(link) {
		w.stopped = true
	}
}

// nodeText returns the whitespace-trimmed text of a text node. Anchors,
// and every node below one, concatenate their children's text with single
// spaces.
func nodeText(n *html.Node, recurse bool) string {
	var s string
	if n.Type == html.TextNode {
		s = strings.Trim(n.Data, " \t\n\r")
	}
	if (recurse || (n.Type == html.ElementNode && n.DataAtom == atom.A)) && n.Type == html.ElementNode {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.CommentNode {
				continue
			}
			cs := nodeText(c, true)
			if cs == "" {
				continue
			}
			if s != "" {
				s += " "
			}
			s += cs
		}
	}
	return s
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val
		}
	}
	return ""
}

// textBuffer accumulates extracted text and tracks its last byte for the
// separator rules.
type textBuffer struct {
	strings.Builder
}

func (b *textBuffer) last() byte {
	s := b.String()
	if s == "" {
		return 0
	}
	return s[len(s)-1]
}

// separate appends a space unless the text is empty or already ends in
// whitespace.
func (b *textBuffer) separate() {
	if last := b.last(); last != 0 && last != ' ' && last != '\n' {
		b.WriteByte(' ')
	}
}

// endBlock terminates a block element with a newline, replacing a trailing
// space.
func (b *textBuffer) endBlock() {
	s := b.String()
	switch {
	case s == "":
	case s[len(s)-1] == ' ':
		b.Reset()
		b.WriteString(s[:len(s)-1])
		b.WriteByte('\n')
	case s[len(s)-1] != '\n':
		b.WriteByte('\n')
	}
}
