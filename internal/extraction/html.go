package extraction

import (
	"bytes"
	"context"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	apperrors "github.com/aihub/docindex/internal/errors"
)

// HTMLParser keeps visible text, treating h1-h6 as section headings.
type HTMLParser struct{}

func (p *HTMLParser) Formats() []string {
	return []string{"html"}
}

func (p *HTMLParser) Parse(_ context.Context, data []byte) ([]Block, error) {
	root, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, apperrors.NewPermanentFormatError("html", err)
	}

	w := &htmlWalker{}
	w.walk(root)
	w.flush(BlockParagraph)
	return w.blocks, nil
}

type htmlWalker struct {
	blocks []Block
	buf    strings.Builder
}

func (w *htmlWalker) flush(kind BlockKind) {
	text := strings.TrimSpace(w.buf.String())
	w.buf.Reset()
	if text != "" {
		w.blocks = append(w.blocks, Block{Kind: kind, Text: text})
	}
}

func (w *htmlWalker) walk(n *html.Node) {
	switch n.Type {
	case html.TextNode:
		w.buf.WriteString(n.Data)
		return
	case html.ElementNode:
		switch n.DataAtom {
		case atom.Script, atom.Style, atom.Noscript, atom.Template, atom.Head:
			return
		case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
			w.flush(BlockParagraph)
			w.children(n)
			w.flush(BlockHeading)
			return
		case atom.Br:
			w.buf.WriteString("\n")
			return
		}
		if isBlockElement(n.DataAtom) {
			w.flush(BlockParagraph)
			w.children(n)
			w.flush(BlockParagraph)
			return
		}
	}
	w.children(n)
}

func (w *htmlWalker) children(n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		w.walk(c)
	}
}

func isBlockElement(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Li, atom.Ul, atom.Ol, atom.Tr, atom.Table,
		atom.Section, atom.Article, atom.Blockquote, atom.Pre, atom.Header,
		atom.Footer, atom.Main, atom.Nav, atom.Aside, atom.Dd, atom.Dt:
		return true
	}
	return false
}
