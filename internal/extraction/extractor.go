package extraction

import (
	"context"
	"mime"
	"path/filepath"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	apperrors "github.com/aihub/docindex/internal/errors"
	"github.com/aihub/docindex/internal/models"
)

// BlockKind 解析器输出的块类型
type BlockKind int

const (
	BlockParagraph BlockKind = iota
	BlockHeading
	BlockPageBreak
)

// Block is one structural unit produced by a parser before normalization.
type Block struct {
	Kind BlockKind
	Text string
}

// Parser 文件解析器接口
type Parser interface {
	// Formats lists the canonical format names the parser handles.
	Formats() []string
	Parse(ctx context.Context, data []byte) ([]Block, error)
}

// Result 提取结果
type Result struct {
	Format    string
	Text      string
	Structure models.Structure
}

// Extractor picks a parser by format hint and normalizes its output.
type Extractor struct {
	parsers map[string]Parser
}

// NewExtractor 创建提取器，默认注册所有内置解析器
func NewExtractor(parsers ...Parser) *Extractor {
	if len(parsers) == 0 {
		parsers = []Parser{
			&TextParser{},
			&MarkdownParser{},
			&CSVParser{},
			&HTMLParser{},
			&PDFParser{},
			&WordParser{},
			&ExcelParser{},
		}
	}
	e := &Extractor{parsers: make(map[string]Parser)}
	for _, p := range parsers {
		for _, f := range p.Formats() {
			e.parsers[f] = p
		}
	}
	return e
}

// SupportedFormats 获取支持的格式
func (e *Extractor) SupportedFormats() []string {
	formats := make([]string, 0, len(e.parsers))
	for f := range e.parsers {
		formats = append(formats, f)
	}
	sort.Strings(formats)
	return formats
}

// Extract parses data according to hint (extension, file name or MIME type).
// Identical input always yields identical output.
func (e *Extractor) Extract(ctx context.Context, data []byte, hint string) (*Result, error) {
	format := ResolveFormat(hint)
	parser, ok := e.parsers[format]
	if !ok {
		return nil, apperrors.NewUnsupportedFormatError(hint)
	}
	if err := ctx.Err(); err != nil {
		return nil, apperrors.NewExtractionError(format, err)
	}

	blocks, err := parser.Parse(ctx, data)
	if err != nil {
		var appErr *apperrors.AppError
		if apperrors.As(err, &appErr) {
			return nil, err
		}
		return nil, apperrors.NewExtractionError(format, err)
	}

	text, structure := Normalize(blocks)
	return &Result{Format: format, Text: text, Structure: structure}, nil
}

var mimeFormats = map[string]string{
	"text/plain":            "txt",
	"text/markdown":         "md",
	"text/x-markdown":       "md",
	"text/csv":              "csv",
	"text/html":             "html",
	"application/xhtml+xml": "html",
	"application/pdf":       "pdf",

	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": "docx",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":       "xlsx",
}

var aliases = map[string]string{
	"text":     "txt",
	"markdown": "md",
	"htm":      "html",
}

// ResolveFormat maps a format hint to a canonical format name.
func ResolveFormat(hint string) string {
	h := strings.ToLower(strings.TrimSpace(hint))
	if h == "" {
		return ""
	}
	if strings.Contains(h, "/") {
		if mt, _, err := mime.ParseMediaType(h); err == nil {
			if f, ok := mimeFormats[mt]; ok {
				return f
			}
		}
	}
	if ext := filepath.Ext(h); ext != "" {
		h = ext
	}
	h = strings.TrimPrefix(h, ".")
	if a, ok := aliases[h]; ok {
		return a
	}
	return h
}

// Normalize joins parser blocks into the canonical text: NFC, LF line
// endings, whitespace runs collapsed within lines, empty lines dropped,
// paragraphs separated by one blank line. Section and page offsets are
// rune offsets into the returned text.
func Normalize(blocks []Block) (string, models.Structure) {
	var (
		b         strings.Builder
		structure models.Structure
		offset    int
		pages     int
	)

	for _, block := range blocks {
		if block.Kind == BlockPageBreak {
			pages++
			continue
		}
		text := normalizeBlock(block.Text)
		if text == "" {
			continue
		}
		if offset > 0 {
			b.WriteString("\n\n")
			offset += 2
		}
		// empty pages share the offset of the next page with text
		for ; pages > 0; pages-- {
			structure.PageStarts = append(structure.PageStarts, offset)
		}
		if block.Kind == BlockHeading {
			structure.Sections = append(structure.Sections, models.Section{Title: text, Start: offset})
		}
		b.WriteString(text)
		offset += utf8.RuneCountInString(text)
	}
	return b.String(), structure
}

func normalizeBlock(s string) string {
	s = norm.NFC.String(s)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")

	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, line := range lines {
		if line = collapseSpaces(line); line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

func collapseSpaces(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	prevSpace := false
	for _, r := range s {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) {
			if !prevSpace {
				b.WriteByte(' ')
				prevSpace = true
			}
			continue
		}
		b.WriteRune(r)
		prevSpace = false
	}
	return strings.TrimSpace(b.String())
}
