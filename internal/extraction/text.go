package extraction

import (
	"context"
	"strings"
	"unicode/utf8"

	apperrors "github.com/aihub/docindex/internal/errors"
)

// TextParser 纯文本解析器，空行分段
type TextParser struct{}

func (p *TextParser) Formats() []string {
	return []string{"txt", "log"}
}

func (p *TextParser) Parse(_ context.Context, data []byte) ([]Block, error) {
	text, err := decodeUTF8("txt", data)
	if err != nil {
		return nil, err
	}
	var blocks []Block
	for _, para := range splitParagraphs(text) {
		blocks = append(blocks, Block{Kind: BlockParagraph, Text: para})
	}
	return blocks, nil
}

// MarkdownParser treats ATX headings as sections.
type MarkdownParser struct{}

func (p *MarkdownParser) Formats() []string {
	return []string{"md"}
}

func (p *MarkdownParser) Parse(_ context.Context, data []byte) ([]Block, error) {
	text, err := decodeUTF8("md", data)
	if err != nil {
		return nil, err
	}

	var (
		blocks  []Block
		current []string
		inFence bool
	)
	flush := func() {
		if len(current) > 0 {
			blocks = append(blocks, Block{Kind: BlockParagraph, Text: strings.Join(current, "\n")})
			current = current[:0]
		}
	}

	for _, line := range strings.Split(normalizeNewlines(text), "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			inFence = !inFence
			continue
		}
		if !inFence {
			if title, ok := headingTitle(trimmed); ok {
				flush()
				blocks = append(blocks, Block{Kind: BlockHeading, Text: title})
				continue
			}
			if trimmed == "" {
				flush()
				continue
			}
		}
		current = append(current, line)
	}
	flush()
	return blocks, nil
}

func headingTitle(line string) (string, bool) {
	level := 0
	for level < len(line) && line[level] == '#' {
		level++
	}
	if level == 0 || level > 6 {
		return "", false
	}
	rest := line[level:]
	if rest != "" && rest[0] != ' ' && rest[0] != '\t' {
		return "", false
	}
	title := strings.TrimSpace(strings.TrimRight(strings.TrimSpace(rest), "#"))
	return title, title != ""
}

func decodeUTF8(format string, data []byte) (string, error) {
	if !utf8.Valid(data) {
		return "", apperrors.NewPermanentFormatError(format, errInvalidUTF8)
	}
	return strings.TrimPrefix(string(data), "\ufeff"), nil
}

func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

func splitParagraphs(text string) []string {
	var (
		paras   []string
		current []string
	)
	for _, line := range strings.Split(normalizeNewlines(text), "\n") {
		if strings.TrimSpace(line) == "" {
			if len(current) > 0 {
				paras = append(paras, strings.Join(current, "\n"))
				current = current[:0]
			}
			continue
		}
		current = append(current, line)
	}
	if len(current) > 0 {
		paras = append(paras, strings.Join(current, "\n"))
	}
	return paras
}
