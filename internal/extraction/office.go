package extraction

import (
	"bytes"
	"context"
	"strings"

	"github.com/unidoc/unioffice/document"
	"github.com/unidoc/unioffice/spreadsheet"

	apperrors "github.com/aihub/docindex/internal/errors"
)

// WordParser Word文档解析器（仅支持.docx）
type WordParser struct{}

func (p *WordParser) Formats() []string {
	return []string{"docx"}
}

func (p *WordParser) Parse(ctx context.Context, data []byte) ([]Block, error) {
	doc, err := document.Read(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, apperrors.NewPermanentFormatError("docx", err)
	}
	defer doc.Close()

	var blocks []Block
	for _, para := range doc.Paragraphs() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var b strings.Builder
		for _, run := range para.Runs() {
			b.WriteString(run.Text())
		}
		kind := BlockParagraph
		style := strings.ToLower(para.Style())
		if strings.HasPrefix(style, "heading") || style == "title" {
			kind = BlockHeading
		}
		blocks = append(blocks, Block{Kind: kind, Text: b.String()})
	}
	return blocks, nil
}

// ExcelParser Excel文件解析器（仅支持.xlsx），每个工作表作为一个章节
type ExcelParser struct{}

func (p *ExcelParser) Formats() []string {
	return []string{"xlsx"}
}

func (p *ExcelParser) Parse(ctx context.Context, data []byte) ([]Block, error) {
	ss, err := spreadsheet.Read(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, apperrors.NewPermanentFormatError("xlsx", err)
	}
	defer ss.Close()

	var blocks []Block
	for _, sheet := range ss.Sheets() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		blocks = append(blocks, Block{Kind: BlockHeading, Text: sheet.Name()})

		var rows []string
		for _, row := range sheet.Rows() {
			var cells []string
			for _, cell := range row.Cells() {
				if v := strings.TrimSpace(cell.GetString()); v != "" {
					cells = append(cells, v)
				}
			}
			if len(cells) > 0 {
				rows = append(rows, strings.Join(cells, "\t"))
			}
		}
		blocks = append(blocks, Block{Kind: BlockParagraph, Text: strings.Join(rows, "\n")})
	}
	return blocks, nil
}
