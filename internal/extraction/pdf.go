package extraction

import (
	"bytes"
	"context"

	"github.com/unidoc/unipdf/v3/extractor"
	"github.com/unidoc/unipdf/v3/model"

	apperrors "github.com/aihub/docindex/internal/errors"
)

// PDFParser PDF文件解析器，每页之前输出分页标记
type PDFParser struct{}

func (p *PDFParser) Formats() []string {
	return []string{"pdf"}
}

func (p *PDFParser) Parse(ctx context.Context, data []byte) ([]Block, error) {
	pdfReader, err := model.NewPdfReader(bytes.NewReader(data))
	if err != nil {
		return nil, apperrors.NewPermanentFormatError("pdf", err)
	}

	numPages, err := pdfReader.GetNumPages()
	if err != nil {
		return nil, apperrors.NewPermanentFormatError("pdf", err)
	}

	blocks := make([]Block, 0, numPages*2)
	for i := 1; i <= numPages; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		blocks = append(blocks, Block{Kind: BlockPageBreak})

		page, err := pdfReader.GetPage(i)
		if err != nil {
			return nil, apperrors.NewPermanentFormatError("pdf", err)
		}
		ex, err := extractor.New(page)
		if err != nil {
			return nil, err
		}
		text, err := ex.ExtractText()
		if err != nil {
			return nil, err
		}
		for _, para := range splitParagraphs(text) {
			blocks = append(blocks, Block{Kind: BlockParagraph, Text: para})
		}
	}
	return blocks, nil
}
