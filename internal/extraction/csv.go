package extraction

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"strings"

	apperrors "github.com/aihub/docindex/internal/errors"
)

var errInvalidUTF8 = errors.New("content is not valid UTF-8")

// CSVParser renders each row as "header: value" pairs so column names stay
// next to the values they describe.
type CSVParser struct{}

func (p *CSVParser) Formats() []string {
	return []string{"csv"}
}

func (p *CSVParser) Parse(ctx context.Context, data []byte) ([]Block, error) {
	text, err := decodeUTF8("csv", data)
	if err != nil {
		return nil, err
	}

	r := csv.NewReader(strings.NewReader(text))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	var (
		header []string
		rows   []string
	)
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, apperrors.NewPermanentFormatError("csv", err)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if header == nil {
			header = record
			continue
		}
		rows = append(rows, formatRow(header, record))
	}

	if len(header) > 0 && len(rows) == 0 {
		rows = append(rows, strings.Join(header, ", "))
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return []Block{{Kind: BlockParagraph, Text: strings.Join(rows, "\n")}}, nil
}

func formatRow(header, record []string) string {
	parts := make([]string, 0, len(record))
	for i, value := range record {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		if i < len(header) && strings.TrimSpace(header[i]) != "" {
			parts = append(parts, strings.TrimSpace(header[i])+": "+value)
		} else {
			parts = append(parts, value)
		}
	}
	return strings.Join(parts, "; ")
}
