package parser

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"
)

type ParseMode string

const (
	// ParseModeSample caps the result at SampleRowLimit rows. Used by the
	// analysis endpoints that only need a preview for type detection and
	// mapping suggestions.
	ParseModeSample ParseMode = "sample"
	ParseModeFull   ParseMode = "full"
)

const SampleRowLimit = 40

type DetectedColumn struct {
	Key          string     `json:"key"`
	Label        string     `json:"label"`
	Type         ColumnType `json:"type"`
	SampleValues []string   `json:"sampleValues"`
}

// ParsedFile is the common result shape for every ingestion source,
// including the external PDF extractor. Rows hold raw text keyed by the
// slugified column key; typing happens later against the run's config.
type ParsedFile struct {
	Columns  []DetectedColumn    `json:"columns"`
	Rows     []map[string]string `json:"rows"`
	RowCount int                 `json:"rowCount"`
	Warnings []string            `json:"warnings"`
}

// ParseFile parses an uploaded delimited or spreadsheet file. The first row
// is headers; labels are slugified into stable unique keys. A structurally
// empty file yields a usable empty result with warnings, not an error.
// PDF input is not handled here; callers delegate it to the extraction
// collaborator which returns the same shape.
func ParseFile(data []byte, filename string, mode ParseMode) (*ParsedFile, error) {
	ext := strings.ToLower(fileExtension(filename))
	switch ext {
	case "xlsx", "xls":
		return parseWorkbook(data, mode)
	case "csv", "tsv", "txt", "":
		return parseDelimited(data, ext, mode)
	default:
		return nil, fmt.Errorf("unsupported file type: .%s", ext)
	}
}

func fileExtension(filename string) string {
	idx := strings.LastIndex(filename, ".")
	if idx < 0 {
		return ""
	}
	return filename[idx+1:]
}

func parseDelimited(data []byte, ext string, mode ParseMode) (*ParsedFile, error) {
	delimiter := sniffDelimiter(data, ext)

	reader := csv.NewReader(bytes.NewReader(data))
	reader.Comma = delimiter
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	var records [][]string
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("malformed delimited file: %w", err)
		}
		records = append(records, record)
	}

	return assembleParsedFile(records, mode)
}

// sniffDelimiter picks tab or comma. Extension wins when it is explicit;
// otherwise the header line votes.
func sniffDelimiter(data []byte, ext string) rune {
	switch ext {
	case "tsv":
		return '\t'
	case "csv":
		return ','
	}
	header := data
	if idx := bytes.IndexByte(data, '\n'); idx >= 0 {
		header = data[:idx]
	}
	if bytes.Count(header, []byte{'\t'}) > bytes.Count(header, []byte{','}) {
		return '\t'
	}
	return ','
}

func parseWorkbook(data []byte, mode ParseMode) (*ParsedFile, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("cannot open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return &ParsedFile{Warnings: []string{"workbook has no sheets"}}, nil
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("cannot read sheet %q: %w", sheets[0], err)
	}

	return assembleParsedFile(rows, mode)
}

func assembleParsedFile(records [][]string, mode ParseMode) (*ParsedFile, error) {
	result := &ParsedFile{}

	if len(records) == 0 {
		result.Warnings = append(result.Warnings, "file is empty")
		return result, nil
	}

	headers := records[0]
	keys := SlugifyHeaders(headers)

	hasHeader := false
	for _, h := range headers {
		if strings.TrimSpace(h) != "" {
			hasHeader = true
			break
		}
	}
	if !hasHeader {
		result.Warnings = append(result.Warnings, "header row is blank")
	}

	dataRows := records[1:]
	if len(dataRows) == 0 {
		result.Warnings = append(result.Warnings, "file has headers but no data rows")
	}

	rowLimit := len(dataRows)
	if mode == ParseModeSample && rowLimit > SampleRowLimit {
		rowLimit = SampleRowLimit
	}

	blankColumns := 0
	result.Columns = make([]DetectedColumn, 0, len(keys))
	for colIdx, key := range keys {
		samples := make([]string, 0, rowLimit)
		for rowIdx := 0; rowIdx < rowLimit; rowIdx++ {
			samples = append(samples, cellAt(dataRows[rowIdx], colIdx))
		}
		columnType, _ := DetectColumnType(samples)

		allBlank := true
		for _, s := range samples {
			if strings.TrimSpace(s) != "" {
				allBlank = false
				break
			}
		}
		if allBlank && len(dataRows) > 0 {
			blankColumns++
		}

		sampleCap := len(samples)
		if sampleCap > 5 {
			sampleCap = 5
		}
		result.Columns = append(result.Columns, DetectedColumn{
			Key:          key,
			Label:        strings.TrimSpace(cellAt(headers, colIdx)),
			Type:         columnType,
			SampleValues: samples[:sampleCap],
		})
	}
	if blankColumns > 0 {
		result.Warnings = append(result.Warnings, fmt.Sprintf("%d column(s) contain no data", blankColumns))
	}

	result.Rows = make([]map[string]string, 0, rowLimit)
	for rowIdx := 0; rowIdx < rowLimit; rowIdx++ {
		row := make(map[string]string, len(keys))
		for colIdx, key := range keys {
			row[key] = cellAt(dataRows[rowIdx], colIdx)
		}
		result.Rows = append(result.Rows, row)
	}
	result.RowCount = len(result.Rows)

	return result, nil
}

func cellAt(record []string, idx int) string {
	if idx >= len(record) {
		return ""
	}
	return record[idx]
}

// SlugifyHeaders converts header labels into stable unique snake_case keys.
// Blank labels become column_N by position; duplicate slugs get _2, _3
// suffixes in encounter order.
func SlugifyHeaders(headers []string) []string {
	keys := make([]string, 0, len(headers))
	seen := map[string]int{}

	for idx, label := range headers {
		slug := slugify(label)
		if slug == "" {
			slug = fmt.Sprintf("column_%d", idx+1)
		}

		seen[slug]++
		if seen[slug] > 1 {
			slug = fmt.Sprintf("%s_%d", slug, seen[slug])
			// The suffixed form could itself collide with a literal header.
			seen[slug]++
		}
		keys = append(keys, slug)
	}
	return keys
}

func slugify(label string) string {
	var b strings.Builder
	lastUnderscore := true
	for _, r := range strings.ToLower(strings.TrimSpace(label)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.TrimRight(b.String(), "_")
}
