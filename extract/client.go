// Package extract calls the external PDF table extraction service. It
// returns the same rows/columns shape as the file ingestor so callers can
// treat PDF input like any other source.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/recon_backend/parser"
	"bitbucket.org/mmdatafocus/recon_backend/utils"
)

type Client struct {
	baseURL   string
	apiKey    string
	apiKeyHdr string
	http      *http.Client
}

func NewClient() (*Client, error) {
	baseURL := strings.TrimSpace(os.Getenv("EXTRACTOR_API_BASE_URL"))
	if baseURL == "" {
		return nil, errors.New("EXTRACTOR_API_BASE_URL is required")
	}
	apiKeyHeader := strings.TrimSpace(os.Getenv("EXTRACTOR_API_KEY_HEADER"))
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}

	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    strings.TrimSpace(os.Getenv("EXTRACTOR_API_KEY")),
		apiKeyHdr: apiKeyHeader,
		http:      &http.Client{Timeout: 120 * time.Second},
	}, nil
}

func Configured() bool {
	return strings.TrimSpace(os.Getenv("EXTRACTOR_API_BASE_URL")) != ""
}

type extractionResponse struct {
	Columns []struct {
		Key   string `json:"key"`
		Label string `json:"label"`
	} `json:"columns"`
	Rows     []map[string]string `json:"rows"`
	Warnings []string            `json:"warnings"`
}

// ExtractTables uploads a PDF and converts the service's reply into a
// ParsedFile. Zero extracted columns or rows is a warning, not an error:
// the caller still gets a usable empty result.
func (c *Client) ExtractTables(ctx context.Context, fileName string, data []byte, mode parser.ParseMode) (*parser.ParsedFile, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", fileName)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(data); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/extract-tables", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set(c.apiKeyHdr, c.apiKey)
	}
	// Forward the caller's token so the extractor can attribute usage
	// per tenant. The API key alone is enough to authenticate.
	if token, ok := utils.GetTokenFromContext(ctx); ok && token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("extractor api error %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var parsed extractionResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("malformed extractor response: %w", err)
	}

	return convertResponse(parsed, mode), nil
}

func convertResponse(resp extractionResponse, mode parser.ParseMode) *parser.ParsedFile {
	result := &parser.ParsedFile{Warnings: resp.Warnings}

	if len(resp.Columns) == 0 {
		result.Warnings = append(result.Warnings, "extraction returned no columns")
		return result
	}
	if len(resp.Rows) == 0 {
		result.Warnings = append(result.Warnings, "extraction returned no rows")
	}

	rows := resp.Rows
	if mode == parser.ParseModeSample && len(rows) > parser.SampleRowLimit {
		rows = rows[:parser.SampleRowLimit]
	}

	for _, col := range resp.Columns {
		samples := make([]string, 0, len(rows))
		for _, r := range rows {
			samples = append(samples, r[col.Key])
		}
		columnType, _ := parser.DetectColumnType(samples)

		sampleCap := len(samples)
		if sampleCap > 5 {
			sampleCap = 5
		}
		result.Columns = append(result.Columns, parser.DetectedColumn{
			Key:          col.Key,
			Label:        col.Label,
			Type:         columnType,
			SampleValues: samples[:sampleCap],
		})
	}
	result.Rows = rows
	result.RowCount = len(rows)
	return result
}
