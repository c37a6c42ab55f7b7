package scrape

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/ledongthuc/pdf"
)

const (
	maxPDFBytes = 10 << 20 // 10MB download cap
	maxPDFText  = 100_000  // characters kept from the extracted text
)

// extractPDF downloads a linked PDF and returns its plain text, capped so a
// pathological document can't balloon the content store.
func (s *Scraper) extractPDF(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching pdf: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetching pdf: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPDFBytes))
	if err != nil {
		return "", fmt.Errorf("reading pdf body: %w", err)
	}

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}

	textReader, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting pdf text: %w", err)
	}
	text, err := io.ReadAll(io.LimitReader(textReader, maxPDFText))
	if err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}

	return collapseWhitespace(string(text)), nil
}
