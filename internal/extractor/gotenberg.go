package extractor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// officeMIMEs maps office-document MIME types the Gotenberg LibreOffice
// route can convert to PDF.
var officeMIMEs = map[string]bool{
	"application/msword": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
	"application/vnd.ms-excel": true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": true,
	"application/vnd.ms-powerpoint":                                             true,
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": true,
	"application/vnd.oasis.opendocument.text":                                   true,
	"application/vnd.oasis.opendocument.spreadsheet":                            true,
	"application/vnd.oasis.opendocument.presentation":                           true,
	"application/rtf": true,
}

// officeExtensions covers uploads whose MIME type is a generic
// octet-stream but whose filename identifies an office format.
var officeExtensions = map[string]bool{
	".doc":  true,
	".docx": true,
	".xls":  true,
	".xlsx": true,
	".ppt":  true,
	".pptx": true,
	".odt":  true,
	".ods":  true,
	".odp":  true,
	".rtf":  true,
}

// GotenbergClient converts office documents to PDF through a Gotenberg
// service's LibreOffice route. It is safe for concurrent use.
type GotenbergClient struct {
	// baseURL is the Gotenberg server base URL (e.g. "http://localhost:3000").
	baseURL string
	// client is the shared HTTP client. Conversion of large documents can
	// take a while, so the timeout is generous.
	client *http.Client
}

// NewGotenbergClient constructs a client for the Gotenberg server at baseURL.
func NewGotenbergClient(baseURL string) *GotenbergClient {
	return &GotenbergClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

// NewGotenbergFromEnv returns a client when GOTENBERG_URL is set, nil
// otherwise. A nil client disables office-format support.
func NewGotenbergFromEnv() *GotenbergClient {
	url := os.Getenv("GOTENBERG_URL")
	if url == "" {
		return nil
	}
	return NewGotenbergClient(url)
}

// Supports reports whether the client can convert a document with the given
// MIME type or filename extension.
func (g *GotenbergClient) Supports(mimeType, filename string) bool {
	if officeMIMEs[mimeType] {
		return true
	}
	return officeExtensions[strings.ToLower(filepath.Ext(filename))]
}

// ConvertToPDF sends the document to the Gotenberg LibreOffice route and
// returns the converted PDF bytes.
func (g *GotenbergClient) ConvertToPDF(ctx context.Context, data []byte, filename string) ([]byte, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("files", filename)
	if err != nil {
		return nil, fmt.Errorf("gotenberg: create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("gotenberg: write form file: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("gotenberg: close form: %w", err)
	}

	url := g.baseURL + "/forms/libreoffice/convert"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return nil, fmt.Errorf("gotenberg: create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gotenberg: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("gotenberg: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	pdfBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("gotenberg: read response: %w", err)
	}
	return pdfBytes, nil
}
