package ingest

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

// ExtractionError indicates the source document could not be converted to
// text. Ingestion aborts and nothing is stored.
type ExtractionError struct {
	Format string
	Err    error
}

func (e *ExtractionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("extracting %s: unsupported or corrupt input", e.Format)
	}
	return fmt.Sprintf("extracting %s: %v", e.Format, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// ExtractText converts an uploaded document into plain text. The format is
// chosen by file extension: .pdf, .html/.htm, and plain text (.txt, .md, or
// no extension) are supported.
func ExtractText(filename string, data []byte) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".pdf":
		return extractPDF(data)
	case ".html", ".htm":
		return extractHTML(data)
	case ".txt", ".md", ".markdown", "":
		if !utf8.Valid(data) {
			return "", &ExtractionError{Format: "text", Err: fmt.Errorf("content is not valid UTF-8")}
		}
		return string(data), nil
	default:
		return "", &ExtractionError{Format: ext, Err: fmt.Errorf("unsupported format")}
	}
}

func extractPDF(data []byte) (text string, err error) {
	// The PDF parser panics on some malformed inputs; turn that into an
	// ExtractionError instead of taking the request down.
	defer func() {
		if r := recover(); r != nil {
			text = ""
			err = &ExtractionError{Format: "pdf", Err: fmt.Errorf("malformed document: %v", r)}
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", &ExtractionError{Format: "pdf", Err: err}
	}

	plain, err := reader.GetPlainText()
	if err != nil {
		return "", &ExtractionError{Format: "pdf", Err: err}
	}
	content, err := io.ReadAll(plain)
	if err != nil {
		return "", &ExtractionError{Format: "pdf", Err: err}
	}
	return string(content), nil
}

func extractHTML(data []byte) (string, error) {
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return "", &ExtractionError{Format: "html", Err: err}
	}

	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		if n.Type == html.TextNode {
			trimmed := strings.TrimSpace(n.Data)
			if trimmed != "" {
				if sb.Len() > 0 {
					sb.WriteString(" ")
				}
				sb.WriteString(trimmed)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return sb.String(), nil
}
