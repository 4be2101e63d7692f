// Package ingestion turns uploaded files into indexed chunks: text
// extraction, LLM-driven chunking and entity extraction.
package ingestion

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/ledongthuc/pdf"
)

// maxCharsPerPage bounds the pseudo-pages plain text files are split into.
const maxCharsPerPage = 12000

// PageText is the extracted text of one page. Page numbers are 1-based.
type PageText struct {
	Page int
	Text string
}

// FullText joins pages the same way page offsets are computed, so chunk
// character positions line up.
func FullText(pages []PageText) string {
	parts := make([]string, len(pages))
	for i, p := range pages {
		parts[i] = p.Text
	}
	return strings.Join(parts, "\n\n")
}

// ExtractPDF extracts per-page text from a PDF. Pages that fail to render
// or come back empty are skipped.
func ExtractPDF(path string) ([]PageText, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open pdf: %w", err)
	}
	defer f.Close()

	var pages []PageText
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		if strings.TrimSpace(text) != "" {
			pages = append(pages, PageText{Page: i, Text: text})
		}
	}
	return pages, nil
}

var paragraphSplit = regexp.MustCompile(`\n\s*\n`)

// ExtractTextFile reads a plain text file and packs paragraphs into
// pseudo-pages so downstream windowing and page attribution work the same
// as for PDFs.
func ExtractTextFile(path string) ([]PageText, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return paginateText(string(raw)), nil
}

func paginateText(fullText string) []PageText {
	if strings.TrimSpace(fullText) == "" {
		return nil
	}

	paragraphs := paragraphSplit.Split(fullText, -1)
	var pages []PageText
	var current []string
	currentChars := 0
	pageNum := 1

	for _, para := range paragraphs {
		if len(current) > 0 && currentChars+len(para) > maxCharsPerPage {
			pages = append(pages, PageText{Page: pageNum, Text: strings.Join(current, "\n\n")})
			pageNum++
			current = nil
			currentChars = 0
		}
		current = append(current, para)
		currentChars += len(para)
	}
	if len(current) > 0 {
		pages = append(pages, PageText{Page: pageNum, Text: strings.Join(current, "\n\n")})
	}
	return pages
}

// Extract picks the extractor from the content type or filename extension.
func Extract(path, contentType, filename string) ([]PageText, error) {
	if contentType == "application/pdf" || strings.HasSuffix(strings.ToLower(filename), ".pdf") {
		return ExtractPDF(path)
	}
	return ExtractTextFile(path)
}
