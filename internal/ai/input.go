package ai

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/david/opportunity-oasis/internal/document"
	rpdf "rsc.io/pdf"
)

// modelInput is what stage 1 sends to the model for one document.
type modelInput struct {
	Text   string
	Images []string
}

var whitespaceRun = regexp.MustCompile(`[ \t\f\r]+`)
var blankLines = regexp.MustCompile(`\n{3,}`)

// prepareInput turns a decoded document into prompt text or an image
// attachment. Text is cut to maxChars runes.
func prepareInput(doc document.Document, maxChars int) (modelInput, error) {
	mimeType := doc.MIME
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return modelInput{Images: []string{base64.StdEncoding.EncodeToString(doc.Payload)}}, nil

	case mimeType == document.MIMEPDF:
		text, err := extractPDFText(doc.Payload)
		if err != nil {
			return modelInput{}, fmt.Errorf("pdf text extraction failed: %w", err)
		}
		text = collapseWhitespace(text)
		if text == "" {
			return modelInput{}, errors.New("pdf has no extractable text")
		}
		return modelInput{Text: truncate(text, maxChars)}, nil

	case mimeType == document.MIMEHTML:
		text, err := extractHTMLText(doc.Payload)
		if err != nil {
			return modelInput{}, fmt.Errorf("html text extraction failed: %w", err)
		}
		if text == "" {
			return modelInput{}, errors.New("html document has no visible text")
		}
		return modelInput{Text: truncate(text, maxChars)}, nil
	}

	if !utf8.Valid(doc.Payload) {
		return modelInput{}, fmt.Errorf("unsupported binary document type %q", mimeType)
	}
	text := strings.TrimSpace(string(doc.Payload))
	if text == "" {
		return modelInput{}, errors.New("document is empty")
	}
	return modelInput{Text: truncate(text, maxChars)}, nil
}

func extractPDFText(content []byte) (text string, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("pdf parser panic: %v", recovered)
			text = ""
		}
	}()

	reader, err := rpdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", err
	}

	var builder strings.Builder
	for pageIndex := 1; pageIndex <= reader.NumPage(); pageIndex++ {
		page := reader.Page(pageIndex)
		if page.V.IsNull() {
			continue
		}
		for _, fragment := range page.Content().Text {
			builder.WriteString(fragment.S)
			builder.WriteString(" ")
		}
		builder.WriteString("\n")
	}

	return builder.String(), nil
}

func extractHTMLText(content []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(content))
	if err != nil {
		return "", err
	}
	doc.Find("script, style, noscript, template, svg, head").Remove()

	var builder strings.Builder
	doc.Find("body").Each(func(_ int, sel *goquery.Selection) {
		sel.Find("p, li, div, td, th, h1, h2, h3, h4, h5, h6, br, tr").AfterHtml("\n")
		builder.WriteString(sel.Text())
	})
	if builder.Len() == 0 {
		builder.WriteString(doc.Text())
	}
	return collapseWhitespace(builder.String()), nil
}

func collapseWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(whitespaceRun.ReplaceAllString(line, " "))
	}
	return strings.TrimSpace(blankLines.ReplaceAllString(strings.Join(lines, "\n"), "\n\n"))
}
