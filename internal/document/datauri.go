// Package document turns uploaded files and pasted text into self-describing
// data URIs and back.
package document

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/david/opportunity-oasis/internal/models"
)

const (
	MIMEText = "text/plain"
	MIMEPDF  = "application/pdf"
	MIMEHTML = "text/html"
)

var ErrInvalidDataURI = errors.New("invalid data uri")

// Document is a decoded data URI.
type Document struct {
	MIME    string
	Payload []byte
}

// Type classifies the document into the persisted enumeration.
func (d Document) Type() models.DocumentType {
	return TypeForMIME(d.MIME)
}

// Encode renders data as data:<mime>;base64,<payload>. An empty mime type is
// sniffed from the content.
func Encode(mimeType string, data []byte) string {
	mimeType = canonicalMIME(mimeType)
	if mimeType == "" {
		mimeType = canonicalMIME(http.DetectContentType(data))
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// EncodeText wraps pasted text as a text/plain data URI.
func EncodeText(text string) string {
	return Encode(MIMEText, []byte(text))
}

// EncodeReader reads r fully, refusing inputs larger than limit bytes.
func EncodeReader(mimeType string, r io.Reader, limit int64) (string, models.DocumentType, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return "", "", fmt.Errorf("read document: %w", err)
	}
	if int64(len(data)) > limit {
		return "", "", &models.ValidationError{Field: "file", Message: fmt.Sprintf("must be at most %d bytes", limit)}
	}
	if len(data) == 0 {
		return "", "", &models.ValidationError{Field: "file", Message: "is empty"}
	}

	mimeType = canonicalMIME(mimeType)
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = canonicalMIME(http.DetectContentType(data))
	}
	return Encode(mimeType, data), TypeForMIME(mimeType), nil
}

// Parse decodes a base64 data URI.
func Parse(uri string) (Document, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(uri), "data:")
	if !ok {
		return Document{}, fmt.Errorf("%w: missing data: scheme", ErrInvalidDataURI)
	}
	header, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return Document{}, fmt.Errorf("%w: missing payload separator", ErrInvalidDataURI)
	}
	mediaType, isBase64 := strings.CutSuffix(header, ";base64")
	if !isBase64 {
		return Document{}, fmt.Errorf("%w: only base64 payloads are supported", ErrInvalidDataURI)
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrInvalidDataURI, err)
	}
	return Document{MIME: canonicalMIME(mediaType), Payload: data}, nil
}

// TypeForMIME maps a MIME type to a document type.
func TypeForMIME(mimeType string) models.DocumentType {
	mimeType = canonicalMIME(mimeType)
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return models.DocumentImage
	case mimeType == MIMEPDF:
		return models.DocumentPDF
	case strings.HasPrefix(mimeType, "text/"):
		return models.DocumentText
	default:
		return models.DocumentUnknown
	}
}

// canonicalMIME drops parameters such as charset and lower-cases the type.
func canonicalMIME(mimeType string) string {
	mimeType = strings.TrimSpace(mimeType)
	if mimeType == "" {
		return ""
	}
	if mt, _, err := mime.ParseMediaType(mimeType); err == nil {
		return mt
	}
	base, _, _ := strings.Cut(mimeType, ";")
	return strings.ToLower(strings.TrimSpace(base))
}
