package api

import (
	"net/http"
	"strings"

	"github.com/david/opportunity-oasis/internal/document"
	"github.com/david/opportunity-oasis/internal/models"
	"github.com/labstack/echo/v4"
)

// maxDocumentBytes caps a single uploaded document before encoding.
const maxDocumentBytes = 8 << 20

type extractResponse struct {
	DocumentURI  string              `json:"documentUri"`
	DocumentType models.DocumentType `json:"documentType"`
	Name         string              `json:"name"`
	Details      string              `json:"details"`
	Deadline     *string             `json:"deadline,omitempty"`
}

// handleExtract accepts a multipart "file" or a "text" form field, encodes it
// as a data URI and runs extraction. Nothing is stored; the client reviews the
// result and posts it to /opportunities.
func (s *Server) handleExtract(c echo.Context) error {
	uri, docType, err := s.readDocument(c)
	if err != nil {
		return s.respondError(c, err)
	}

	extraction, err := s.extractor.Extract(c.Request().Context(), uri)
	if err != nil {
		return s.respondError(c, err)
	}

	return c.JSON(http.StatusOK, extractResponse{
		DocumentURI:  uri,
		DocumentType: docType,
		Name:         extraction.Name,
		Details:      extraction.Details,
		Deadline:     extraction.Deadline,
	})
}

func (s *Server) readDocument(c echo.Context) (string, models.DocumentType, error) {
	if fh, err := c.FormFile("file"); err == nil {
		f, err := fh.Open()
		if err != nil {
			return "", "", err
		}
		defer f.Close()
		return document.EncodeReader(fh.Header.Get(echo.HeaderContentType), f, maxDocumentBytes)
	}

	text := strings.TrimSpace(c.FormValue("text"))
	if text == "" {
		return "", "", &models.ValidationError{Field: "file", Message: "upload a file or paste text"}
	}
	if len(text) > maxDocumentBytes {
		return "", "", &models.ValidationError{Field: "text", Message: "is too long"}
	}
	return document.EncodeText(text), models.DocumentText, nil
}
