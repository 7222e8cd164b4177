package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DocumentType is the closed set of source document kinds. The database
// enforces the same set with a CHECK constraint.
type DocumentType string

const (
	DocumentImage   DocumentType = "image"
	DocumentPDF     DocumentType = "pdf"
	DocumentText    DocumentType = "text"
	DocumentUnknown DocumentType = "unknown"
)

func (t DocumentType) Valid() bool {
	switch t {
	case DocumentImage, DocumentPDF, DocumentText, DocumentUnknown:
		return true
	}
	return false
}

// DateLayout is the wire and storage format of a deadline.
const DateLayout = "2006-01-02"

const maxNameLength = 255

type Opportunity struct {
	ID           int64        `json:"id"`
	Name         string       `json:"name"`
	Details      string       `json:"details"`
	Deadline     *string      `json:"deadline,omitempty"` // YYYY-MM-DD, nil for rolling deadlines
	DocumentURI  string       `json:"documentUri"`
	DocumentType DocumentType `json:"documentType"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Draft is a reviewed extraction ready to be persisted.
type Draft struct {
	Name         string       `json:"name"`
	Details      string       `json:"details"`
	Deadline     *string      `json:"deadline,omitempty"`
	DocumentURI  string       `json:"documentUri"`
	DocumentType DocumentType `json:"documentType"`
}

// Patch carries the fields of a partial update. A nil field is left untouched;
// a Deadline pointing at an empty string clears the deadline.
type Patch struct {
	Name         *string       `json:"name,omitempty"`
	Details      *string       `json:"details,omitempty"`
	Deadline     *string       `json:"deadline,omitempty"`
	DocumentURI  *string       `json:"documentUri,omitempty"`
	DocumentType *DocumentType `json:"documentType,omitempty"`
}

// ErrEmptyPatch is returned when an update names no fields at all.
var ErrEmptyPatch = errors.New("no fields to update")

// ValidationError reports a malformed or missing input field. It is always
// safe to show to the user.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve) || errors.Is(err, ErrEmptyPatch)
}

// NormalizeDeadline trims the value and maps blank input to nil so an empty
// string never reaches storage. Non-blank values must be full calendar dates.
func NormalizeDeadline(deadline *string) (*string, error) {
	if deadline == nil {
		return nil, nil
	}
	value := strings.TrimSpace(*deadline)
	if value == "" {
		return nil, nil
	}
	parsed, err := time.Parse(DateLayout, value)
	if err != nil {
		return nil, invalid("deadline", "must be a calendar date in YYYY-MM-DD format")
	}
	canonical := parsed.Format(DateLayout)
	return &canonical, nil
}

// Normalize validates the draft and returns a copy with trimmed fields and a
// normalized deadline.
func (d Draft) Normalize() (Draft, error) {
	out := d
	out.Name = strings.TrimSpace(d.Name)
	out.Details = strings.TrimSpace(d.Details)
	out.DocumentURI = strings.TrimSpace(d.DocumentURI)

	if err := validateName(out.Name); err != nil {
		return Draft{}, err
	}
	if out.Details == "" {
		return Draft{}, invalid("details", "is required")
	}
	if out.DocumentURI == "" {
		return Draft{}, invalid("documentUri", "is required")
	}
	if !strings.HasPrefix(out.DocumentURI, "data:") {
		return Draft{}, invalid("documentUri", "must be a data URI")
	}
	if !out.DocumentType.Valid() {
		return Draft{}, invalid("documentType", "must be one of image, pdf, text, unknown")
	}

	deadline, err := NormalizeDeadline(d.Deadline)
	if err != nil {
		return Draft{}, err
	}
	out.Deadline = deadline
	return out, nil
}

// Normalize validates the supplied fields of the patch. It does not decide
// whether the patch is empty; the update builder owns that check.
func (p Patch) Normalize() (Patch, error) {
	out := p
	if p.Name != nil {
		name := strings.TrimSpace(*p.Name)
		if err := validateName(name); err != nil {
			return Patch{}, err
		}
		out.Name = &name
	}
	if p.Details != nil {
		details := strings.TrimSpace(*p.Details)
		if details == "" {
			return Patch{}, invalid("details", "must not be empty")
		}
		out.Details = &details
	}
	if p.Deadline != nil {
		deadline, err := NormalizeDeadline(p.Deadline)
		if err != nil {
			return Patch{}, err
		}
		if deadline == nil {
			empty := ""
			out.Deadline = &empty
		} else {
			out.Deadline = deadline
		}
	}
	if p.DocumentURI != nil {
		uri := strings.TrimSpace(*p.DocumentURI)
		if !strings.HasPrefix(uri, "data:") {
			return Patch{}, invalid("documentUri", "must be a data URI")
		}
		out.DocumentURI = &uri
	}
	if p.DocumentType != nil && !p.DocumentType.Valid() {
		return Patch{}, invalid("documentType", "must be one of image, pdf, text, unknown")
	}
	return out, nil
}

func validateName(name string) error {
	if name == "" {
		return invalid("name", "is required")
	}
	if len([]rune(name)) > maxNameLength {
		return invalid("name", fmt.Sprintf("must be at most %d characters", maxNameLength))
	}
	return nil
}
