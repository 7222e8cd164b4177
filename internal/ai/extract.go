package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/david/opportunity-oasis/internal/document"
	"github.com/david/opportunity-oasis/internal/metrics"
	"github.com/david/opportunity-oasis/internal/models"
	"go.uber.org/zap"
)

// ErrExtraction marks every failure of the extraction pipeline. Nothing is
// persisted when it is returned.
var ErrExtraction = errors.New("extraction failed")

// Extraction is the reviewed-before-save result of processing one document.
type Extraction struct {
	Name     string  `json:"name"`
	Details  string  `json:"details"`
	Deadline *string `json:"deadline,omitempty"` // YYYY-MM-DD or YYYY-MM
}

// rawExtraction is the stage 1 model output.
type rawExtraction struct {
	Name         string `json:"name"`
	Details      string `json:"details"`
	DeadlineText string `json:"deadline_text"`
}

type Extractor struct {
	gen           Generator
	normalizer    DeadlineNormalizer
	prompts       *Prompts
	textModel     string
	visionModel   string
	maxInputChars int
	location      *time.Location
	now           func() time.Time
	logger        *zap.Logger
}

type ExtractorOptions struct {
	TextModel     string
	VisionModel   string
	MaxInputChars int
	Location      *time.Location
	Logger        *zap.Logger
}

func NewExtractor(gen Generator, normalizer DeadlineNormalizer, prompts *Prompts, opts ExtractorOptions) *Extractor {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.MaxInputChars <= 0 {
		opts.MaxInputChars = 24000
	}
	return &Extractor{
		gen:           gen,
		normalizer:    normalizer,
		prompts:       prompts,
		textModel:     opts.TextModel,
		visionModel:   opts.VisionModel,
		maxInputChars: opts.MaxInputChars,
		location:      opts.Location,
		now:           time.Now,
		logger:        opts.Logger,
	}
}

// Extract runs both stages over a data URI.
func (e *Extractor) Extract(ctx context.Context, dataURI string) (*Extraction, error) {
	doc, err := document.Parse(dataURI)
	if err != nil {
		metrics.Extractions.WithLabelValues(string(models.DocumentUnknown), "failed").Inc()
		return nil, fmt.Errorf("%w: %w", ErrExtraction, err)
	}
	docType := doc.Type()

	result, err := e.extract(ctx, doc)
	if err != nil {
		metrics.Extractions.WithLabelValues(string(docType), "failed").Inc()
		e.logger.Warn("extraction failed", zap.String("mime", doc.MIME), zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrExtraction, err)
	}
	metrics.Extractions.WithLabelValues(string(docType), "ok").Inc()
	return result, nil
}

func (e *Extractor) extract(ctx context.Context, doc document.Document) (*Extraction, error) {
	input, err := prepareInput(doc, e.maxInputChars)
	if err != nil {
		return nil, err
	}

	prompt, err := e.prompts.render(promptExtract, map[string]any{
		"Today":    e.now().In(e.location).Format("2006-01-02"),
		"HasImage": len(input.Images) > 0,
		"Text":     input.Text,
	})
	if err != nil {
		return nil, err
	}

	model := e.textModel
	if len(input.Images) > 0 {
		model = e.visionModel
	}

	var raw rawExtraction
	if err := completeJSON(ctx, e.gen, e.logger, Completion{Model: model, Prompt: prompt, Images: input.Images}, &raw); err != nil {
		return nil, fmt.Errorf("raw extraction: %w", err)
	}

	name := strings.TrimSpace(raw.Name)
	details := strings.TrimSpace(raw.Details)
	if name == "" || details == "" {
		return nil, errors.New("model returned an empty name or details")
	}

	deadline, err := e.normalizer.NormalizeDeadline(ctx, raw.DeadlineText)
	if err != nil {
		return nil, err
	}

	e.logger.Info("extracted opportunity",
		zap.String("name", name),
		zap.String("deadline_text", raw.DeadlineText),
		zap.Stringp("deadline", deadline),
	)
	return &Extraction{Name: name, Details: details, Deadline: deadline}, nil
}
