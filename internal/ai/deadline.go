package ai

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/david/opportunity-oasis/internal/metrics"
	"go.uber.org/zap"
)

// DeadlineNormalizer turns a free-form deadline phrase into YYYY-MM-DD or
// YYYY-MM. A nil result means the opportunity has no fixed deadline.
type DeadlineNormalizer interface {
	NormalizeDeadline(ctx context.Context, phrase string) (*string, error)
}

const monthLayout = "2006-01"

var (
	ordinalSuffix   = regexp.MustCompile(`(?i)\b(\d{1,2})(st|nd|rd|th)\b`)
	weekdayPrefix   = regexp.MustCompile(`(?i)^(monday|tuesday|wednesday|thursday|friday|saturday|sunday|mon|tue|tues|wed|thu|thur|thurs|fri|sat|sun)\.?,?\s+`)
	timeSuffix      = regexp.MustCompile(`(?i)(,?\s+(at\s+)?\d{1,2}(:\d{2})?\s*(am|pm|a\.m\.?|p\.m\.?)?(\s+[a-z]{2,5})?)$`)
	normalizedValue = regexp.MustCompile(`^\d{4}-\d{2}(-\d{2})?$`)
	spanishDate     = regexp.MustCompile(`(?i)^(\d{1,2})\s+de\s+(enero|febrero|marzo|abril|mayo|junio|julio|agosto|septiembre|octubre|noviembre|diciembre)\s+(?:de|del)\s+(\d{4})$`)
)

var rollingHints = []string{
	"rolling", "open until filled", "until filled", "ongoing", "open all year",
	"no deadline", "not specified", "tbd", "tba", "n/a", "none", "ventanilla abierta",
}

var dayLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"January 2, 2006",
	"January 2 2006",
	"Jan 2, 2006",
	"Jan 2 2006",
	"Jan. 2, 2006",
	"2 January 2006",
	"2 January, 2006",
	"2 Jan 2006",
	"2 Jan. 2006",
	"2-Jan-2006",
	"02 January 2006",
	"02 Jan 2006",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

var monthLayouts = []string{
	monthLayout,
	"January 2006",
	"Jan 2006",
	"January, 2006",
}

var spanishMonths = map[string]time.Month{
	"enero": time.January, "febrero": time.February, "marzo": time.March,
	"abril": time.April, "mayo": time.May, "junio": time.June,
	"julio": time.July, "agosto": time.August, "septiembre": time.September,
	"octubre": time.October, "noviembre": time.November, "diciembre": time.December,
}

// cleanDeadlinePhrase removes labels, weekdays and ordinal suffixes so the
// remaining text can be matched against fixed layouts.
func cleanDeadlinePhrase(s string) string {
	s = strings.TrimSpace(s)
	prefixes := []string{
		"application deadline:", "closing date:", "deadline:", "due date:", "due:",
		"expires:", "ends:", "closes:", "fecha límite:", "fecha de cierre:", "cierre:",
	}
	lower := strings.ToLower(s)
	for _, p := range prefixes {
		if strings.HasPrefix(lower, p) {
			s = strings.TrimSpace(s[len(p):])
			lower = strings.ToLower(s)
		}
	}
	for _, p := range []string{"by ", "before ", "on ", "until "} {
		if strings.HasPrefix(lower, p) {
			s = strings.TrimSpace(s[len(p):])
			lower = strings.ToLower(s)
		}
	}
	s = strings.TrimRight(s, ". ")
	s = weekdayPrefix.ReplaceAllString(s, "")
	s = ordinalSuffix.ReplaceAllString(s, "$1")
	s = strings.Join(strings.Fields(s), " ")
	return s
}

// isRollingPhrase reports phrases that explicitly describe an open-ended
// deadline.
func isRollingPhrase(phrase string) bool {
	lower := strings.ToLower(strings.TrimSpace(phrase))
	for _, hint := range rollingHints {
		if lower == hint || (len(hint) > 4 && strings.Contains(lower, hint)) {
			return true
		}
	}
	return false
}

// parseDeadlineLocal normalizes phrases that already follow a known layout. It
// reports false when the phrase needs the model.
func parseDeadlineLocal(phrase string) (string, bool) {
	text := cleanDeadlinePhrase(phrase)
	if text == "" {
		return "", false
	}

	candidates := []string{text}
	if stripped := strings.TrimSpace(timeSuffix.ReplaceAllString(text, "")); stripped != text && stripped != "" {
		candidates = append(candidates, stripped)
	}

	for _, candidate := range candidates {
		for _, layout := range dayLayouts {
			if t, err := time.Parse(layout, candidate); err == nil {
				return t.Format("2006-01-02"), true
			}
		}
		if m := spanishDate.FindStringSubmatch(candidate); len(m) == 4 {
			month := spanishMonths[strings.ToLower(m[2])]
			if t, err := time.Parse("2 1 2006", fmt.Sprintf("%s %d %s", m[1], int(month), m[3])); err == nil {
				return t.Format("2006-01-02"), true
			}
		}
		for _, layout := range monthLayouts {
			if t, err := time.Parse(layout, candidate); err == nil {
				return t.Format(monthLayout), true
			}
		}
	}
	return "", false
}

// validNormalizedDeadline reports whether v is a real YYYY-MM-DD date or a
// YYYY-MM month.
func validNormalizedDeadline(v string) bool {
	if !normalizedValue.MatchString(v) {
		return false
	}
	if len(v) == len(monthLayout) {
		_, err := time.Parse(monthLayout, v)
		return err == nil
	}
	_, err := time.Parse("2006-01-02", v)
	return err == nil
}

// ModelNormalizer resolves deadline phrases locally when they follow a known
// layout and otherwise asks the text model, giving it today's date.
type ModelNormalizer struct {
	gen      Generator
	prompts  *Prompts
	model    string
	location *time.Location
	now      func() time.Time
	logger   *zap.Logger
}

func NewModelNormalizer(gen Generator, prompts *Prompts, model string, loc *time.Location, logger *zap.Logger) *ModelNormalizer {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ModelNormalizer{
		gen:      gen,
		prompts:  prompts,
		model:    model,
		location: loc,
		now:      time.Now,
		logger:   logger,
	}
}

type normalizeResponse struct {
	Deadline string `json:"deadline"`
	Rolling  bool   `json:"rolling"`
}

func (n *ModelNormalizer) NormalizeDeadline(ctx context.Context, phrase string) (*string, error) {
	phrase = strings.TrimSpace(phrase)
	if phrase == "" || strings.EqualFold(phrase, "null") {
		metrics.DeadlineNormalizations.WithLabelValues("empty").Inc()
		return nil, nil
	}
	if v, ok := parseDeadlineLocal(phrase); ok {
		metrics.DeadlineNormalizations.WithLabelValues("local").Inc()
		return &v, nil
	}
	if isRollingPhrase(phrase) {
		metrics.DeadlineNormalizations.WithLabelValues("rolling").Inc()
		return nil, nil
	}

	today := n.now().In(n.location).Format("2006-01-02")
	prompt, err := n.prompts.render(promptNormalizeDeadline, map[string]any{
		"Today":  today,
		"Phrase": phrase,
	})
	if err != nil {
		return nil, err
	}

	var resp normalizeResponse
	if err := completeJSON(ctx, n.gen, n.logger, Completion{Model: n.model, Prompt: prompt}, &resp); err != nil {
		return nil, fmt.Errorf("deadline normalization: %w", err)
	}

	value := strings.TrimSpace(resp.Deadline)
	if resp.Rolling || value == "" {
		metrics.DeadlineNormalizations.WithLabelValues("rolling").Inc()
		return nil, nil
	}
	if !validNormalizedDeadline(value) {
		return nil, fmt.Errorf("deadline normalization returned %q", value)
	}

	metrics.DeadlineNormalizations.WithLabelValues("model").Inc()
	n.logger.Debug("normalized deadline with model", zap.String("phrase", phrase), zap.String("deadline", value))
	return &value, nil
}
