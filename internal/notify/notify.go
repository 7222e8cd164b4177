// Package notify delivers reminder and new-opportunity emails.
package notify

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"strconv"
	"strings"

	"github.com/david/opportunity-oasis/internal/models"
	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"
)

//go:embed templates/*.html
var templatesFS embed.FS

// Message is one outgoing notification.
type Message struct {
	Subject string
	HTML    string
}

// Sink delivers messages to the configured recipients.
type Sink interface {
	Send(ctx context.Context, msg Message) error
}

// LogSink writes messages to the log instead of sending them. It is used when
// SMTP is not configured.
type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) Send(_ context.Context, msg Message) error {
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("notification (smtp disabled)", zap.String("subject", msg.Subject), zap.Int("html_bytes", len(msg.HTML)))
	return nil
}

// Composer renders notification emails with links back to the app.
type Composer struct {
	baseURL string
	tmpl    *template.Template
	policy  *bluemonday.Policy
}

func NewComposer(baseURL string) (*Composer, error) {
	tmpl, err := template.ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse email templates: %w", err)
	}
	return &Composer{
		baseURL: strings.TrimRight(baseURL, "/"),
		tmpl:    tmpl,
		policy:  bluemonday.UGCPolicy(),
	}, nil
}

type emailView struct {
	Name     string
	Deadline string
	Details  template.HTML
	Link     string
	DaysLeft int
}

func (c *Composer) view(o models.Opportunity) emailView {
	deadline := "No deadline specified"
	if o.Deadline != nil && *o.Deadline != "" {
		deadline = *o.Deadline
	}
	// Details may carry markup from pasted documents; only the safe subset survives.
	details := c.policy.Sanitize(o.Details)
	details = strings.ReplaceAll(details, "\n", "<br/>")
	return emailView{
		Name:     o.Name,
		Deadline: deadline,
		Details:  template.HTML(details),
		Link:     c.baseURL + "/opportunity/" + strconv.FormatInt(o.ID, 10),
	}
}

func (c *Composer) render(name string, data emailView) (string, error) {
	var buf bytes.Buffer
	if err := c.tmpl.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return buf.String(), nil
}

// Reminder builds the "due in N days" email for one opportunity.
func (c *Composer) Reminder(o models.Opportunity, daysLeft int) (Message, error) {
	v := c.view(o)
	v.DaysLeft = daysLeft
	html, err := c.render("reminder.html", v)
	if err != nil {
		return Message{}, err
	}
	unit := "days"
	if daysLeft == 1 {
		unit = "day"
	}
	return Message{
		Subject: fmt.Sprintf("Reminder: %q due in %d %s", o.Name, daysLeft, unit),
		HTML:    html,
	}, nil
}

// NewOpportunity builds the email sent after an opportunity is saved.
func (c *Composer) NewOpportunity(o models.Opportunity) (Message, error) {
	html, err := c.render("new_opportunity.html", c.view(o))
	if err != nil {
		return Message{}, err
	}
	return Message{Subject: "New Opportunity: " + o.Name, HTML: html}, nil
}
