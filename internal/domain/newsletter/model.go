package newsletter

import (
	"sort"
	"strings"
)

// Outcome status constants.
const (
	StatusSent   = "sent"
	StatusFailed = "failed"
)

// Content formats accepted for the shared body content.
const (
	FormatHTML     = "html"
	FormatMarkdown = "markdown"
)

// Placeholder keys filled by the dispatcher.
const (
	KeyName    = "name"
	KeyContent = "content"
)

// Recipient is one parsed CSV row. Field names double as the CSV header names
// and the JSON keys of the send payload.
type Recipient struct {
	Name  string
	Email string
}

// HasEmail reports whether the recipient has a non-blank address.
func (r Recipient) HasEmail() bool {
	return strings.TrimSpace(r.Email) != ""
}

// Batch is one submitted send request: a template, a subject, shared body
// content and the recipients to render it for.
type Batch struct {
	TemplateID string
	Subject    string
	Content    string
	Format     string
	Recipients []Recipient
}

// Validate checks the batch-level preconditions. Per-recipient problems are
// not reported here; they surface as individual outcomes during dispatch.
// PRE: Batch is populated
// POST: Returns nil if dispatchable, a validation *Error otherwise
func (b *Batch) Validate() error {
	if len(b.Recipients) == 0 {
		return ErrNoRecipients
	}
	if strings.TrimSpace(b.TemplateID) == "" {
		return ErrTemplateRequired
	}
	switch b.Format {
	case "", FormatHTML, FormatMarkdown:
	default:
		return NewValidationError("unsupported content format: " + b.Format)
	}
	return nil
}

// Template is an HTML document containing {{key}} placeholder tokens.
type Template struct {
	Name string
	Body string
}

// Render returns the template body with every {{key}} token replaced by its
// mapped value. Keys are matched literally and case-sensitively. Tokens with no
// mapping are left as-is, and replaced values are never re-scanned for tokens.
// INVARIANT: t.Body is not mutated
func (t Template) Render(values map[string]string) string {
	if len(values) == 0 {
		return t.Body
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		pairs = append(pairs, Token(k), values[k])
	}
	return strings.NewReplacer(pairs...).Replace(t.Body)
}

// Token returns the placeholder token for key.
func Token(key string) string {
	return "{{" + key + "}}"
}

// Outcome is the result of dispatching to one recipient.
type Outcome struct {
	Recipient Recipient
	Status    string
	MessageID string
	Kind      Kind
	Error     string
}

// Failed reports whether the dispatch to this recipient failed.
func (o Outcome) Failed() bool {
	return o.Status != StatusSent
}

// Report collects the per-recipient outcomes of one batch, in input order.
type Report struct {
	BatchID    string
	TemplateID string
	Total      int
	Sent       int
	Failed     int
	Outcomes   []Outcome
}

// NewReport builds a report from outcomes and tallies the counters.
// POST: Total == len(outcomes); Sent + Failed == Total
func NewReport(batchID, templateID string, outcomes []Outcome) Report {
	r := Report{
		BatchID:    batchID,
		TemplateID: templateID,
		Total:      len(outcomes),
		Outcomes:   outcomes,
	}
	for _, o := range outcomes {
		if o.Failed() {
			r.Failed++
		} else {
			r.Sent++
		}
	}
	return r
}

// OK reports whether every recipient in a non-empty batch was sent.
func (r Report) OK() bool {
	return r.Total > 0 && r.Failed == 0
}

// FirstFailure returns the first failed outcome in input order.
func (r Report) FirstFailure() (Outcome, bool) {
	for _, o := range r.Outcomes {
		if o.Failed() {
			return o, true
		}
	}
	return Outcome{}, false
}
