package orchestrators

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	emailAdapter "newsletter/internal/adapters/email"
	templateStore "newsletter/internal/adapters/storage/template"
	domain "newsletter/internal/domain/newsletter"
	"newsletter/internal/logger"
	"newsletter/internal/metrics"
)

// DispatchInput carries one submitted batch.
type DispatchInput struct {
	Batch domain.Batch
}

// DispatchDeps holds dependencies for Dispatch.
type DispatchDeps struct {
	Templates   templateStore.Store
	Sender      emailAdapter.Sender
	Relay       string // relay name, used as a metrics label
	FromAddress string
	ReplyTo     string
	Concurrency int           // max in-flight sends; 0 means one goroutine per recipient
	SendTimeout time.Duration // per-send deadline; 0 means none
	GenerateID  func() string
	Logger      zerolog.Logger
}

// ExecuteDispatch renders the batch template once per recipient and sends one
// email per recipient concurrently.
// PRE: deps.Sender and deps.Templates are set
// POST: On a validation or template error no email is sent and the Report is zero.
//
//	Otherwise every recipient has exactly one Outcome, in input order; the
//	returned error is non-nil iff at least one Outcome failed, and carries the
//	Kind of the first failure.
//
// INVARIANT: Sends run on a context detached from ctx's cancellation, so a
// client that goes away does not abort a started batch.
func ExecuteDispatch(ctx context.Context, input DispatchInput, deps DispatchDeps) (domain.Report, error) {
	batch := input.Batch
	lg := logger.Component(deps.Logger, "dispatch")

	if err := batch.Validate(); err != nil {
		metrics.RecordBatch(metrics.ResultRejected)
		return domain.Report{}, err
	}

	tpl, err := deps.Templates.Get(ctx, batch.TemplateID)
	if err != nil {
		metrics.RecordBatch(metrics.ResultRejected)
		lg.Error().Err(err).Str("template", batch.TemplateID).Msg("template_load_failed")
		return domain.Report{}, domain.NewTemplateLoadError(batch.TemplateID, err)
	}

	content, err := renderContent(batch.Content, batch.Format)
	if err != nil {
		metrics.RecordBatch(metrics.ResultRejected)
		return domain.Report{}, &domain.Error{Kind: domain.KindInternal, Message: "Content rendering failed", Err: err}
	}

	batchID := deps.GenerateID()
	lg = lg.With().Str("batch_id", batchID).Logger()
	lg.Info().Str("template", tpl.Name).Int("recipients", len(batch.Recipients)).Msg("dispatch_started")

	sendCtx := context.WithoutCancel(ctx)
	outcomes := make([]domain.Outcome, len(batch.Recipients))

	var g errgroup.Group
	if deps.Concurrency > 0 {
		g.SetLimit(deps.Concurrency)
	}
	for i, r := range batch.Recipients {
		g.Go(func() error {
			outcomes[i] = sendOne(sendCtx, tpl, content, batch.Subject, r, deps, lg)
			return nil
		})
	}
	_ = g.Wait()

	report := domain.NewReport(batchID, tpl.Name, outcomes)
	lg.Info().Int("sent", report.Sent).Int("failed", report.Failed).Msg("dispatch_finished")

	if first, failed := report.FirstFailure(); failed {
		metrics.RecordBatch(metrics.ResultPartial)
		return report, &domain.Error{
			Kind:    first.Kind,
			Message: fmt.Sprintf("%d of %d emails failed", report.Failed, report.Total),
		}
	}
	metrics.RecordBatch(metrics.ResultOK)
	return report, nil
}

// sendOne renders and sends the email for a single recipient. It never returns
// an error; failures are recorded in the Outcome.
func sendOne(ctx context.Context, tpl domain.Template, content, subject string, r domain.Recipient, deps DispatchDeps, lg zerolog.Logger) domain.Outcome {
	out := domain.Outcome{Recipient: r}

	if !r.HasEmail() {
		out.Status = domain.StatusFailed
		out.Kind = domain.ErrMissingEmail.Kind
		out.Error = domain.ErrMissingEmail.Message
		metrics.RecordEmailFailed(deps.Relay, string(out.Kind), 0)
		lg.Warn().Str("name", r.Name).Msg("email_skipped_missing_address")
		return out
	}

	body := tpl.Render(map[string]string{
		domain.KeyName:    html.EscapeString(r.Name),
		domain.KeyContent: content,
	})
	to := strings.TrimSpace(r.Email)

	if deps.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deps.SendTimeout)
		defer cancel()
	}

	start := time.Now()
	res, err := deps.Sender.Send(ctx, emailAdapter.SendRequest{
		To:      []string{to},
		From:    deps.FromAddress,
		Subject: subject,
		HTML:    body,
		ReplyTo: deps.ReplyTo,
	})
	elapsed := time.Since(start)

	if err != nil {
		terr := domain.NewTransportError(err)
		out.Status = domain.StatusFailed
		out.Kind = terr.Kind
		out.Error = err.Error()
		metrics.RecordEmailFailed(deps.Relay, string(out.Kind), elapsed)
		lg.Error().Err(err).Str("to", to).Dur("elapsed", elapsed).Msg("email_failed")
		return out
	}

	out.Status = domain.StatusSent
	out.MessageID = res.MessageID
	metrics.RecordEmailSent(deps.Relay, elapsed)
	lg.Debug().Str("to", to).Str("message_id", res.MessageID).Dur("elapsed", elapsed).Msg("email_sent")
	return out
}
