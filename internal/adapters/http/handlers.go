package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"reflect"
	"strings"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/csrf"

	"newsletter/internal/application/orchestrators"
	"newsletter/internal/application/projections"
	domain "newsletter/internal/domain/newsletter"
)

const (
	msgSendFailed    = "Error sending emails"
	msgSendOK        = "Emails sent successfully"
	msgInvalidBody   = "Invalid request body"
	msgPreviewFailed = "Preview failed"
)

// --- Request / response bodies ---

type recipientJSON struct {
	Name  string `json:"Name"`
	Email string `json:"Email"`
}

// UnmarshalJSON ignores keys other than Name and Email. Rows come straight
// from a CSV header and may carry extra columns.
func (r *recipientJSON) UnmarshalJSON(data []byte) error {
	var row struct {
		Name  string `json:"Name"`
		Email string `json:"Email"`
	}
	if err := json.Unmarshal(data, &row); err != nil {
		return err
	}
	*r = recipientJSON(row)
	return nil
}

type sendEmailRequest struct {
	Template   string          `json:"template" validate:"required,max=255"`
	Subject    string          `json:"subject" validate:"max=998"`
	Content    string          `json:"content"`
	Format     string          `json:"format" validate:"omitempty,oneof=html markdown"`
	Recipients []recipientJSON `json:"recipients" validate:"required,min=1"`
}

type previewRequest struct {
	Template string `json:"template" validate:"required,max=255"`
	Content  string `json:"content"`
	Format   string `json:"format" validate:"omitempty,oneof=html markdown"`
	Name     string `json:"name"`
}

type errorResponse struct {
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
	Error   string `json:"error,omitempty"`
}

type resultJSON struct {
	Name      string `json:"Name"`
	Email     string `json:"Email"`
	Status    string `json:"status"`
	MessageID string `json:"messageId,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Error     string `json:"error,omitempty"`
}

type batchResponse struct {
	Message string       `json:"message"`
	Kind    string       `json:"kind,omitempty"`
	BatchID string       `json:"batchId"`
	Sent    int          `json:"sent"`
	Failed  int          `json:"failed"`
	Results []resultJSON `json:"results"`
}

type recipientsResponse struct {
	Recipients []recipientJSON `json:"recipients"`
	Total      int             `json:"total"`
	Unknown    []string        `json:"unknown"`
}

type previewResponse struct {
	HTML string `json:"html"`
}

// --- Page data ---

type formPage struct {
	CSRFField template.HTML
	Templates []projections.TemplateOption
	Selected  string
	Subject   string
	Content   string
	Format    string
	Relay     string
	Error     string
}

type resultPage struct {
	Report  domain.Report
	Subject string
}

// --- Helpers ---

// strictDecode decodes JSON from the request body, rejecting unknown fields.
// Types with their own UnmarshalJSON decide for themselves.
func strictDecode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps an error kind to an HTTP status: bad input is the client's
// fault, everything else is ours or the relay's.
func statusFor(err error) int {
	if domain.KindOf(err) == domain.KindValidation {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// writeError writes a typed error body. Validation errors carry their own
// message; other kinds use failMsg and expose the domain message as error.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error, failMsg string) {
	kind := domain.KindOf(err)
	status := statusFor(err)
	if status == http.StatusBadRequest {
		writeJSON(w, status, errorResponse{Message: domain.MessageOf(err), Kind: string(kind)})
		return
	}
	s.lg.Error().Err(err).Str("request_id", chimw.GetReqID(r.Context())).Str("kind", string(kind)).Msg("request_failed")
	writeJSON(w, status, errorResponse{Message: failMsg, Kind: string(kind), Error: domain.MessageOf(err)})
}

// validationError turns validator output into the domain's validation errors.
func validationError(err error) error {
	var ves validator.ValidationErrors
	if !errors.As(err, &ves) {
		return err
	}
	for _, fe := range ves {
		if fe.Field() == "recipients" {
			return domain.ErrNoRecipients
		}
	}
	for _, fe := range ves {
		if fe.Field() == "template" && fe.Tag() == "required" {
			return domain.ErrTemplateRequired
		}
	}
	fe := ves[0]
	return domain.NewValidationError(fmt.Sprintf("Invalid %s (%s)", fe.Field(), fe.Tag()))
}

// jsonFieldName reports struct fields by their json name in validation errors.
func jsonFieldName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	if name == "-" {
		return ""
	}
	if name == "" {
		return f.Name
	}
	return name
}

func (s *Server) renderPage(w http.ResponseWriter, r *http.Request, status int, name string, data any) {
	var buf bytes.Buffer
	if err := s.pages.ExecuteTemplate(&buf, name, data); err != nil {
		s.lg.Error().Err(err).Str("request_id", chimw.GetReqID(r.Context())).Str("page", name).Msg("render_failed")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	buf.WriteTo(w)
}

func (s *Server) renderForm(w http.ResponseWriter, r *http.Request, status int, page formPage) {
	opts, err := projections.QueryGetTemplates(r.Context(), projections.GetTemplatesDeps{Templates: s.deps.Templates})
	if err != nil {
		s.lg.Error().Err(err).Msg("template_list_failed")
		if page.Error == "" {
			page.Error = "Templates could not be listed"
		}
	}
	page.Templates = opts
	page.CSRFField = csrf.TemplateField(r)
	page.Relay = s.deps.Relay
	if page.Format == "" {
		page.Format = domain.FormatHTML
	}
	s.renderPage(w, r, status, "form.html", page)
}

func (s *Server) dispatchDeps() orchestrators.DispatchDeps {
	return orchestrators.DispatchDeps{
		Templates:   s.deps.Templates,
		Sender:      s.deps.Sender,
		Relay:       s.deps.Relay,
		FromAddress: s.deps.FromAddress,
		ReplyTo:     s.deps.ReplyTo,
		Concurrency: s.deps.Concurrency,
		SendTimeout: s.deps.SendTimeout,
		GenerateID:  s.deps.GenerateID,
		Logger:      s.deps.Logger,
	}
}

func toRecipients(in []recipientJSON) []domain.Recipient {
	out := make([]domain.Recipient, len(in))
	for i, r := range in {
		out[i] = domain.Recipient{Name: r.Name, Email: r.Email}
	}
	return out
}

func toResults(outcomes []domain.Outcome) []resultJSON {
	out := make([]resultJSON, len(outcomes))
	for i, o := range outcomes {
		out[i] = resultJSON{
			Name:      o.Recipient.Name,
			Email:     o.Recipient.Email,
			Status:    o.Status,
			MessageID: o.MessageID,
			Kind:      string(o.Kind),
			Error:     o.Error,
		}
	}
	return out
}

// --- Form handlers ---

// handleIndex handles GET /
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	s.renderForm(w, r, http.StatusOK, formPage{})
}

// handleSend handles POST /send (multipart form with a CSV upload)
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(s.opts.MaxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.renderForm(w, r, http.StatusRequestEntityTooLarge, formPage{Error: "Upload is too large"})
			return
		}
		s.renderForm(w, r, http.StatusBadRequest, formPage{Error: "Invalid form submission"})
		return
	}

	page := formPage{
		Selected: r.FormValue("template"),
		Subject:  r.FormValue("subject"),
		Content:  r.FormValue("content"),
		Format:   r.FormValue("format"),
	}

	file, _, err := r.FormFile("recipients")
	if err != nil {
		page.Error = domain.ErrNoRecipients.Message
		s.renderForm(w, r, http.StatusBadRequest, page)
		return
	}
	defer file.Close()

	parsed, err := orchestrators.ExecuteParseRecipients(r.Context(), orchestrators.ParseRecipientsInput{Reader: file})
	if err != nil {
		page.Error = domain.MessageOf(err)
		s.renderForm(w, r, statusFor(err), page)
		return
	}

	report, err := orchestrators.ExecuteDispatch(r.Context(), orchestrators.DispatchInput{Batch: domain.Batch{
		TemplateID: page.Selected,
		Subject:    page.Subject,
		Content:    page.Content,
		Format:     page.Format,
		Recipients: parsed.Recipients,
	}}, s.dispatchDeps())
	if err != nil && report.Total == 0 {
		page.Error = domain.MessageOf(err)
		if statusFor(err) != http.StatusBadRequest {
			page.Error = msgSendFailed + ": " + page.Error
		}
		s.renderForm(w, r, statusFor(err), page)
		return
	}

	status := http.StatusOK
	if err != nil {
		status = http.StatusInternalServerError
	}
	s.renderPage(w, r, status, "result.html", resultPage{Report: report, Subject: page.Subject})
}

// handleCSRFFailure re-renders the form with a fresh token.
func (s *Server) handleCSRFFailure(w http.ResponseWriter, r *http.Request) {
	s.lg.Warn().Err(csrf.FailureReason(r)).Str("path", r.URL.Path).Msg("csrf_rejected")
	s.renderForm(w, r, http.StatusForbidden, formPage{Error: "Your session expired. Reload the page and try again."})
}

// --- JSON API handlers ---

// handleSendEmailAPI handles POST /api/sendemail
func (s *Server) handleSendEmailAPI(w http.ResponseWriter, r *http.Request) {
	var req sendEmailRequest
	if err := strictDecode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Message: msgInvalidBody,
			Kind:    string(domain.KindValidation),
			Error:   err.Error(),
		})
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.writeError(w, r, validationError(err), msgSendFailed)
		return
	}

	report, err := orchestrators.ExecuteDispatch(r.Context(), orchestrators.DispatchInput{Batch: domain.Batch{
		TemplateID: req.Template,
		Subject:    req.Subject,
		Content:    req.Content,
		Format:     req.Format,
		Recipients: toRecipients(req.Recipients),
	}}, s.dispatchDeps())
	if err != nil && report.Total == 0 {
		s.writeError(w, r, err, msgSendFailed)
		return
	}

	resp := batchResponse{
		Message: msgSendOK,
		BatchID: report.BatchID,
		Sent:    report.Sent,
		Failed:  report.Failed,
		Results: toResults(report.Outcomes),
	}
	if err != nil {
		resp.Message = msgSendFailed
		resp.Kind = string(domain.KindOf(err))
		writeJSON(w, http.StatusInternalServerError, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRecipientsAPI handles POST /api/recipients (multipart field "file")
func (s *Server) handleRecipientsAPI(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(s.opts.MaxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Message: "Upload is too large", Kind: string(domain.KindValidation)})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Message: msgInvalidBody, Kind: string(domain.KindValidation), Error: err.Error()})
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Message: "CSV file is required", Kind: string(domain.KindValidation)})
		return
	}
	defer file.Close()

	parsed, err := orchestrators.ExecuteParseRecipients(r.Context(), orchestrators.ParseRecipientsInput{Reader: file})
	if err != nil {
		s.writeError(w, r, err, "CSV could not be read")
		return
	}

	resp := recipientsResponse{
		Recipients: make([]recipientJSON, 0, len(parsed.Recipients)),
		Total:      parsed.Total,
		Unknown:    parsed.Unknown,
	}
	for _, rc := range parsed.Recipients {
		resp.Recipients = append(resp.Recipients, recipientJSON{Name: rc.Name, Email: rc.Email})
	}
	if resp.Unknown == nil {
		resp.Unknown = []string{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handlePreviewAPI handles POST /api/preview
func (s *Server) handlePreviewAPI(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if err := strictDecode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Message: msgInvalidBody,
			Kind:    string(domain.KindValidation),
			Error:   err.Error(),
		})
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.writeError(w, r, validationError(err), msgPreviewFailed)
		return
	}

	html, err := orchestrators.ExecutePreview(r.Context(), orchestrators.PreviewInput{
		TemplateID: req.Template,
		Content:    req.Content,
		Format:     req.Format,
		Name:       req.Name,
	}, orchestrators.PreviewDeps{Templates: s.deps.Templates})
	if err != nil {
		s.writeError(w, r, err, msgPreviewFailed)
		return
	}
	writeJSON(w, http.StatusOK, previewResponse{HTML: html})
}

// handleTemplatesAPI handles GET /api/templates
func (s *Server) handleTemplatesAPI(w http.ResponseWriter, r *http.Request) {
	opts, err := projections.QueryGetTemplates(r.Context(), projections.GetTemplatesDeps{Templates: s.deps.Templates})
	if err != nil {
		s.lg.Error().Err(err).Msg("template_list_failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Message: "Templates could not be listed", Kind: string(domain.KindInternal)})
		return
	}
	writeJSON(w, http.StatusOK, opts)
}
