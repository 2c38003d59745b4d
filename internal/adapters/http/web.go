package web

import (
	"embed"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"newsletter/internal/adapters/email"
	"newsletter/internal/adapters/http/middleware"
	templateStore "newsletter/internal/adapters/storage/template"
	"newsletter/internal/logger"
	"newsletter/internal/metrics"
)

//go:embed templates/*.html
var pageFS embed.FS

// Deps holds the collaborators the handlers call into.
type Deps struct {
	Templates   templateStore.Store
	Sender      email.Sender
	Relay       string
	FromAddress string
	ReplyTo     string
	Concurrency int
	SendTimeout time.Duration
	Logger      zerolog.Logger
	GenerateID  func() string // defaults to uuid.NewString
}

// Options controls the HTTP middleware stack.
type Options struct {
	CSRFKey        []byte
	Secure         bool // production: HTTPS-only cookies and strict referer checks
	TrustedOrigins []string
	RateLimit      int           // requests per RateWindow per IP; 0 disables
	RateWindow     time.Duration // defaults to one second
	MaxUploadBytes int64         // request body cap
	SlowRequest    time.Duration // slow request log threshold
}

// Server serves the newsletter form and JSON API.
type Server struct {
	deps     Deps
	opts     Options
	lg       zerolog.Logger
	pages    *template.Template
	validate *validator.Validate
}

// NewServer parses the embedded pages and prepares the handler set.
// PRE: deps.Templates and deps.Sender are set; opts.CSRFKey is 32 bytes
// POST: Returns a Server ready for Routes
func NewServer(deps Deps, opts Options) (*Server, error) {
	if deps.Templates == nil || deps.Sender == nil {
		return nil, fmt.Errorf("web: template store and sender are required")
	}
	if len(opts.CSRFKey) != 32 {
		return nil, fmt.Errorf("web: csrf key must be 32 bytes, got %d", len(opts.CSRFKey))
	}
	if deps.GenerateID == nil {
		deps.GenerateID = uuid.NewString
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 5 << 20
	}
	if opts.RateWindow <= 0 {
		opts.RateWindow = time.Second
	}

	pages, err := template.ParseFS(pageFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("web: parse pages: %w", err)
	}

	s := &Server{
		deps:     deps,
		opts:     opts,
		lg:       logger.Component(deps.Logger, "web"),
		pages:    pages,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	s.validate.RegisterTagNameFunc(jsonFieldName)
	return s, nil
}

// Routes wires HTTP handlers and middleware for the app.
// Middleware order: RequestID -> Timing -> Recoverer -> SecurityHeaders -> RateLimit -> MaxBytes -> CSRF -> handler
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.Timing(s.deps.Logger, s.opts.SlowRequest))
	r.Use(chimw.Recoverer)
	r.Use(middleware.SecurityHeaders)
	if s.opts.RateLimit > 0 {
		r.Use(middleware.RateLimit(s.opts.RateLimit, s.opts.RateWindow, s.deps.Logger))
	}
	r.Use(middleware.MaxBytes(s.opts.MaxUploadBytes))
	r.Use(middleware.CSRF(middleware.CSRFOptions{
		Key:            s.opts.CSRFKey,
		Secure:         s.opts.Secure,
		TrustedOrigins: s.opts.TrustedOrigins,
		ErrorHandler:   http.HandlerFunc(s.handleCSRFFailure),
	}))

	r.Get("/", s.handleIndex)
	r.Post("/send", s.handleSend)

	r.Route("/api", func(r chi.Router) {
		r.Post("/sendemail", s.handleSendEmailAPI)
		r.Post("/recipients", s.handleRecipientsAPI)
		r.Post("/preview", s.handlePreviewAPI)
		r.Get("/templates", s.handleTemplatesAPI)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	return r
}
