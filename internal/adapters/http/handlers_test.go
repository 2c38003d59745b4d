package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"newsletter/internal/adapters/email"
	templateStore "newsletter/internal/adapters/storage/template"
)

// --- Fake sender ---

type fakeSender struct {
	mu      sync.Mutex
	sent    []email.SendRequest
	failFor map[string]bool
}

// Send records the request; addresses in failFor are rejected.
func (f *fakeSender) Send(_ context.Context, req email.SendRequest) (email.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, req)
	if f.failFor[req.To[0]] {
		return email.SendResult{}, errors.New("relay rejected " + req.To[0])
	}
	return email.SendResult{MessageID: "id-" + req.To[0]}, nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeSender) byAddress(addr string) (email.SendRequest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.sent {
		if r.To[0] == addr {
			return r, true
		}
	}
	return email.SendRequest{}, false
}

// --- Harness ---

var testKey = bytes.Repeat([]byte{7}, 32)

func newTestServer(t *testing.T, sender *fakeSender, mutate func(*Options)) http.Handler {
	t.Helper()
	store := templateStore.NewFSStore(fstest.MapFS{
		"template1.html": {Data: []byte("<h1>Hello {{name}}</h1><div>{{content}}</div>")},
		"template2.html": {Data: []byte("<p>{{content}}</p><footer>Bye {{name}}</footer>")},
		"notes.txt":      {Data: []byte("ignored")},
	})
	opts := Options{CSRFKey: testKey, MaxUploadBytes: 1 << 20}
	if mutate != nil {
		mutate(&opts)
	}
	srv, err := NewServer(Deps{
		Templates:   store,
		Sender:      sender,
		Relay:       "fake",
		FromAddress: "news@example.com",
		Logger:      zerolog.Nop(),
		GenerateID:  func() string { return "batch-42" },
	}, opts)
	require.NoError(t, err)
	return srv.Routes()
}

func postJSON(h http.Handler, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func multipartBody(t *testing.T, fields map[string]string, fileField, fileName, fileData string) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if fileField != "" {
		fw, err := mw.CreateFormFile(fileField, fileName)
		require.NoError(t, err)
		_, err = fw.Write([]byte(fileData))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

// --- POST /api/sendemail ---

func TestSendEmailAPI_Success(t *testing.T) {
	sender := &fakeSender{}
	h := newTestServer(t, sender, nil)

	rec := postJSON(h, "/api/sendemail", `{
		"template": "template1.html",
		"subject": "Hi",
		"content": "<b>News</b>",
		"recipients": [{"Name": "Ann", "Email": "ann@x.com"}, {"Name": "Bob", "Email": "bob@x.com"}]
	}`)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "Emails sent successfully", body["message"])
	assert.Equal(t, "batch-42", body["batchId"])
	assert.EqualValues(t, 2, body["sent"])
	assert.EqualValues(t, 0, body["failed"])

	results := body["results"].([]any)
	require.Len(t, results, 2)
	first := results[0].(map[string]any)
	assert.Equal(t, "Ann", first["Name"])
	assert.Equal(t, "sent", first["status"])
	assert.Equal(t, "id-ann@x.com", first["messageId"])

	assert.Equal(t, 2, sender.count())
	ann, ok := sender.byAddress("ann@x.com")
	require.True(t, ok)
	assert.Equal(t, "<h1>Hello Ann</h1><div><b>News</b></div>", ann.HTML)
	assert.Equal(t, "Hi", ann.Subject)
	assert.Equal(t, "news@example.com", ann.From)
}

func TestSendEmailAPI_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantMsg string
	}{
		{"empty recipients", `{"template":"template1.html","recipients":[]}`, "No recipients defined"},
		{"missing recipients", `{"template":"template1.html"}`, "No recipients defined"},
		{"null recipients", `{"template":"template1.html","recipients":null}`, "No recipients defined"},
		{"missing template", `{"recipients":[{"Name":"A","Email":"a@x.com"}]}`, "Template is required"},
		{"blank template", `{"template":"  ","recipients":[{"Name":"A","Email":"a@x.com"}]}`, "Template is required"},
		{"bad format", `{"template":"template1.html","format":"rtf","recipients":[{"Email":"a@x.com"}]}`, "Invalid format (oneof)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := &fakeSender{}
			rec := postJSON(newTestServer(t, sender, nil), "/api/sendemail", tt.body)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			body := decodeBody(t, rec)
			assert.Equal(t, tt.wantMsg, body["message"])
			assert.Equal(t, "validation", body["kind"])
			assert.Zero(t, sender.count(), "relay never invoked")
		})
	}
}

func TestSendEmailAPI_RecipientExtraColumnsIgnored(t *testing.T) {
	sender := &fakeSender{}
	h := newTestServer(t, sender, nil)

	rec := postJSON(h, "/api/sendemail", `{
		"template": "template1.html",
		"subject": "Hi",
		"content": "News",
		"recipients": [
			{"Name": "Ann", "Email": "ann@x.com", "Phone": "123"},
			{"Name": "Bob", "Email": "bob@x.com", "Age": 42, "Tags": ["a"]}
		]
	}`)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.EqualValues(t, 2, body["sent"])
	assert.Equal(t, 2, sender.count())
	ann, ok := sender.byAddress("ann@x.com")
	require.True(t, ok)
	assert.Equal(t, "<h1>Hello Ann</h1><div>News</div>", ann.HTML)
}

func TestSendEmailAPI_RecipientWrongTypeRejected(t *testing.T) {
	sender := &fakeSender{}
	rec := postJSON(newTestServer(t, sender, nil), "/api/sendemail",
		`{"template":"template1.html","recipients":[{"Name":"Ann","Email":7}]}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid request body", decodeBody(t, rec)["message"])
	assert.Zero(t, sender.count())
}

func TestSendEmailAPI_InvalidBody(t *testing.T) {
	for _, raw := range []string{
		`{not json`,
		``,
		`{"template":"template1.html","recipients":[],"cc":"x"}`,
		`{"template":1,"recipients":[]}`,
	} {
		sender := &fakeSender{}
		rec := postJSON(newTestServer(t, sender, nil), "/api/sendemail", raw)

		assert.Equal(t, http.StatusBadRequest, rec.Code, raw)
		body := decodeBody(t, rec)
		assert.Equal(t, "Invalid request body", body["message"])
		assert.Equal(t, "validation", body["kind"])
		assert.NotEmpty(t, body["error"])
		assert.Zero(t, sender.count())
	}
}

func TestSendEmailAPI_TemplateLoadError(t *testing.T) {
	sender := &fakeSender{}
	rec := postJSON(newTestServer(t, sender, nil), "/api/sendemail",
		`{"template":"missing.html","recipients":[{"Name":"A","Email":"a@x.com"}]}`)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "Error sending emails", body["message"])
	assert.Equal(t, "template_load", body["kind"])
	assert.Equal(t, "Template loading error: missing.html", body["error"])
	assert.Zero(t, sender.count())
}

func TestSendEmailAPI_TemplateTraversalRejected(t *testing.T) {
	sender := &fakeSender{}
	rec := postJSON(newTestServer(t, sender, nil), "/api/sendemail",
		`{"template":"../secrets.html","recipients":[{"Name":"A","Email":"a@x.com"}]}`)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "template_load", decodeBody(t, rec)["kind"])
	assert.Zero(t, sender.count())
}

func TestSendEmailAPI_NonTemplateFileRejected(t *testing.T) {
	sender := &fakeSender{}
	rec := postJSON(newTestServer(t, sender, nil), "/api/sendemail",
		`{"template":"notes.txt","recipients":[{"Name":"A","Email":"a@x.com"}]}`)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "template_load", decodeBody(t, rec)["kind"])
	assert.Zero(t, sender.count())
}

func TestSendEmailAPI_PartialFailure(t *testing.T) {
	sender := &fakeSender{failFor: map[string]bool{"bob@x.com": true}}
	rec := postJSON(newTestServer(t, sender, nil), "/api/sendemail", `{
		"template": "template2.html",
		"recipients": [
			{"Name": "Ann", "Email": "ann@x.com"},
			{"Name": "Bob", "Email": "bob@x.com"},
			{"Name": "Nobody", "Email": ""}
		]
	}`)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "Error sending emails", body["message"])
	assert.Equal(t, "transport", body["kind"], "kind of the first failed item")
	assert.EqualValues(t, 1, body["sent"])
	assert.EqualValues(t, 2, body["failed"])

	results := body["results"].([]any)
	require.Len(t, results, 3)
	bob := results[1].(map[string]any)
	assert.Equal(t, "failed", bob["status"])
	assert.Equal(t, "transport", bob["kind"])
	assert.Contains(t, bob["error"], "relay rejected bob@x.com")
	nobody := results[2].(map[string]any)
	assert.Equal(t, "recipient", nobody["kind"])

	assert.Equal(t, 2, sender.count(), "blank address never reaches the relay")
}

func TestSendEmailAPI_Markdown(t *testing.T) {
	sender := &fakeSender{}
	rec := postJSON(newTestServer(t, sender, nil), "/api/sendemail",
		`{"template":"template1.html","format":"markdown","content":"**big**","recipients":[{"Name":"A","Email":"a@x.com"}]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	req, ok := sender.byAddress("a@x.com")
	require.True(t, ok)
	assert.Contains(t, req.HTML, "<strong>big</strong>")
}

// --- POST /api/recipients ---

func TestRecipientsAPI(t *testing.T) {
	h := newTestServer(t, &fakeSender{}, nil)
	body, ct := multipartBody(t, nil, "file", "list.csv", "Name,Email,Company\nAnn,ann@x.com,Acme\nBob,bob@x.com,\n")

	req := httptest.NewRequest(http.MethodPost, "/api/recipients", body)
	req.Header.Set("Content-Type", ct)
	// Multipart uploads are not JSON, so the CSRF header token is required.
	setCSRF(t, h, req)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp recipientsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []recipientJSON{{Name: "Ann", Email: "ann@x.com"}, {Name: "Bob", Email: "bob@x.com"}}, resp.Recipients)
	assert.Equal(t, 2, resp.Total)
	assert.Equal(t, []string{"Company"}, resp.Unknown)
}

func TestRecipientsAPI_MissingColumn(t *testing.T) {
	h := newTestServer(t, &fakeSender{}, nil)
	body, ct := multipartBody(t, nil, "file", "list.csv", "Name,Mail\nAnn,ann@x.com\n")

	req := httptest.NewRequest(http.MethodPost, "/api/recipients", body)
	req.Header.Set("Content-Type", ct)
	setCSRF(t, h, req)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeBody(t, rec)
	assert.Equal(t, "CSV missing required column: Email", resp["message"])
	assert.Equal(t, "validation", resp["kind"])
}

// --- POST /api/preview, GET /api/templates ---

func TestPreviewAPI(t *testing.T) {
	sender := &fakeSender{}
	rec := postJSON(newTestServer(t, sender, nil), "/api/preview",
		`{"template":"template1.html","content":"Welcome!","name":"Ann <3"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "<h1>Hello Ann &lt;3</h1><div>Welcome!</div>", decodeBody(t, rec)["html"])
	assert.Zero(t, sender.count(), "preview never sends")
}

func TestPreviewAPI_Errors(t *testing.T) {
	h := newTestServer(t, &fakeSender{}, nil)

	rec := postJSON(h, "/api/preview", `{"content":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Template is required", decodeBody(t, rec)["message"])

	rec = postJSON(h, "/api/preview", `{"template":"nope.html"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "Preview failed", body["message"])
	assert.Equal(t, "template_load", body["kind"])
}

func TestTemplatesAPI(t *testing.T) {
	h := newTestServer(t, &fakeSender{}, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/templates", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"id":"template1.html","label":"Template 1"},{"id":"template2.html","label":"Template 2"}]`, rec.Body.String())
}

// --- Operational endpoints ---

func TestHealthzAndMetrics(t *testing.T) {
	h := newTestServer(t, &fakeSender{}, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "newsletter_http_request_duration_seconds")
}

func TestRateLimit(t *testing.T) {
	h := newTestServer(t, &fakeSender{}, func(o *Options) {
		o.RateLimit = 2
		o.RateWindow = time.Hour
	})

	codes := make([]int, 3)
	for i := range codes {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		codes[i] = rec.Code
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestRateLimit_PerClientIP(t *testing.T) {
	h := newTestServer(t, &fakeSender{}, func(o *Options) {
		o.RateLimit = 1
		o.RateWindow = time.Hour
	})

	get := func(remote string) int {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	assert.Equal(t, http.StatusOK, get("10.0.0.1:1111"))
	assert.Equal(t, http.StatusTooManyRequests, get("10.0.0.1:2222"), "same IP, other port")
	assert.Equal(t, http.StatusOK, get("10.0.0.2:1111"))
}

func TestRateLimit_Disabled(t *testing.T) {
	h := newTestServer(t, &fakeSender{}, nil)
	for i := 0; i < 20; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

// --- Form flow ---

var csrfFieldRe = regexp.MustCompile(`name="gorilla.csrf.Token" value="([^"]+)"`)

// csrfSession loads the form page and returns its token and cookies.
func csrfSession(t *testing.T, h http.Handler) (string, []*http.Cookie) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	m := csrfFieldRe.FindStringSubmatch(rec.Body.String())
	require.Len(t, m, 2, "form carries a csrf field")
	return m[1], rec.Result().Cookies()
}

func setCSRF(t *testing.T, h http.Handler, req *http.Request) {
	t.Helper()
	token, cookies := csrfSession(t, h)
	req.Header.Set("X-CSRF-Token", token)
	for _, c := range cookies {
		req.AddCookie(c)
	}
}

func TestIndexPage(t *testing.T) {
	h := newTestServer(t, &fakeSender{}, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	page := rec.Body.String()
	assert.Contains(t, page, `<option value="template1.html">Template 1</option>`)
	assert.Contains(t, page, `<option value="template2.html">Template 2</option>`)
	assert.NotContains(t, page, "notes.txt")
	assert.Contains(t, page, `id="send-button"`)
	assert.Contains(t, page, "Sending...")
	assert.Regexp(t, csrfFieldRe, page)

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, rec.Header().Get("Content-Security-Policy"))
}

func TestFormSend_Success(t *testing.T) {
	sender := &fakeSender{}
	h := newTestServer(t, sender, nil)
	token, cookies := csrfSession(t, h)

	body, ct := multipartBody(t, map[string]string{
		"gorilla.csrf.Token": token,
		"template":           "template1.html",
		"subject":            "Spring",
		"content":            "Hello all",
		"format":             "html",
	}, "recipients", "people.csv", "Name,Email\nAnn,ann@x.com\nBob,bob@x.com\n")
	req := httptest.NewRequest(http.MethodPost, "/send", body)
	req.Header.Set("Content-Type", ct)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	page := rec.Body.String()
	assert.Contains(t, page, "Emails sent successfully")
	assert.Contains(t, page, "ann@x.com")
	assert.Contains(t, page, "bob@x.com")
	assert.Equal(t, 2, sender.count())
}

func TestFormSend_ShowsFailedRecipients(t *testing.T) {
	sender := &fakeSender{failFor: map[string]bool{"bob@x.com": true}}
	h := newTestServer(t, sender, nil)
	token, cookies := csrfSession(t, h)

	body, ct := multipartBody(t, map[string]string{
		"gorilla.csrf.Token": token,
		"template":           "template1.html",
		"subject":            "Spring",
	}, "recipients", "people.csv", "Name,Email\nAnn,ann@x.com\nBob,bob@x.com\n")
	req := httptest.NewRequest(http.MethodPost, "/send", body)
	req.Header.Set("Content-Type", ct)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	page := rec.Body.String()
	assert.Contains(t, page, "Error sending emails: 1 of 2 failed")
	assert.Contains(t, page, "relay rejected bob@x.com")
}

func TestFormSend_CSVErrorRerendersForm(t *testing.T) {
	sender := &fakeSender{}
	h := newTestServer(t, sender, nil)
	token, cookies := csrfSession(t, h)

	body, ct := multipartBody(t, map[string]string{
		"gorilla.csrf.Token": token,
		"template":           "template2.html",
		"subject":            "Keep me",
	}, "recipients", "people.csv", "Email\nann@x.com\n")
	req := httptest.NewRequest(http.MethodPost, "/send", body)
	req.Header.Set("Content-Type", ct)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	page := rec.Body.String()
	assert.Contains(t, page, "CSV missing required column: Name")
	assert.Contains(t, page, `value="Keep me"`)
	assert.Contains(t, page, `<option value="template2.html" selected>`)
	assert.Zero(t, sender.count())
}

func TestFormSend_RequiresCSRFToken(t *testing.T) {
	sender := &fakeSender{}
	h := newTestServer(t, sender, nil)

	body, ct := multipartBody(t, map[string]string{"template": "template1.html"},
		"recipients", "people.csv", "Name,Email\nAnn,ann@x.com\n")
	req := httptest.NewRequest(http.MethodPost, "/send", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "Your session expired")
	assert.Zero(t, sender.count())
}

func TestNewServer_RequiresDeps(t *testing.T) {
	_, err := NewServer(Deps{}, Options{CSRFKey: testKey})
	assert.Error(t, err)

	_, err = NewServer(Deps{Templates: templateStore.NewFSStore(fstest.MapFS{}), Sender: &fakeSender{}}, Options{CSRFKey: []byte("short")})
	assert.Error(t, err)
}
