package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/david/opportunity-oasis/internal/ai"
	"github.com/david/opportunity-oasis/internal/auth"
	"github.com/david/opportunity-oasis/internal/config"
	"github.com/david/opportunity-oasis/internal/db"
	"github.com/david/opportunity-oasis/internal/metrics"
	"github.com/david/opportunity-oasis/internal/models"
	"github.com/david/opportunity-oasis/internal/notify"
	"github.com/david/opportunity-oasis/internal/reminder"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	opps      map[int64]models.Opportunity
	lastList  db.ListParams
	lastPatch models.Patch
	createErr error
	listErr   error
	updateErr error
	nextID    int64
}

func newFakeStore() *fakeStore {
	deadline := "2025-01-31"
	return &fakeStore{
		nextID: 2,
		opps: map[int64]models.Opportunity{
			1: {ID: 1, Name: "Quantum Fellowship", Details: "Fully funded", Deadline: &deadline,
				DocumentURI: "data:text/plain;base64,aGVsbG8=", DocumentType: models.DocumentText,
				CreatedAt: time.Now(), UpdatedAt: time.Now()},
		},
	}
}

func (f *fakeStore) Create(_ context.Context, draft models.Draft) (*models.Opportunity, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	d, err := draft.Normalize()
	if err != nil {
		return nil, err
	}
	o := models.Opportunity{ID: f.nextID, Name: d.Name, Details: d.Details, Deadline: d.Deadline,
		DocumentURI: d.DocumentURI, DocumentType: d.DocumentType, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	f.opps[o.ID] = o
	f.nextID++
	return &o, nil
}

func (f *fakeStore) GetByID(_ context.Context, id int64) (*models.Opportunity, error) {
	o, ok := f.opps[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return &o, nil
}

func (f *fakeStore) List(_ context.Context, params db.ListParams) (*db.ListResult, error) {
	f.lastList = params
	if f.listErr != nil {
		return nil, f.listErr
	}
	items := []models.Opportunity{}
	for _, o := range f.opps {
		items = append(items, o)
	}
	return &db.ListResult{Items: items, Total: len(items), Page: params.Page, PageSize: params.PageSize}, nil
}

func (f *fakeStore) Update(_ context.Context, id int64, patch models.Patch) (*models.Opportunity, error) {
	f.lastPatch = patch
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	o, ok := f.opps[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	if patch.Name != nil {
		o.Name = *patch.Name
	}
	f.opps[id] = o
	return &o, nil
}

func (f *fakeStore) Delete(_ context.Context, id int64) (bool, error) {
	_, ok := f.opps[id]
	delete(f.opps, id)
	return ok, nil
}

func (f *fakeStore) Stats(context.Context) (*db.Stats, error) {
	return &db.Stats{Total: len(f.opps)}, nil
}

type fakeExtractor struct {
	gotURI string
	result *ai.Extraction
	err    error
}

func (f *fakeExtractor) Extract(_ context.Context, uri string) (*ai.Extraction, error) {
	f.gotURI = uri
	return f.result, f.err
}

type fakeReminders struct{ calls int }

func (f *fakeReminders) Run(context.Context) (*reminder.Result, error) {
	f.calls++
	return &reminder.Result{Processed: []reminder.OffsetResult{{OffsetDays: 7, Count: 1}, {OffsetDays: 3}, {OffsetDays: 1}}}, nil
}

type recordingSink struct {
	mu   sync.Mutex
	sent []notify.Message
}

func (r *recordingSink) Send(_ context.Context, msg notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return nil
}

type harness struct {
	srv       *Server
	store     *fakeStore
	extractor *fakeExtractor
	reminders *fakeReminders
	sink      *recordingSink
	cookie    *http.Cookie
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gate, err := auth.NewGate(config.AuthConfig{
		Email: "user@example.com", Password: "pw", SessionKey: "k", CronSecret: "cron",
	}, nil)
	require.NoError(t, err)
	composer, err := notify.NewComposer("http://localhost:8081")
	require.NoError(t, err)

	h := &harness{
		store:     newFakeStore(),
		extractor: &fakeExtractor{},
		reminders: &fakeReminders{},
		sink:      &recordingSink{},
	}
	h.srv, err = NewServer(Deps{
		Store:     h.store,
		Extractor: h.extractor,
		Reminders: h.reminders,
		Gate:      gate,
		Sink:      h.sink,
		Composer:  composer,
	}, config.HTTPConfig{Port: "0", BodyLimit: "12M"})
	require.NoError(t, err)

	token, _, err := gate.Login("user@example.com", "pw")
	require.NoError(t, err)
	h.cookie = &http.Cookie{Name: auth.SessionCookie, Value: token}
	return h
}

func (h *harness) do(req *http.Request, authed bool) *httptest.ResponseRecorder {
	if authed {
		req.AddCookie(h.cookie)
	}
	rec := httptest.NewRecorder()
	h.srv.Echo().ServeHTTP(rec, req)
	return rec
}

func jsonRequest(method, target string, body any) *http.Request {
	b, _ := json.Marshal(body)
	req := httptest.NewRequest(method, target, bytes.NewReader(b))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body["error"]
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	counter := metrics.HTTPRequests.WithLabelValues(http.MethodGet, "/health", "200")
	before := testutil.ToFloat64(counter)

	rec := h.do(httptest.NewRequest(http.MethodGet, "/health", nil), false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))
	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}

func TestAPIRequiresSession(t *testing.T) {
	h := newHarness(t)
	rec := h.do(httptest.NewRequest(http.MethodGet, "/api/v1/opportunities", nil), false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestListOpportunities(t *testing.T) {
	h := newHarness(t)

	rec := h.do(httptest.NewRequest(http.MethodGet, "/api/v1/opportunities", nil), true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, db.ListParams{Page: 1, PageSize: db.DefaultPageSize}, h.store.lastList)

	var res db.ListResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, 1, res.Total)

	rec = h.do(httptest.NewRequest(http.MethodGet, "/api/v1/opportunities?page=2&pageSize=3&sortField=deadline&sortDirection=ASC&search=quantum", nil), true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, db.ListParams{Page: 2, PageSize: 3, SortField: "deadline", SortDirection: "ASC", Search: "quantum"}, h.store.lastList)

	rec = h.do(httptest.NewRequest(http.MethodGet, "/api/v1/opportunities?page=abc", nil), true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "page: must be an integer", decodeError(t, rec))
}

func TestGetOpportunity(t *testing.T) {
	h := newHarness(t)

	rec := h.do(httptest.NewRequest(http.MethodGet, "/api/v1/opportunities/1", nil), true)
	require.Equal(t, http.StatusOK, rec.Code)
	var o models.Opportunity
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &o))
	assert.Equal(t, "Quantum Fellowship", o.Name)
	assert.Equal(t, "2025-01-31", *o.Deadline)

	rec = h.do(httptest.NewRequest(http.MethodGet, "/api/v1/opportunities/99", nil), true)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(httptest.NewRequest(http.MethodGet, "/api/v1/opportunities/abc", nil), true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateOpportunity(t *testing.T) {
	h := newHarness(t)

	rec := h.do(jsonRequest(http.MethodPost, "/api/v1/opportunities", map[string]any{
		"name":         "PhD Position",
		"details":      "Machine learning for ecology",
		"deadline":     "2025-02-15",
		"documentUri":  "data:text/plain;base64,aGk=",
		"documentType": "text",
	}), true)
	require.Equal(t, http.StatusCreated, rec.Code)

	var o models.Opportunity
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &o))
	assert.Equal(t, int64(2), o.ID)

	h.srv.notifyWG.Wait()
	require.Len(t, h.sink.sent, 1)
	assert.Equal(t, "New Opportunity: PhD Position", h.sink.sent[0].Subject)
}

func TestCreateOpportunity_Errors(t *testing.T) {
	h := newHarness(t)

	rec := h.do(jsonRequest(http.MethodPost, "/api/v1/opportunities", map[string]any{
		"name": "X", "details": "Y", "deadline": "2025-13-45",
		"documentUri": "data:text/plain;base64,aGk=", "documentType": "text",
	}), true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeError(t, rec), "deadline")

	h.store.createErr = fmt.Errorf("%w: insert: connection reset by peer", db.ErrPersistence)
	rec = h.do(jsonRequest(http.MethodPost, "/api/v1/opportunities", map[string]any{
		"name": "X", "details": "Y", "documentUri": "data:text/plain;base64,aGk=", "documentType": "text",
	}), true)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Internal Server Error", decodeError(t, rec))

	h.srv.notifyWG.Wait()
	assert.Empty(t, h.sink.sent)
}

func TestUpdateOpportunity(t *testing.T) {
	h := newHarness(t)

	rec := h.do(jsonRequest(http.MethodPatch, "/api/v1/opportunities/1", map[string]any{"name": "Renamed"}), true)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, h.store.lastPatch.Name)
	assert.Nil(t, h.store.lastPatch.Details)

	h.store.updateErr = models.ErrEmptyPatch
	rec = h.do(jsonRequest(http.MethodPatch, "/api/v1/opportunities/1", map[string]any{}), true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteOpportunity(t *testing.T) {
	h := newHarness(t)

	rec := h.do(httptest.NewRequest(http.MethodDelete, "/api/v1/opportunities/1", nil), true)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.do(httptest.NewRequest(http.MethodDelete, "/api/v1/opportunities/1", nil), true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExtract_Text(t *testing.T) {
	h := newHarness(t)
	deadline := "2026-01"
	h.extractor.result = &ai.Extraction{Name: "Grant", Details: "Money", Deadline: &deadline}

	form := url.Values{"text": {"Grant for research. Deadline January 2026."}}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/extract", strings.NewReader(form.Encode()))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	rec := h.do(req, true)
	require.Equal(t, http.StatusOK, rec.Code)

	var body extractResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, strings.HasPrefix(body.DocumentURI, "data:text/plain;base64,"))
	assert.Equal(t, models.DocumentText, body.DocumentType)
	assert.Equal(t, "Grant", body.Name)
	assert.Equal(t, "2026-01", *body.Deadline)
	assert.Equal(t, body.DocumentURI, h.extractor.gotURI)
}

func TestExtract_FileUpload(t *testing.T) {
	h := newHarness(t)
	h.extractor.result = &ai.Extraction{Name: "Poster", Details: "Contest"}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "poster.png")
	require.NoError(t, err)
	_, _ = part.Write([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/extract", &buf)
	req.Header.Set(echo.HeaderContentType, mw.FormDataContentType())
	rec := h.do(req, true)
	require.Equal(t, http.StatusOK, rec.Code)

	var body extractResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, models.DocumentImage, body.DocumentType)
	assert.True(t, strings.HasPrefix(h.extractor.gotURI, "data:image/png;base64,"))
}

func TestExtract_Failures(t *testing.T) {
	h := newHarness(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/extract", strings.NewReader(""))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	rec := h.do(req, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	h.extractor.err = fmt.Errorf("%w: model returned an empty name or details", ai.ErrExtraction)
	req = httptest.NewRequest(http.MethodPost, "/api/v1/extract", strings.NewReader("text=hello"))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	rec = h.do(req, true)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "AI processing failed. Please try again.", decodeError(t, rec))
}

func TestCronReminders(t *testing.T) {
	h := newHarness(t)

	rec := h.do(httptest.NewRequest(http.MethodGet, "/api/cron/reminders", nil), true)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "a session cookie is not enough")
	assert.Zero(t, h.reminders.calls)

	req := httptest.NewRequest(http.MethodPost, "/api/cron/reminders", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer cron")
	rec = h.do(req, false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, h.reminders.calls)

	var body reminder.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Processed, 3)
	assert.Equal(t, 7, body.Processed[0].OffsetDays)
	assert.Equal(t, 1, body.Processed[0].Count)
}

func TestLoginFlow(t *testing.T) {
	h := newHarness(t)

	form := url.Values{"email": {"user@example.com"}, "password": {"nope"}, "next": {"/opportunity/1"}}
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	rec := h.do(req, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid email or password")

	form.Set("password", "pw")
	req = httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	rec = h.do(req, false)
	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/opportunity/1", rec.Header().Get("Location"))

	var session *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == auth.SessionCookie {
			session = c
		}
	}
	require.NotNil(t, session)
	assert.True(t, session.HttpOnly)

	rec = h.do(jsonRequest(http.MethodPost, "/login", map[string]string{"email": "bad", "password": "pw"}), false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(httptest.NewRequest(http.MethodPost, "/logout", nil), true)
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Contains(t, rec.Header().Get("Set-Cookie"), "session=;")
}

func TestPages(t *testing.T) {
	h := newHarness(t)

	rec := h.do(httptest.NewRequest(http.MethodGet, "/", nil), false)
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/login", rec.Header().Get("Location"))

	rec = h.do(httptest.NewRequest(http.MethodGet, "/", nil), true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Quantum Fellowship")

	rec = h.do(httptest.NewRequest(http.MethodGet, "/opportunity/1", nil), true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Fully funded")
	assert.Contains(t, rec.Body.String(), "hello")

	rec = h.do(httptest.NewRequest(http.MethodGet, "/opportunity/42", nil), true)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(httptest.NewRequest(http.MethodGet, "/login", nil), false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Sign in")
}

func TestRespondError_PersistenceDetailsStayServerSide(t *testing.T) {
	h := newHarness(t)
	h.store.listErr = fmt.Errorf("%w: list: %w", db.ErrPersistence, errors.New("password authentication failed for user oasis"))

	rec := h.do(httptest.NewRequest(http.MethodGet, "/api/v1/opportunities", nil), true)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "password")
}
