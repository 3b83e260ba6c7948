package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/epubpress/courier/internal/client"
	"github.com/epubpress/courier/internal/config"
	"github.com/epubpress/courier/internal/download"
	"github.com/epubpress/courier/internal/model"
	"github.com/epubpress/courier/internal/notify"
	"github.com/epubpress/courier/internal/store"
	"github.com/epubpress/courier/internal/timer"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testCfg = config.OrchestrationConfig{Timeout: 5 * time.Minute, PollInterval: 5 * time.Second}

// manualTimers is a timer.Service whose timers only fire when the test says so
type manualTimers struct {
	mu            sync.Mutex
	handlers      map[string]timer.Func
	armed         map[string]time.Duration
	repeating     map[string]bool
	clearAllCalls int
}

func newManualTimers() *manualTimers {
	return &manualTimers{
		handlers:  make(map[string]timer.Func),
		armed:     make(map[string]time.Duration),
		repeating: make(map[string]bool),
	}
}

func (m *manualTimers) Handle(name string, fn timer.Func) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[name] = fn
}

func (m *manualTimers) After(name string, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.armed[name] = delay
	m.repeating[name] = false
	return nil
}

func (m *manualTimers) Every(name string, period time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.armed[name] = period
	m.repeating[name] = true
	return nil
}

func (m *manualTimers) Clear(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.armed, name)
	return nil
}

func (m *manualTimers) ClearAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.armed = make(map[string]time.Duration)
	m.clearAllCalls++
	return nil
}

func (m *manualTimers) Armed(name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.armed[name]
	return ok, nil
}

func (m *manualTimers) Start(context.Context) error { return nil }
func (m *manualTimers) Stop() error                 { return nil }

// Fire runs the callback for name whether or not it is armed, like a timer
// that was already due when it got cleared.
func (m *manualTimers) Fire(ctx context.Context, name string) {
	m.mu.Lock()
	fn := m.handlers[name]
	if !m.repeating[name] {
		delete(m.armed, name)
	}
	m.mu.Unlock()
	fn(ctx)
}

func (m *manualTimers) delay(name string) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.armed[name]
	return d, ok
}

func (m *manualTimers) anyArmed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.armed) > 0
}

func (m *manualTimers) clearAllCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clearAllCalls
}

// fakeDownloader records download requests
type fakeDownloader struct {
	mu   sync.Mutex
	reqs []download.Request
	err  error
}

func (f *fakeDownloader) Download(_ context.Context, req download.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return f.err
}

func (f *fakeDownloader) requests() []download.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]download.Request(nil), f.reqs...)
}

// fakeEpubPress serves the remote API from canned answers
type fakeEpubPress struct {
	mu sync.Mutex

	publishStatus int
	publishBody   string
	publishGate   chan struct{}
	published     []model.PublishRequest

	statusCode   int
	statusBodies []string
	statusGate   chan struct{}
	statusHit    chan string
	statusCalls  int

	emailStatus int
	emails      []url.Values
}

func newFakeEpubPress() *fakeEpubPress {
	return &fakeEpubPress{
		publishStatus: http.StatusOK,
		publishBody:   `{"id":"42"}`,
		statusCode:    http.StatusOK,
		emailStatus:   http.StatusOK,
	}
}

func (f *fakeEpubPress) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/books", func(w http.ResponseWriter, r *http.Request) {
		var req model.PublishRequest
		_ = json.NewDecoder(r.Body).Decode(&req)

		f.mu.Lock()
		f.published = append(f.published, req)
		gate, status, body := f.publishGate, f.publishStatus, f.publishBody
		f.mu.Unlock()

		if gate != nil {
			<-gate
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	})
	mux.HandleFunc("GET /api/v1/books/{id}/status", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		body := `{"progress":0}`
		if len(f.statusBodies) > 0 {
			idx := min(f.statusCalls, len(f.statusBodies)-1)
			body = f.statusBodies[idx]
		}
		f.statusCalls++
		code, gate, hit := f.statusCode, f.statusGate, f.statusHit
		f.mu.Unlock()

		if hit != nil {
			hit <- r.PathValue("id")
		}
		if gate != nil {
			<-gate
		}
		w.WriteHeader(code)
		_, _ = w.Write([]byte(body))
	})
	mux.HandleFunc("GET /api/v1/books/{id}/email", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.emails = append(f.emails, r.URL.Query())
		code := f.emailStatus
		f.mu.Unlock()
		w.WriteHeader(code)
	})
	return mux
}

// configure changes the canned answers under the lock
func (f *fakeEpubPress) configure(fn func(f *fakeEpubPress)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeEpubPress) publishedBooks() []model.PublishRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.PublishRequest(nil), f.published...)
}

func (f *fakeEpubPress) emailCalls() []url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]url.Values(nil), f.emails...)
}

type fixture struct {
	o          *Orchestrator
	store      *store.MemoryStore
	timers     *manualTimers
	notes      *notify.Buffer
	downloader *fakeDownloader
	remote     *fakeEpubPress
	baseURL    string
	now        time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	remote := newFakeEpubPress()
	srv := httptest.NewServer(remote.handler(t))
	t.Cleanup(srv.Close)

	f := &fixture{
		store:      store.NewMemoryStore(),
		timers:     newManualTimers(),
		notes:      &notify.Buffer{},
		downloader: &fakeDownloader{},
		remote:     remote,
		baseURL:    srv.URL + "/api/v1",
		now:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.o = NewOrchestrator(Dependencies{
		Store:      f.store,
		Client:     client.NewEpubPressClient(&config.EpubPressConfig{BaseURL: f.baseURL, HTTPTimeout: 5 * time.Second}, zap.NewNop()),
		Timers:     f.timers,
		Notifier:   f.notes,
		Downloader: f.downloader,
		Config:     testCfg,
		Logger:     zap.NewNop(),
	})
	f.o.now = func() time.Time { return f.now }
	return f
}

var ctx = context.Background()

func book(title string) *model.PublishRequest {
	return &model.PublishRequest{
		Title:       title,
		Description: "desc",
		Sections:    []model.Section{json.RawMessage(`{"title":"One","html":"<p>1</p>"}`)},
	}
}

// submit starts an orchestration and waits for the publish call to finish
func (f *fixture) submit(t *testing.T, title string) model.PublishAccepted {
	t.Helper()
	accepted, err := f.o.Submit(ctx, book(title))
	require.NoError(t, err)
	f.o.Wait()
	return accepted
}

func (f *fixture) tick(t *testing.T) {
	t.Helper()
	f.timers.Fire(ctx, PollingTimer)
}

func (f *fixture) state(t *testing.T) model.PersistedState {
	t.Helper()
	st, err := f.o.State(ctx)
	require.NoError(t, err)
	return st
}

func (f *fixture) setStatuses(bodies ...string) {
	f.remote.mu.Lock()
	defer f.remote.mu.Unlock()
	f.remote.statusBodies = bodies
	f.remote.statusCalls = 0
}

// requireIdle checks the persisted state is back to its defaults
func requireIdle(t *testing.T, st model.PersistedState) {
	t.Helper()
	require.False(t, st.DownloadState)
	require.True(t, st.PublishStatus.IsEmpty())
	require.Empty(t, st.PollingJobID)
	require.Empty(t, st.JobTitle)
	require.Equal(t, model.PhaseIdle, st.Phase)
	require.Empty(t, st.Orchestration)
	require.Nil(t, st.StartedAt)
}
