package service

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/epubpress/courier/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitArmsTimeoutThenPolling(t *testing.T) {
	f := newFixture(t)

	accepted := f.submit(t, "T")
	assert.NotEmpty(t, accepted.OrchestrationID)
	assert.Equal(t, model.PhaseSubmitting, accepted.Phase)
	assert.False(t, accepted.Replaced)

	st := f.state(t)
	assert.True(t, st.DownloadState)
	assert.Equal(t, "42", st.PollingJobID)
	assert.Equal(t, "T", st.JobTitle)
	assert.Equal(t, model.PhasePolling, st.Phase)
	assert.Equal(t, accepted.OrchestrationID, st.Orchestration)
	require.NotNil(t, st.StartedAt)
	assert.True(t, f.now.Equal(*st.StartedAt))

	d, ok := f.timers.delay(TimeoutTimer)
	require.True(t, ok)
	assert.Equal(t, testCfg.Timeout, d)
	d, ok = f.timers.delay(PollingTimer)
	require.True(t, ok)
	assert.Equal(t, testCfg.PollInterval, d)

	published := f.remote.publishedBooks()
	require.Len(t, published, 1)
	assert.Equal(t, "T", published[0].Title)
	assert.Empty(t, f.notes.All())
}

func TestScenarioAFileDelivery(t *testing.T) {
	f := newFixture(t)
	f.setStatuses(`{"progress":10}`, `{"progress":55,"message":"Packing"}`, `{"progress":100}`)

	f.submit(t, "T")
	f.tick(t)
	f.tick(t)

	st := f.state(t)
	assert.Equal(t, 55.0, st.PublishStatus.Progress)
	assert.True(t, st.DownloadState)

	f.tick(t)

	reqs := f.downloader.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "T.epub", reqs[0].Filename)
	assert.Equal(t, f.baseURL+"/books/42/download?filetype=epub", reqs[0].URL)
	assert.Empty(t, f.remote.emailCalls())

	notes := f.notes.All()
	require.Len(t, notes, 4)
	for i, want := range []float64{10, 55, 100} {
		assert.Equal(t, model.ActionStatusUpdate, notes[i].Action)
		assert.Equal(t, want, notes[i].Snapshot.Progress)
	}
	assert.Equal(t, model.DownloadComplete(), notes[3])

	requireIdle(t, f.state(t))
	assert.False(t, f.timers.anyArmed())
}

func TestScenarioBEmailDelivery(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.o.SaveSettings(ctx, model.Settings{Email: "a@b.com"}))
	f.setStatuses(`{"progress":100}`)

	f.submit(t, "T")
	f.tick(t)

	emails := f.remote.emailCalls()
	require.Len(t, emails, 1)
	assert.Equal(t, "a@b.com", emails[0].Get("email"))
	assert.Equal(t, "epub", emails[0].Get("filetype"))
	assert.Empty(t, f.downloader.requests())

	last, ok := f.notes.Last()
	require.True(t, ok)
	assert.Equal(t, model.DownloadComplete(), last)
	requireIdle(t, f.state(t))

	settings, err := f.o.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a@b.com", settings.Email)
}

func TestScenarioCPublishFails(t *testing.T) {
	f := newFixture(t)
	f.remote.configure(func(r *fakeEpubPress) {
		r.publishStatus = http.StatusInternalServerError
		r.publishBody = `boom`
	})

	f.submit(t, "T")

	notes := f.notes.All()
	require.Len(t, notes, 1)
	assert.Equal(t, model.ActionDownload, notes[0].Action)
	assert.Equal(t, model.DownloadStatusFailed, notes[0].Status)
	assert.Equal(t, "Publish failed: Internal Server Error", notes[0].Error)
	assert.Equal(t, model.ErrorKindPublish, notes[0].Kind)

	requireIdle(t, f.state(t))
	assert.False(t, f.timers.anyArmed())
}

func TestMalformedPublishResponseNamesStage(t *testing.T) {
	f := newFixture(t)
	f.remote.configure(func(r *fakeEpubPress) { r.publishBody = `<html>not json</html>` })

	f.submit(t, "T")

	last, ok := f.notes.Last()
	require.True(t, ok)
	assert.Equal(t, "Publish failed: malformed response", last.Error)
	assert.Equal(t, model.ErrorKindPublish, last.Kind)
	requireIdle(t, f.state(t))
}

func TestRecoveryIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.submit(t, "T")

	f.o.Fail(ctx, model.PollError("Status check failed: Bad Gateway", nil))
	first := f.store.Snapshot()
	calls := f.timers.clearAllCount()
	assert.False(t, f.timers.anyArmed())

	f.o.Fail(ctx, model.PollError("Status check failed: Bad Gateway", nil))
	assert.Equal(t, first, f.store.Snapshot())
	assert.Equal(t, calls+1, f.timers.clearAllCount())
	assert.False(t, f.timers.anyArmed())

	requireIdle(t, f.state(t))
	notes := f.notes.All()
	require.Len(t, notes, 2)
	assert.Equal(t, notes[0], notes[1])
}

func TestRecoveryFromIdleIsSafe(t *testing.T) {
	f := newFixture(t)
	f.o.Fail(ctx, errors.New("something odd"))

	requireIdle(t, f.state(t))
	last, ok := f.notes.Last()
	require.True(t, ok)
	assert.Equal(t, "something odd", last.Error)
}

func TestCorrelationGuardDropsInflightTick(t *testing.T) {
	f := newFixture(t)
	f.submit(t, "T")

	gate, hit := make(chan struct{}), make(chan string, 1)
	f.remote.configure(func(r *fakeEpubPress) {
		r.statusGate = gate
		r.statusHit = hit
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.tick(t)
	}()

	assert.Equal(t, "42", <-hit)
	f.o.Fail(ctx, model.TimeoutError(msgTimeout))
	before := f.store.Snapshot()
	f.notes.Reset()

	close(gate)
	<-done

	assert.Empty(t, f.notes.All(), "stale status update emitted")
	assert.Equal(t, before, f.store.Snapshot())
	assert.False(t, f.timers.anyArmed())
}

func TestProgressAbove100IsTerminal(t *testing.T) {
	f := newFixture(t)
	f.setStatuses(`{"progress":150}`)

	f.submit(t, "T")
	f.tick(t)

	require.Len(t, f.downloader.requests(), 1)
	last, _ := f.notes.Last()
	assert.Equal(t, model.DownloadComplete(), last)
}

func TestWhitespaceEmailSelectsFileDelivery(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.o.SaveSettings(ctx, model.Settings{Email: "  ", FileType: model.FileTypeMobi}))
	f.setStatuses(`{"progress":100}`)

	f.submit(t, "Novel")
	f.tick(t)

	assert.Empty(t, f.remote.emailCalls())
	reqs := f.downloader.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "Novel.mobi", reqs[0].Filename)
	assert.Equal(t, f.baseURL+"/books/42/download?filetype=mobi", reqs[0].URL)
}

func TestTimeoutWhilePolling(t *testing.T) {
	f := newFixture(t)
	f.setStatuses(`{"progress":100}`)
	f.submit(t, "T")

	f.now = f.now.Add(testCfg.Timeout)
	f.timers.Fire(ctx, TimeoutTimer)

	notes := f.notes.All()
	require.Len(t, notes, 1)
	assert.Equal(t, "Download took too long to complete.", notes[0].Error)
	assert.Equal(t, model.ErrorKindTimeout, notes[0].Kind)
	requireIdle(t, f.state(t))

	// a tick that was already due does nothing but disarm itself
	f.tick(t)
	assert.Len(t, f.notes.All(), 1)
	assert.Empty(t, f.downloader.requests())
	assert.False(t, f.timers.anyArmed())
}

func TestTimeoutWhileSubmitting(t *testing.T) {
	f := newFixture(t)
	gate := make(chan struct{})
	f.remote.configure(func(r *fakeEpubPress) { r.publishGate = gate })

	_, err := f.o.Submit(ctx, book("T"))
	require.NoError(t, err)

	f.now = f.now.Add(testCfg.Timeout)
	f.timers.Fire(ctx, TimeoutTimer)
	close(gate)
	f.o.Wait()

	notes := f.notes.All()
	require.Len(t, notes, 1, "late publish result must be discarded")
	assert.Equal(t, model.ErrorKindTimeout, notes[0].Kind)
	requireIdle(t, f.state(t))
	assert.False(t, f.timers.anyArmed())
}

func TestTimeoutWhenIdleIsIgnored(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.timers.After(TimeoutTimer, time.Minute))

	f.timers.Fire(ctx, TimeoutTimer)

	assert.Empty(t, f.notes.All())
	assert.False(t, f.timers.anyArmed())
}

func TestTimeoutOfReplacedOrchestrationIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.submit(t, "A")

	// A's deadline arrives just as B replaces it
	f.now = f.now.Add(testCfg.Timeout)
	b := f.submit(t, "B")
	f.timers.Fire(ctx, TimeoutTimer)

	st := f.state(t)
	assert.Equal(t, b.OrchestrationID, st.Orchestration)
	assert.Equal(t, model.PhasePolling, st.Phase)
	assert.Equal(t, "B", st.JobTitle)
	assert.True(t, st.DownloadState)
	assert.Empty(t, f.notes.All())

	// B still times out on its own deadline
	f.now = f.now.Add(testCfg.Timeout)
	f.timers.Fire(ctx, TimeoutTimer)

	notes := f.notes.All()
	require.Len(t, notes, 1)
	assert.Equal(t, model.ErrorKindTimeout, notes[0].Kind)
	requireIdle(t, f.state(t))
}

func TestTimeoutBeforeDeadlineIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.submit(t, "T")

	f.now = f.now.Add(testCfg.Timeout - time.Second)
	f.timers.Fire(ctx, TimeoutTimer)

	assert.Empty(t, f.notes.All())
	assert.Equal(t, model.PhasePolling, f.state(t).Phase)
}

func TestDeliverInDeliveringPhase(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Update(ctx, map[string]string{
		model.KeyDownloadState:   "true",
		model.KeyJobTitle:        "Walden",
		model.KeyPhase:           string(model.PhaseDelivering),
		model.KeyOrchestrationID: "orch-1",
		model.KeyStartedAt:       f.now.Add(-time.Minute).Format(time.RFC3339Nano),
	}, nil))

	require.NoError(t, f.o.Deliver(ctx, "42"))

	reqs := f.downloader.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "Walden.epub", reqs[0].Filename)
	assert.Equal(t, f.baseURL+"/books/42/download?filetype=epub", reqs[0].URL)
	assert.Equal(t, []model.Notification{model.DownloadComplete()}, f.notes.All())
	requireIdle(t, f.state(t))
}

func TestDeliverWhenIdleIsRejected(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.o.SaveSettings(ctx, model.Settings{Email: "a@b.com"}))

	err := f.o.Deliver(ctx, "42")

	require.ErrorIs(t, err, ErrNotDelivering)
	assert.Empty(t, f.downloader.requests())
	assert.Empty(t, f.remote.emailCalls())
	assert.Empty(t, f.notes.All())
	assert.Equal(t, "a@b.com", f.state(t).Email)
}

func TestStaleTickDisarmsPolling(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.timers.Every(PollingTimer, time.Second))

	require.NoError(t, f.o.Tick(ctx))

	armed, _ := f.timers.Armed(PollingTimer)
	assert.False(t, armed)
	assert.Empty(t, f.notes.All())
}

func TestPollFailure(t *testing.T) {
	f := newFixture(t)
	f.submit(t, "T")
	f.remote.configure(func(r *fakeEpubPress) { r.statusCode = http.StatusBadGateway })

	f.tick(t)

	last, ok := f.notes.Last()
	require.True(t, ok)
	assert.Equal(t, "Status check failed: Bad Gateway", last.Error)
	assert.Equal(t, model.ErrorKindPoll, last.Kind)
	requireIdle(t, f.state(t))
	assert.False(t, f.timers.anyArmed())
}

func TestEmailDeliveryFailure(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.o.SaveSettings(ctx, model.Settings{Email: "a@b.com"}))
	f.remote.configure(func(r *fakeEpubPress) { r.emailStatus = http.StatusInternalServerError })
	f.setStatuses(`{"progress":100}`)

	f.submit(t, "T")
	f.tick(t)

	last, ok := f.notes.Last()
	require.True(t, ok)
	assert.Equal(t, "Email delivery failed.", last.Error)
	assert.Equal(t, model.ErrorKindDelivery, last.Kind)
	requireIdle(t, f.state(t))
}

func TestFileDeliveryFailure(t *testing.T) {
	f := newFixture(t)
	f.downloader.err = errors.New("disk full")
	f.setStatuses(`{"progress":100}`)

	f.submit(t, "T")
	f.tick(t)

	last, ok := f.notes.Last()
	require.True(t, ok)
	assert.Equal(t, "File download failed: disk full", last.Error)
	requireIdle(t, f.state(t))
}

func TestNewSubmitReplacesInflightOrchestration(t *testing.T) {
	f := newFixture(t)
	gate := make(chan struct{})
	f.remote.configure(func(r *fakeEpubPress) { r.publishGate = gate })

	first, err := f.o.Submit(ctx, book("First"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(f.remote.publishedBooks()) == 1 }, 2*time.Second, 5*time.Millisecond)

	// the second publish goes through while the first is still blocked
	f.remote.configure(func(r *fakeEpubPress) {
		r.publishGate = nil
		r.publishBody = `{"id":7}`
	})

	second, err := f.o.Submit(ctx, book("Second"))
	require.NoError(t, err)
	assert.True(t, second.Replaced)
	assert.NotEqual(t, first.OrchestrationID, second.OrchestrationID)

	require.Eventually(t, func() bool { return f.state(t).PollingJobID == "7" }, 2*time.Second, 10*time.Millisecond)

	// the first publish answers "42" late; it must not touch the new orchestration
	close(gate)
	f.o.Wait()

	st := f.state(t)
	assert.Equal(t, "7", st.PollingJobID)
	assert.Equal(t, "Second", st.JobTitle)
	assert.Equal(t, second.OrchestrationID, st.Orchestration)
	assert.Empty(t, f.notes.All())
}

func TestResume(t *testing.T) {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("polling re-arms timers for the remaining time", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.store.Update(ctx, map[string]string{
			"downloadState":   "true",
			"pollingJobId":    "42",
			"phase":           "polling",
			"orchestrationId": "o-1",
			"startedAt":       started.Format(time.RFC3339Nano),
		}, nil))
		f.now = started.Add(time.Minute)

		require.NoError(t, f.o.Resume(ctx))

		d, ok := f.timers.delay(TimeoutTimer)
		require.True(t, ok)
		assert.Equal(t, 4*time.Minute, d)
		d, ok = f.timers.delay(PollingTimer)
		require.True(t, ok)
		assert.Equal(t, testCfg.PollInterval, d)
		assert.Empty(t, f.notes.All())
	})

	t.Run("polling past the deadline times out", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.store.Update(ctx, map[string]string{
			"downloadState": "true",
			"pollingJobId":  "42",
			"phase":         "polling",
			"startedAt":     started.Format(time.RFC3339Nano),
		}, nil))
		f.now = started.Add(10 * time.Minute)

		require.NoError(t, f.o.Resume(ctx))

		last, ok := f.notes.Last()
		require.True(t, ok)
		assert.Equal(t, model.ErrorKindTimeout, last.Kind)
		requireIdle(t, f.state(t))
	})

	tests := []struct {
		name    string
		state   map[string]string
		kind    model.ErrorKind
		message string
	}{
		{"submitting", map[string]string{"downloadState": "true", "phase": "submitting"}, model.ErrorKindPublish, "Publish interrupted by restart."},
		{"delivering", map[string]string{"downloadState": "true", "phase": "delivering"}, model.ErrorKindDelivery, "Delivery interrupted by restart."},
		{"legacy in progress", map[string]string{"downloadState": "true", "pollingJobId": "9"}, model.ErrorKindPublish, "Publish interrupted by restart."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			require.NoError(t, f.store.Update(ctx, tt.state, nil))

			require.NoError(t, f.o.Resume(ctx))

			last, ok := f.notes.Last()
			require.True(t, ok)
			assert.Equal(t, tt.kind, last.Kind)
			assert.Equal(t, tt.message, last.Error)
			requireIdle(t, f.state(t))
			assert.False(t, f.timers.anyArmed())
		})
	}

	t.Run("idle clears stray timers", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.timers.Every(PollingTimer, time.Second))

		require.NoError(t, f.o.Resume(ctx))

		assert.False(t, f.timers.anyArmed())
		assert.Empty(t, f.notes.All())
	})
}

func TestSettingsRoundTrip(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.o.SaveSettings(ctx, model.Settings{Email: "x@y.z", FileType: model.FileTypeMobi}))
	require.NoError(t, f.o.SaveSettings(ctx, model.Settings{FileType: model.FileTypeMobi}))

	s, err := f.o.Settings(ctx)
	require.NoError(t, err)
	assert.Empty(t, s.Email)
	assert.Equal(t, model.FileTypeMobi, s.FileType)
}
