package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/epubpress/courier/internal/client"
	"github.com/epubpress/courier/internal/config"
	"github.com/epubpress/courier/internal/download"
	"github.com/epubpress/courier/internal/metrics"
	"github.com/epubpress/courier/internal/model"
	"github.com/epubpress/courier/internal/notify"
	"github.com/epubpress/courier/internal/store"
	"github.com/epubpress/courier/internal/timer"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Timer names. There is at most one of each per process.
const (
	TimeoutTimer = "downloadTimeout"
	PollingTimer = "statusPolling"
)

// User-visible failure messages
const (
	msgTimeout             = "Download took too long to complete."
	msgEmailFailed         = "Email delivery failed."
	msgPublishInterrupted  = "Publish interrupted by restart."
	msgDeliveryInterrupted = "Delivery interrupted by restart."
	msgPollingJobMissing   = "Status check failed: no job to poll"

	publishFailedPrefix      = "Publish failed: "
	statusCheckFailedPrefix  = "Status check failed: "
	fileDownloadFailedPrefix = "File download failed: "
)

// Dependencies wires the orchestrator to its collaborators
type Dependencies struct {
	Store      store.Store
	Client     client.Publisher
	Timers     timer.Service
	Notifier   notify.Notifier
	Downloader download.Downloader
	Metrics    metrics.Recorder
	Config     config.OrchestrationConfig
	Logger     *zap.Logger
}

// Orchestrator owns the publish → poll → deliver state machine. All
// transitions happen under mu and are persisted before it is released;
// remote calls run outside mu and re-check their correlation id afterwards.
type Orchestrator struct {
	mu sync.Mutex

	state      *StateRepository
	client     client.Publisher
	timers     timer.Service
	notifier   notify.Notifier
	downloader download.Downloader
	metrics    metrics.Recorder
	cfg        config.OrchestrationConfig
	log        *zap.Logger
	now        func() time.Time

	// background publish calls started by Submit
	inflight sync.WaitGroup
}

// NewOrchestrator creates the orchestrator and registers its timer callbacks
func NewOrchestrator(deps Dependencies) *Orchestrator {
	if deps.Metrics == nil {
		deps.Metrics = metrics.NoopRecorder{}
	}
	o := &Orchestrator{
		state:      NewStateRepository(deps.Store),
		client:     deps.Client,
		timers:     deps.Timers,
		notifier:   deps.Notifier,
		downloader: deps.Downloader,
		metrics:    deps.Metrics,
		cfg:        deps.Config,
		log:        deps.Logger.Named("orchestrator"),
		now:        time.Now,
	}

	o.timers.Handle(TimeoutTimer, o.onTimeout)
	o.timers.Handle(PollingTimer, func(ctx context.Context) {
		if err := o.Tick(ctx); err != nil {
			o.log.Error("status poll failed", zap.Error(err))
		}
	})
	return o
}

// State returns the persisted state
func (o *Orchestrator) State(ctx context.Context) (model.PersistedState, error) {
	return o.state.Load(ctx)
}

// Settings returns the delivery settings
func (o *Orchestrator) Settings(ctx context.Context) (model.Settings, error) {
	return o.state.Settings(ctx)
}

// SaveSettings replaces the delivery settings
func (o *Orchestrator) SaveSettings(ctx context.Context, s model.Settings) error {
	return o.state.SaveSettings(ctx, s)
}

// Submit starts a new orchestration for req, overwriting any orchestration
// in progress. The publish call runs in the background; Submit returns once
// the new orchestration is persisted and its timeout armed.
func (o *Orchestrator) Submit(ctx context.Context, req *model.PublishRequest) (model.PublishAccepted, error) {
	if req == nil {
		return model.PublishAccepted{}, errors.New("publish request is required")
	}

	o.mu.Lock()
	accepted, err := o.start(ctx, req)
	o.mu.Unlock()
	if err != nil {
		return model.PublishAccepted{}, err
	}

	o.inflight.Add(1)
	go func() {
		defer o.inflight.Done()
		o.publish(context.WithoutCancel(ctx), accepted.OrchestrationID, req)
	}()
	return accepted, nil
}

// Wait blocks until every publish call started by Submit has completed
func (o *Orchestrator) Wait() {
	o.inflight.Wait()
}

func (o *Orchestrator) start(ctx context.Context, req *model.PublishRequest) (model.PublishAccepted, error) {
	prev, err := o.state.Load(ctx)
	if err != nil {
		return model.PublishAccepted{}, err
	}

	// the previous orchestration's polling stops; its late results are
	// discarded because pollingJobId and orchestrationId change below
	if err := o.timers.Clear(PollingTimer); err != nil {
		return model.PublishAccepted{}, fmt.Errorf("failed to clear polling timer: %w", err)
	}

	id := uuid.NewString()
	p := newPatch().
		downloadState(true).
		publishStatus(model.EmptyStatus()).
		set(model.KeyJobTitle, req.Title).
		phase(model.PhaseSubmitting).
		set(model.KeyOrchestrationID, id).
		startedAt(o.now()).
		del(model.KeyPollingJobID)
	if err := o.state.apply(ctx, p); err != nil {
		return model.PublishAccepted{}, err
	}

	if err := o.timers.After(TimeoutTimer, o.cfg.Timeout); err != nil {
		o.failLocked(ctx, model.PublishError(publishFailedPrefix+"could not arm timeout", err))
		return model.PublishAccepted{}, fmt.Errorf("failed to arm timeout: %w", err)
	}

	o.metrics.IncStarted()
	o.metrics.SetPhase(model.PhaseSubmitting)
	_, replaced := prev.ActiveOrchestration()
	o.log.Info("orchestration started",
		zap.String("orchestrationId", id),
		zap.String("title", req.Title),
		zap.Int("sections", len(req.Sections)),
		zap.Bool("replaced", replaced))

	return model.PublishAccepted{OrchestrationID: id, Phase: model.PhaseSubmitting, Replaced: replaced}, nil
}

// publish runs the Submitting → Polling transition for orchestration id
func (o *Orchestrator) publish(ctx context.Context, id string, req *model.PublishRequest) {
	jobID, pubErr := o.client.Publish(ctx, req)

	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.current(ctx, id) {
		o.log.Info("discarding publish result of replaced orchestration", zap.String("orchestrationId", id))
		return
	}

	if pubErr != nil {
		o.failLocked(ctx, model.PublishError(publishFailedPrefix+describe(pubErr), pubErr))
		return
	}

	p := newPatch().set(model.KeyPollingJobID, jobID).phase(model.PhasePolling)
	if err := o.state.apply(ctx, p); err != nil {
		o.failLocked(ctx, model.PublishError(publishFailedPrefix+"could not save job", err))
		return
	}
	if err := o.timers.Every(PollingTimer, o.cfg.PollInterval); err != nil {
		o.failLocked(ctx, model.PublishError(publishFailedPrefix+"could not start polling", err))
		return
	}

	o.metrics.SetPhase(model.PhasePolling)
	o.log.Info("publish accepted", zap.String("orchestrationId", id), zap.String("jobId", jobID))
}

// current reports whether id is still the active orchestration. Caller holds mu.
func (o *Orchestrator) current(ctx context.Context, id string) bool {
	active, err := o.state.OrchestrationID(ctx)
	if err != nil {
		o.log.Error("failed to read orchestration id", zap.Error(err))
		return false
	}
	return active == id
}

// onTimeout fails the active orchestration once its own deadline has passed
// and it has not reached delivery yet. A firing armed by a replaced
// orchestration finds a later deadline and is ignored.
func (o *Orchestrator) onTimeout(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()

	st, err := o.state.Load(ctx)
	if err != nil {
		o.log.Error("timeout: failed to load state", zap.Error(err))
		return
	}

	orch, active := st.ActiveOrchestration()
	if !active || orch.Phase == model.PhaseDelivering {
		if err := o.timers.Clear(TimeoutTimer); err != nil {
			o.log.Warn("failed to clear stray timeout", zap.Error(err))
		}
		return
	}

	if !orch.Expired(o.now(), o.cfg.Timeout) {
		// the active orchestration's own timer stays armed
		o.log.Info("ignoring timeout armed by a replaced orchestration",
			zap.String("orchestrationId", orch.ID),
			zap.Time("deadline", orch.Deadline(o.cfg.Timeout)))
		return
	}

	o.log.Warn("orchestration timed out",
		zap.String("orchestrationId", orch.ID),
		zap.String("phase", orch.Phase.String()))
	o.failLocked(ctx, model.TimeoutError(msgTimeout))
}

// Fail routes err through failure recovery. It is safe to call in any state.
func (o *Orchestrator) Fail(ctx context.Context, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failLocked(ctx, model.AsOrchestrationError(err, model.ErrorKindPublish))
}

// failLocked is the only failure path: it cancels every timer, resets the
// orchestration keys and notifies observers. Caller holds mu.
func (o *Orchestrator) failLocked(ctx context.Context, oe *model.OrchestrationError) {
	if err := o.timers.ClearAll(); err != nil {
		o.log.Error("failed to clear timers", zap.Error(err))
	}

	p := newPatch().
		downloadState(false).
		publishStatus(model.EmptyStatus()).
		del(model.KeyPollingJobID, model.KeyJobTitle, model.KeyPhase, model.KeyOrchestrationID, model.KeyStartedAt)
	if err := o.state.apply(ctx, p); err != nil {
		o.log.Error("failed to reset state", zap.Error(err))
	}

	o.metrics.IncFailed(oe.Kind)
	o.metrics.SetPhase(model.PhaseIdle)
	o.log.Warn("orchestration failed", zap.String("kind", string(oe.Kind)), zap.Error(oe))
	o.notifier.Notify(ctx, model.DownloadFailed(oe.Kind, oe.Message))
}

// Resume brings timers back in line with the persisted state after a restart
func (o *Orchestrator) Resume(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	st, err := o.state.Load(ctx)
	if err != nil {
		return err
	}
	orch, _ := st.ActiveOrchestration()
	log := o.log.With(zap.String("phase", st.Phase.String()), zap.String("orchestrationId", orch.ID))

	switch orch.Phase {
	case model.PhasePolling:
		if orch.JobID == "" {
			o.failLocked(ctx, model.PollError(msgPollingJobMissing, nil))
			return nil
		}
		remaining := o.cfg.Timeout
		if !orch.StartedAt.IsZero() {
			remaining = orch.Deadline(o.cfg.Timeout).Sub(o.now())
		}
		if remaining <= 0 {
			o.failLocked(ctx, model.TimeoutError(msgTimeout))
			return nil
		}
		if err := o.timers.After(TimeoutTimer, remaining); err != nil {
			return fmt.Errorf("failed to re-arm timeout: %w", err)
		}
		if err := o.timers.Every(PollingTimer, o.cfg.PollInterval); err != nil {
			return fmt.Errorf("failed to re-arm polling: %w", err)
		}
		o.metrics.SetPhase(model.PhasePolling)
		log.Info("resumed polling", zap.String("jobId", orch.JobID), zap.Duration("remaining", remaining))

	case model.PhaseSubmitting:
		o.failLocked(ctx, model.PublishError(msgPublishInterrupted, nil))

	case model.PhaseDelivering:
		o.failLocked(ctx, model.DeliveryError(msgDeliveryInterrupted, nil))

	default:
		if st.DownloadState {
			// state written before phases were persisted
			o.failLocked(ctx, model.PublishError(msgPublishInterrupted, nil))
			return nil
		}
		if err := o.timers.ClearAll(); err != nil {
			return fmt.Errorf("failed to clear timers: %w", err)
		}
		log.Info("nothing to resume")
	}
	return nil
}

// describe turns a client error into the short cause shown to users
func describe(err error) string {
	var apiErr *client.APIError
	switch {
	case errors.As(err, &apiErr):
		return apiErr.Status
	case errors.Is(err, client.ErrMalformedResponse):
		return "malformed response"
	case errors.Is(err, context.DeadlineExceeded):
		return "request timed out"
	default:
		return "network error"
	}
}
