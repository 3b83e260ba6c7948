package service

import (
	"context"

	"github.com/epubpress/courier/internal/metrics"
	"github.com/epubpress/courier/internal/model"
	"go.uber.org/zap"
)

// Tick runs one status poll. It is the polling timer callback.
func (o *Orchestrator) Tick(ctx context.Context) error {
	o.mu.Lock()
	jobID, err := o.state.PollingJobID(ctx)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	if jobID == "" {
		// polling should not be running
		clearErr := o.timers.Clear(PollingTimer)
		o.mu.Unlock()
		o.metrics.IncPoll(metrics.PollStale)
		o.log.Debug("stale polling tick, timer cleared")
		return clearErr
	}
	o.mu.Unlock()

	snap, pollErr := o.client.Status(ctx, jobID)

	o.mu.Lock()
	current, err := o.state.PollingJobID(ctx)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	if current != jobID {
		o.mu.Unlock()
		o.metrics.IncPoll(metrics.PollStale)
		o.log.Info("discarding status of replaced job", zap.String("jobId", jobID))
		return nil
	}

	if pollErr != nil {
		o.metrics.IncPoll(metrics.PollFailed)
		o.failLocked(ctx, model.PollError(statusCheckFailedPrefix+describe(pollErr), pollErr))
		o.mu.Unlock()
		return nil
	}

	if err := o.state.apply(ctx, newPatch().publishStatus(*snap)); err != nil {
		o.metrics.IncPoll(metrics.PollFailed)
		o.failLocked(ctx, model.PollError(statusCheckFailedPrefix+"could not save status", err))
		o.mu.Unlock()
		return nil
	}
	o.notifier.Notify(ctx, model.StatusUpdate(*snap))

	if !snap.IsTerminal() {
		o.mu.Unlock()
		o.metrics.IncPoll(metrics.PollProgress)
		o.log.Debug("job in progress", zap.String("jobId", jobID), zap.Float64("progress", snap.Progress))
		return nil
	}

	o.metrics.IncPoll(metrics.PollTerminal)
	orchID, err := o.enterDelivering(ctx)
	o.mu.Unlock()
	if err != nil {
		return nil
	}

	o.log.Info("job finished, delivering", zap.String("jobId", jobID), zap.Float64("progress", snap.Progress))
	return o.deliver(ctx, jobID, orchID)
}

// enterDelivering performs the terminal transition: both timers are disarmed
// and pollingJobId cleared before delivery starts. Caller holds mu.
func (o *Orchestrator) enterDelivering(ctx context.Context) (string, error) {
	if err := o.timers.ClearAll(); err != nil {
		o.failLocked(ctx, model.PollError(statusCheckFailedPrefix+"could not stop timers", err))
		return "", err
	}

	orchID, err := o.state.OrchestrationID(ctx)
	if err == nil {
		err = o.state.apply(ctx, newPatch().del(model.KeyPollingJobID).phase(model.PhaseDelivering))
	}
	if err != nil {
		o.failLocked(ctx, model.PollError(statusCheckFailedPrefix+"could not save status", err))
		return "", err
	}

	o.metrics.SetPhase(model.PhaseDelivering)
	return orchID, nil
}
