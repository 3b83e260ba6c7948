package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/epubpress/courier/internal/download"
	"github.com/epubpress/courier/internal/model"
	"go.uber.org/zap"
)

const deliveryFailedPrefix = "Delivery failed: "

// ErrNotDelivering is returned by Deliver when no orchestration is in the
// delivering phase. Nothing is sent and the state is left alone.
var ErrNotDelivering = errors.New("no orchestration is delivering")

// Deliver sends the finished job to the user by email when one is configured,
// otherwise through the file downloader.
func (o *Orchestrator) Deliver(ctx context.Context, jobID string) error {
	o.mu.Lock()
	st, err := o.state.Load(ctx)
	o.mu.Unlock()
	if err != nil {
		return err
	}

	orch, active := st.ActiveOrchestration()
	if !active || orch.Phase != model.PhaseDelivering {
		return ErrNotDelivering
	}
	return o.deliver(ctx, jobID, orch.ID)
}

// deliver runs the delivery for orchestration orchID and completes or fails it
func (o *Orchestrator) deliver(ctx context.Context, jobID, orchID string) error {
	o.mu.Lock()
	st, err := o.state.Load(ctx)
	o.mu.Unlock()

	var (
		method     model.DeliveryMethod
		deliverErr *model.OrchestrationError
	)
	if err != nil {
		deliverErr = model.DeliveryError(deliveryFailedPrefix+"could not read settings", err)
	} else {
		method, deliverErr = o.send(ctx, jobID, st)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.current(ctx, orchID) {
		o.log.Info("discarding delivery result of replaced orchestration", zap.String("jobId", jobID))
		if deliverErr != nil {
			return deliverErr
		}
		return nil
	}

	if deliverErr != nil {
		o.failLocked(ctx, deliverErr)
		return deliverErr
	}

	p := newPatch().
		downloadState(false).
		publishStatus(model.EmptyStatus()).
		del(model.KeyJobTitle, model.KeyPhase, model.KeyOrchestrationID, model.KeyStartedAt)
	if err := o.state.apply(ctx, p); err != nil {
		oe := model.DeliveryError(deliveryFailedPrefix+"could not save state", err)
		o.failLocked(ctx, oe)
		return oe
	}

	var elapsed time.Duration
	if orch, _ := st.ActiveOrchestration(); !orch.StartedAt.IsZero() {
		elapsed = o.now().Sub(orch.StartedAt)
	}
	o.metrics.IncCompleted(method, elapsed)
	o.metrics.SetPhase(model.PhaseIdle)
	o.log.Info("delivery complete",
		zap.String("jobId", jobID),
		zap.String("method", string(method)),
		zap.Duration("elapsed", elapsed))
	o.notifier.Notify(ctx, model.DownloadComplete())
	return nil
}

// send performs exactly one of the two delivery branches. The branch depends
// only on whether the trimmed email is blank.
func (o *Orchestrator) send(ctx context.Context, jobID string, st model.PersistedState) (model.DeliveryMethod, *model.OrchestrationError) {
	fileType := st.FileType
	if fileType == "" {
		fileType = model.DefaultFileType
	}
	log := o.log.With(zap.String("jobId", jobID), zap.String("filetype", string(fileType)))

	if email := strings.TrimSpace(st.Email); email != "" {
		log.Info("delivering by email")
		if err := o.client.Email(ctx, jobID, email, fileType); err != nil {
			return model.DeliveryEmail, model.DeliveryError(msgEmailFailed, err)
		}
		return model.DeliveryEmail, nil
	}

	orch, _ := st.ActiveOrchestration()
	title := orch.Title
	if title == "" {
		title = model.DefaultTitle
	}
	req := download.Request{
		Filename: title + "." + string(fileType),
		URL:      o.client.DownloadURL(jobID, fileType),
	}
	log.Info("delivering file", zap.String("filename", req.Filename))
	if err := o.downloader.Download(ctx, req); err != nil {
		return model.DeliveryFile, model.DeliveryError(fileDownloadFailedPrefix+err.Error(), err)
	}
	return model.DeliveryFile, nil
}
