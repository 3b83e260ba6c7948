// Package metrics records orchestration outcomes.
package metrics

import (
	"time"

	"github.com/epubpress/courier/internal/model"
)

// PollResult labels the outcome of a single status poll
type PollResult string

const (
	PollProgress PollResult = "progress"
	PollTerminal PollResult = "terminal"
	PollFailed   PollResult = "failed"
	PollStale    PollResult = "stale"
)

// Recorder defines observability hooks for the orchestration lifecycle
type Recorder interface {
	IncStarted()
	IncCompleted(method model.DeliveryMethod, d time.Duration)
	IncFailed(kind model.ErrorKind)
	IncPoll(result PollResult)
	SetPhase(phase model.Phase)
}

// NoopRecorder is a Recorder that does nothing (default when metrics are disabled).
type NoopRecorder struct{}

func (NoopRecorder) IncStarted()                                      {}
func (NoopRecorder) IncCompleted(model.DeliveryMethod, time.Duration) {}
func (NoopRecorder) IncFailed(model.ErrorKind)                        {}
func (NoopRecorder) IncPoll(PollResult)                               {}
func (NoopRecorder) SetPhase(model.Phase)                             {}
