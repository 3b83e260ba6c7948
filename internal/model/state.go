package model

import "time"

// Persisted state keys
const (
	KeyDownloadState   = "downloadState"
	KeyPublishStatus   = "publishStatus"
	KeyPollingJobID    = "pollingJobId"
	KeyJobTitle        = "jobTitle"
	KeyPhase           = "phase"
	KeyOrchestrationID = "orchestrationId"
	KeyStartedAt       = "startedAt"

	// user configuration
	KeyEmail    = "email"
	KeyFileType = "filetype"
)

// OrchestrationKeys are reset by failure recovery
var OrchestrationKeys = []string{
	KeyDownloadState,
	KeyPublishStatus,
	KeyPollingJobID,
	KeyJobTitle,
	KeyPhase,
	KeyOrchestrationID,
	KeyStartedAt,
}

// AllKeys is every key the service reads
var AllKeys = append(append([]string{}, OrchestrationKeys...), KeyEmail, KeyFileType)

// PersistedState is the typed view of the state store
type PersistedState struct {
	DownloadState bool           `json:"downloadState"`
	PublishStatus StatusSnapshot `json:"publishStatus"`
	PollingJobID  string         `json:"pollingJobId,omitempty"`
	JobTitle      string         `json:"jobTitle,omitempty"`
	Phase         Phase          `json:"phase"`
	Orchestration string         `json:"orchestrationId,omitempty"`
	StartedAt     *time.Time     `json:"startedAt,omitempty"`
	Email         string         `json:"email,omitempty"`
	FileType      FileType       `json:"filetype,omitempty"`
}

// Orchestration is the one active publish lifecycle. It exists from submit
// until delivery completes or the orchestration fails.
type Orchestration struct {
	ID        string
	Phase     Phase
	JobID     string
	Title     string
	StartedAt time.Time
}

// Deadline is the instant the orchestration times out
func (o Orchestration) Deadline(timeout time.Duration) time.Time {
	return o.StartedAt.Add(timeout)
}

// Expired reports whether the deadline has been reached at now. An
// orchestration without a start time is always expired.
func (o Orchestration) Expired(now time.Time, timeout time.Duration) bool {
	if o.StartedAt.IsZero() {
		return true
	}
	return !now.Before(o.Deadline(timeout))
}

// ActiveOrchestration returns the orchestration in progress, if any. ID may
// be empty for state persisted before orchestration ids were stored.
func (s PersistedState) ActiveOrchestration() (Orchestration, bool) {
	if !s.Phase.Active() {
		return Orchestration{}, false
	}
	o := Orchestration{
		ID:    s.Orchestration,
		Phase: s.Phase,
		JobID: s.PollingJobID,
		Title: s.JobTitle,
	}
	if s.StartedAt != nil {
		o.StartedAt = *s.StartedAt
	}
	return o, true
}

// Settings are the user-configurable delivery options
type Settings struct {
	Email    string   `json:"email" validate:"omitempty,email,max=320"`
	FileType FileType `json:"filetype" validate:"omitempty,oneof=epub mobi"`
}
