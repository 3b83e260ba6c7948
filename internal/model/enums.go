package model

// Phase is the persisted orchestration state. Idle is the absence of a phase.
type Phase string

const (
	PhaseIdle       Phase = ""
	PhaseSubmitting Phase = "submitting"
	PhasePolling    Phase = "polling"
	PhaseDelivering Phase = "delivering"
)

// Active reports whether the phase belongs to an orchestration in progress.
func (p Phase) Active() bool {
	switch p {
	case PhaseSubmitting, PhasePolling, PhaseDelivering:
		return true
	}
	return false
}

// String returns "idle" for the zero phase so logs and metrics stay readable.
func (p Phase) String() string {
	if p == PhaseIdle {
		return "idle"
	}
	return string(p)
}

// File types the remote service can render
type FileType string

const (
	FileTypeEpub FileType = "epub"
	FileTypeMobi FileType = "mobi"
)

var ValidFileTypes = []FileType{FileTypeEpub, FileTypeMobi}

// Delivery branches
type DeliveryMethod string

const (
	DeliveryEmail DeliveryMethod = "email"
	DeliveryFile  DeliveryMethod = "file"
)

// Defaults applied when the persisted configuration is unset
const (
	DefaultFileType = FileTypeEpub
	DefaultTitle    = "ebook"
)
