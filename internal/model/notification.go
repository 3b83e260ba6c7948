package model

import (
	"encoding/json"
	"fmt"
)

// Message actions
const (
	ActionDownload     = "download"
	ActionStatusUpdate = "statusUpdate"
)

// Download outcomes
const (
	DownloadStatusComplete = "complete"
	DownloadStatusFailed   = "failed"
)

// InboundMessage is a request sent by the client over the websocket
type InboundMessage struct {
	Action string          `json:"action"`
	Book   *PublishRequest `json:"book,omitempty"`
}

// Notification is an outbound event for observers of the orchestration.
// Kind is kept for internal consumers and never serialized.
type Notification struct {
	Action   string
	Status   string
	Error    string
	Kind     ErrorKind
	Snapshot StatusSnapshot
}

// StatusUpdate builds the notification emitted after every successful poll
func StatusUpdate(snapshot StatusSnapshot) Notification {
	return Notification{Action: ActionStatusUpdate, Snapshot: snapshot}
}

// DownloadComplete builds the notification emitted after delivery
func DownloadComplete() Notification {
	return Notification{Action: ActionDownload, Status: DownloadStatusComplete}
}

// DownloadFailed builds the notification emitted by failure recovery
func DownloadFailed(kind ErrorKind, message string) Notification {
	return Notification{Action: ActionDownload, Status: DownloadStatusFailed, Kind: kind, Error: message}
}

// MarshalJSON renders the wire shape. Status updates flatten the snapshot
// next to the action field; action is the routing key observers switch on,
// so a snapshot field named "action" never replaces it.
func (n Notification) MarshalJSON() ([]byte, error) {
	switch n.Action {
	case ActionStatusUpdate:
		fields := n.Snapshot.Fields()
		fields["action"] = json.RawMessage(`"` + ActionStatusUpdate + `"`)
		return json.Marshal(fields)
	case ActionDownload:
		out := struct {
			Action string `json:"action"`
			Status string `json:"status"`
			Error  string `json:"error,omitempty"`
		}{Action: n.Action, Status: n.Status, Error: n.Error}
		if n.Status == DownloadStatusFailed && out.Error == "" {
			out.Error = "Unknown error"
		}
		return json.Marshal(out)
	default:
		return nil, fmt.Errorf("unknown notification action %q", n.Action)
	}
}
