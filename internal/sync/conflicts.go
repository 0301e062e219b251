package sync

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/matheus3301/spark/internal/api"
	"github.com/matheus3301/spark/internal/model"
	"github.com/matheus3301/spark/internal/outbox"
)

// Policy decides who wins when the cached and server copies of a message
// disagree.
type Policy string

const (
	// PolicyServer lets the server copy win silently.
	PolicyServer Policy = "server"
	// PolicyClient pushes the local copy back to the server. A failed push
	// parks the conflict for manual resolution; it is not retried.
	PolicyClient Policy = "client"
	// PolicyManual parks every conflict until ResolveConflict is called.
	PolicyManual Policy = "manual"
)

// ParsePolicy validates a policy name.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case PolicyServer, PolicyClient, PolicyManual:
		return p, nil
	}
	return "", fmt.Errorf("unknown conflict policy %q", s)
}

// Resolution is the outcome chosen for a parked conflict.
type Resolution string

const (
	KeepLocal  Resolution = "keep_local"
	KeepServer Resolution = "keep_server"
)

// Conflict is a message whose cached and server copies differ.
type Conflict struct {
	MessageID      string        `json:"messageId" cbor:"message_id"`
	ConversationID string        `json:"conversationId" cbor:"conversation_id"`
	Local          model.Message `json:"local" cbor:"local"`
	Server         model.Message `json:"server" cbor:"server"`
	DetectedAt     time.Time     `json:"detectedAt" cbor:"detected_at"`
	// PushError is set when the client policy failed to push Local.
	PushError string `json:"pushError,omitempty" cbor:"push_error,omitempty"`
}

// conflicting reports whether two copies of the same message disagree on
// text, status or read time. Other fields are not compared.
func conflicting(local, server model.Message) bool {
	if local.Body.Text != server.Body.Text || local.Status != server.Status {
		return true
	}
	switch {
	case local.ReadAt == nil && server.ReadAt == nil:
		return false
	case local.ReadAt == nil || server.ReadAt == nil:
		return true
	}
	return !local.ReadAt.Equal(*server.ReadAt)
}

// classifyError maps a sync failure onto the recorded error types.
func classifyError(err error) model.SyncErrorType {
	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Status {
		case http.StatusConflict:
			return model.SyncErrConflict
		case http.StatusBadRequest, http.StatusUnprocessableEntity:
			return model.SyncErrValidation
		}
	}
	return kindType(outbox.Classify(err))
}

// kindType maps a queue failure kind onto a sync error type.
func kindType(k outbox.FailureKind) model.SyncErrorType {
	switch k {
	case outbox.FailureAuthentication, outbox.FailurePermission,
		outbox.FailureSubscriptionRequired, outbox.FailureUserBlocked:
		return model.SyncErrPermission
	case outbox.FailureMessageTooLong:
		return model.SyncErrValidation
	}
	return model.SyncErrNetwork
}
