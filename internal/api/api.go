// Package api is the request/response transport to the messaging server.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/matheus3301/spark/internal/model"
)

// MessagingAPI is the server surface the offline subsystem talks to.
type MessagingAPI interface {
	SendMessage(ctx context.Context, d model.Draft) (*model.Message, error)
	GetMessages(ctx context.Context, conversationID string, q Query) ([]model.Message, error)
	GetConversations(ctx context.Context) ([]model.Conversation, error)
	MarkConversationAsRead(ctx context.Context, conversationID string) error
	SendTypingIndicator(ctx context.Context, conversationID string, typing bool) error
	SendDeliveryReceipt(ctx context.Context, messageID string, status model.Status) error
	GetUnreadCounts(ctx context.Context) (map[string]int, error)
	// PushMessage overwrites the server copy of m with the local one.
	PushMessage(ctx context.Context, m model.Message) error
}

// Query bounds a message fetch. Zero values are omitted.
type Query struct {
	Limit  int
	Before time.Time
	After  time.Time
}

// ErrNetwork marks failures where no server response was obtained.
var ErrNetwork = errors.New("network error")

// Error is an application-level failure reported by the server.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	switch {
	case e.Code != "" && e.Message != "":
		return fmt.Sprintf("api %d %s: %s", e.Status, e.Code, e.Message)
	case e.Message != "":
		return fmt.Sprintf("api %d: %s", e.Status, e.Message)
	case e.Code != "":
		return fmt.Sprintf("api %d %s", e.Status, e.Code)
	}
	return fmt.Sprintf("api %d %s", e.Status, http.StatusText(e.Status))
}

type networkError struct {
	err error
}

func (e *networkError) Error() string { return "network: " + e.err.Error() }

func (e *networkError) Unwrap() []error { return []error{ErrNetwork, e.err} }

// NetworkError wraps err so that errors.Is(err, ErrNetwork) holds while the
// cause stays reachable.
func NetworkError(err error) error {
	if err == nil {
		return nil
	}
	return &networkError{err: err}
}
