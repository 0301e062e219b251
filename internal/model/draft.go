package model

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// Draft is an outbound message that has not been assigned a server id yet.
type Draft struct {
	ClientID       string `json:"clientId,omitempty" cbor:"client_id,omitempty"`
	ConversationID string `json:"conversationId" cbor:"conversation_id" validate:"required"`
	SenderID       string `json:"senderId" cbor:"sender_id" validate:"required"`
	RecipientID    string `json:"recipientId" cbor:"recipient_id" validate:"required,nefield=SenderID"`
	Body           Body   `json:"body" cbor:"body"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func draftValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// ValidationError lists the draft fields that failed validation.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid draft: %s", strings.Join(e.Fields, ", "))
}

// Validate checks the draft before it is accepted into the outbox.
func (d *Draft) Validate() error {
	err := draftValidator().Struct(d)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return fmt.Errorf("validate draft: %w", err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s(%s)", fe.Namespace(), fe.Tag()))
	}
	return &ValidationError{Fields: fields}
}

// Optimistic builds the local placeholder shown while the draft is in flight.
func (d *Draft) Optimistic(id string, createdAt time.Time) Message {
	return Message{
		ID:             id,
		ClientID:       d.ClientID,
		ConversationID: d.ConversationID,
		SenderID:       d.SenderID,
		RecipientID:    d.RecipientID,
		Body:           d.Body,
		CreatedAt:      createdAt,
		Status:         StatusPending,
	}
}
