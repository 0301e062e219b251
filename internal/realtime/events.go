package realtime

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/matheus3301/spark/internal/model"
	"github.com/matheus3301/spark/internal/wire"
)

// ErrUnknownEvent is returned by Parse for frame types it does not map.
var ErrUnknownEvent = errors.New("realtime: unknown event type")

// Event is one of MessageEvent, ReceiptEvent, TypingEvent or ConnectionEvent.
type Event interface {
	Kind() string
}

// MessageEvent carries a message pushed by the server.
type MessageEvent struct {
	Message model.Message
}

// ReceiptEvent reports a delivery or read receipt.
type ReceiptEvent struct {
	wire.Receipt
}

// TypingEvent reports a typing indicator from a peer.
type TypingEvent struct {
	wire.Typing
}

// ConnectionEvent is emitted by the channel itself when the connection is
// established or lost.
type ConnectionEvent struct {
	Connected bool
	Reason    string
}

// ReasonClientDisconnect is the Reason of a ConnectionEvent caused by
// Disconnect. No reconnect follows it.
const ReasonClientDisconnect = "client disconnect"

// ReasonReconnectExhausted is the Reason of the ConnectionEvent sent when
// the client gives up reconnecting. Nothing redials after it.
const ReasonReconnectExhausted = "reconnect attempts exhausted"

func (MessageEvent) Kind() string    { return "message" }
func (ReceiptEvent) Kind() string    { return "receipt" }
func (TypingEvent) Kind() string     { return "typing" }
func (ConnectionEvent) Kind() string { return "connection" }

// envelope is the realtime frame: {"type": "...", "payload": {...}}.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// control frames are consumed by the client and never surface as events.
var control = map[string]bool{
	"authenticated": true,
	"ping":          true,
	"pong":          true,
}

// Parse decodes a realtime frame into an Event.
func Parse(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	switch env.Type {
	case "message", "message.new", "new_message":
		m, err := wire.ParseMessage(env.Payload)
		if err != nil {
			return nil, err
		}
		return MessageEvent{Message: m}, nil
	case "delivery_receipt", "message.delivered":
		r, err := wire.ParseReceipt(env.Payload, model.StatusDelivered)
		if err != nil {
			return nil, err
		}
		return ReceiptEvent{r}, nil
	case "read_receipt", "message.read":
		r, err := wire.ParseReceipt(env.Payload, model.StatusRead)
		if err != nil {
			return nil, err
		}
		return ReceiptEvent{r}, nil
	case "receipt", "message.status":
		r, err := wire.ParseReceipt(env.Payload, "")
		if err != nil {
			return nil, err
		}
		return ReceiptEvent{r}, nil
	case "typing", "typing.indicator":
		t, err := wire.ParseTyping(env.Payload)
		if err != nil {
			return nil, err
		}
		return TypingEvent{t}, nil
	case "connection":
		var p struct {
			Status string `json:"status"`
			Reason string `json:"reason"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode connection frame: %w", err)
		}
		return ConnectionEvent{Connected: p.Status == "connected", Reason: p.Reason}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
}

func isControl(data []byte) bool {
	var env envelope
	if json.Unmarshal(data, &env) != nil {
		return false
	}
	return control[env.Type]
}
