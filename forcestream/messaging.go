package forcestream

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ahimsalabs/forcestream-go/forcestream/bayeux"
)

// MessagePayload holds the fields every platform event payload carries.
// Embed it in payload structs:
//
//	type OrderShipped struct {
//		forcestream.MessagePayload
//		OrderNumber string `json:"Order_Number__c"`
//	}
type MessagePayload struct {
	CreatedDate time.Time `json:"CreatedDate"`
	CreatedByID string    `json:"CreatedById"`
}

// MessageEvent identifies an event within its topic.
type MessageEvent struct {
	ReplayID  int64  `json:"replayId"`
	EventUUID string `json:"EventUuid,omitempty"`
}

// MessageData is the data section of a streaming event.
type MessageData[T any] struct {
	Schema  string        `json:"schema"`
	Payload *T            `json:"payload,omitempty"`
	Event   *MessageEvent `json:"event,omitempty"`
}

// MessageEnvelope is a decoded streaming event.
type MessageEnvelope[T any] struct {
	Channel string         `json:"channel"`
	Data    MessageData[T] `json:"data"`
}

// ReplayID returns the event's replay id, or NoReplay when absent.
func (e *MessageEnvelope[T]) ReplayID() int64 {
	if e.Data.Event == nil {
		return NoReplay
	}
	return e.Data.Event.ReplayID
}

// DecodeEnvelope decodes the JSON of a whole Bayeux message.
func DecodeEnvelope[T any](data []byte) (*MessageEnvelope[T], error) {
	var env MessageEnvelope[T]
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &env, nil
}

// DecodeMessage decodes msg's data section into an envelope.
func DecodeMessage[T any](msg *bayeux.Message) (*MessageEnvelope[T], error) {
	env := &MessageEnvelope[T]{Channel: msg.Channel}
	if len(msg.Data) == 0 {
		return env, nil
	}
	if err := json.Unmarshal(msg.Data, &env.Data); err != nil {
		return nil, fmt.Errorf("decode %s message: %w", msg.Channel, err)
	}
	return env, nil
}
