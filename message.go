package dispatch

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

const AppName = "cluster_dispatch_v1"

// MessageType represents the type of IPC message
type MessageType string

const (
	MessageTypeSignature MessageType = "signature"
	MessageTypeInvoke    MessageType = "invoke"
	MessageTypeResponse  MessageType = "response"
	MessageTypeError     MessageType = "error"
	MessageTypeEvent     MessageType = "event"
	MessageTypeHeartbeat MessageType = "heartbeat"
	MessageTypeShutdown  MessageType = "shutdown"
)

// Message is the envelope exchanged between the library host and its clients
type Message struct {
	App          string         `msgpack:"app"`
	ID           string         `msgpack:"id"`
	Type         string         `msgpack:"type"`
	Timestamp    float64        `msgpack:"timestamp"`
	Object       string         `msgpack:"object,omitempty"`
	Method       string         `msgpack:"method,omitempty"`
	Args         []any          `msgpack:"args,omitempty"`
	IsEvent      bool           `msgpack:"is_event,omitempty"`
	EventName    string         `msgpack:"event_name,omitempty"`
	Subscription string         `msgpack:"subscription,omitempty"`
	Result       any            `msgpack:"result,omitempty"`
	Signature    Signature      `msgpack:"signature,omitempty"`
	Error        string         `msgpack:"error,omitempty"`
	Metadata     map[string]any `msgpack:"metadata,omitempty"`
}

// NewMessage creates a new message with defaults
func NewMessage() *Message {
	return &Message{
		App:       AppName,
		ID:        uuid.New().String(),
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	}
}

// CreateSignatureQuery creates a get-signature request
func CreateSignatureQuery(msgID string) *Message {
	msg := NewMessage()
	msg.Type = string(MessageTypeSignature)
	if msgID != "" {
		msg.ID = msgID
	}
	return msg
}

// CreateInvoke creates an invocation request message
func CreateInvoke(req *InvocationRequest, msgID string) *Message {
	msg := NewMessage()
	msg.Type = string(MessageTypeInvoke)
	msg.Object = req.ObjectName
	msg.Method = req.MethodName
	msg.Args = req.Args
	msg.IsEvent = req.IsEvent
	msg.EventName = req.EventName
	msg.Subscription = req.SubscriptionID
	if msgID != "" {
		msg.ID = msgID
	}
	return msg
}

// Request extracts the invocation request carried by an invoke message.
// It returns nil when the message does not name an object and method.
func (m *Message) Request() *InvocationRequest {
	if m.Object == "" || m.Method == "" {
		return nil
	}
	return &InvocationRequest{
		ObjectName:     m.Object,
		MethodName:     m.Method,
		Args:           m.Args,
		IsEvent:        m.IsEvent,
		EventName:      m.EventName,
		SubscriptionID: m.Subscription,
	}
}

// CreateResponse creates a response message
func CreateResponse(result any, msgID string) *Message {
	msg := NewMessage()
	msg.Type = string(MessageTypeResponse)
	msg.Result = result
	msg.ID = msgID
	return msg
}

// CreateSignatureResponse creates a reply carrying the library signature
func CreateSignatureResponse(sig Signature, msgID string) *Message {
	msg := NewMessage()
	msg.Type = string(MessageTypeResponse)
	msg.Signature = sig
	msg.ID = msgID
	return msg
}

// CreateError creates an error message
func CreateError(err string, msgID string) *Message {
	msg := NewMessage()
	msg.Type = string(MessageTypeError)
	msg.Error = err
	msg.ID = msgID
	return msg
}

// CreateEvent creates a forwarded event message
func CreateEvent(ev ForwardedEvent) *Message {
	msg := NewMessage()
	msg.Type = string(MessageTypeEvent)
	msg.Object = ev.Object
	msg.EventName = ev.EventName
	msg.Subscription = ev.SubscriptionID
	msg.Args = ev.Args
	return msg
}

// CreateHeartbeat creates a heartbeat request message
func CreateHeartbeat(msgID string) *Message {
	msg := NewMessage()
	msg.Type = string(MessageTypeHeartbeat)
	msg.Metadata = map[string]any{
		"hb_timestamp": float64(time.Now().UnixNano()) / 1e9,
	}
	if msgID != "" {
		msg.ID = msgID
	}
	return msg
}

// CreateHeartbeatResponse creates a heartbeat response message
func CreateHeartbeatResponse(requestID string, originalTimestamp float64) *Message {
	msg := NewMessage()
	msg.Type = string(MessageTypeHeartbeat)
	msg.ID = requestID
	msg.Metadata = map[string]any{
		"hb_timestamp": originalTimestamp,
		"hb_response":  true,
	}
	return msg
}

// CreateShutdown creates a request asking the host to stop serving
func CreateShutdown() *Message {
	msg := NewMessage()
	msg.Type = string(MessageTypeShutdown)
	return msg
}

// Pack serializes the message to msgpack
func (m *Message) Pack() ([]byte, error) {
	return msgpack.Marshal(m)
}

const (
	maxMessageSize = 10 * 1024 * 1024 // 10MB
	maxArrayLength = 10000
	maxMapSize     = 10000
)

// Unpack deserializes a message from msgpack with safety validations
func Unpack(data []byte) (*Message, error) {
	if len(data) > maxMessageSize {
		return nil, fmt.Errorf("message size %d exceeds limit %d", len(data), maxMessageSize)
	}

	var msg Message
	if err := msgpack.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode failed: %w", err)
	}

	if math.IsNaN(msg.Timestamp) || math.IsInf(msg.Timestamp, 0) {
		msg.Timestamp = 0.0
	}

	if err := validateSliceAny(&msg.Args); err != nil {
		return nil, fmt.Errorf("invalid args: %w", err)
	}
	if err := validateAnyValue(&msg.Result); err != nil {
		return nil, fmt.Errorf("invalid result: %w", err)
	}
	if err := validateMetadata(&msg.Metadata); err != nil {
		return nil, fmt.Errorf("invalid metadata: %w", err)
	}

	return &msg, nil
}

// validateAnyValue clamps NaN/Infinity and bounds container sizes
func validateAnyValue(val *any) error {
	if val == nil {
		return nil
	}

	switch v := (*val).(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			*val = 0
		}
	case float32:
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			*val = 0
		}
	case map[string]any:
		if len(v) > maxMapSize {
			return fmt.Errorf("map size %d exceeds limit %d", len(v), maxMapSize)
		}
		for k, vv := range v {
			if err := validateAnyValue(&vv); err != nil {
				return fmt.Errorf("key '%s': %w", k, err)
			}
			v[k] = vv
		}
	case []any:
		if len(v) > maxArrayLength {
			return fmt.Errorf("array length %d exceeds limit %d", len(v), maxArrayLength)
		}
		for i, vv := range v {
			if err := validateAnyValue(&vv); err != nil {
				return fmt.Errorf("index %d: %w", i, err)
			}
			v[i] = vv
		}
	}

	return nil
}

// validateSliceAny validates slices of any type
func validateSliceAny(val *[]any) error {
	if val == nil {
		return nil
	}
	if len(*val) > maxArrayLength {
		return fmt.Errorf("array length %d exceeds limit %d", len(*val), maxArrayLength)
	}

	for i, v := range *val {
		if err := validateAnyValue(&v); err != nil {
			return fmt.Errorf("index %d: %w", i, err)
		}
		(*val)[i] = v
	}

	return nil
}

// validateMetadata validates metadata values
func validateMetadata(meta *map[string]any) error {
	if meta == nil {
		return nil
	}

	for k, v := range *meta {
		if err := validateAnyValue(&v); err != nil {
			return fmt.Errorf("key '%s': %w", k, err)
		}
		(*meta)[k] = v
	}

	return nil
}
