package http

import (
	"encoding/json"
	"time"
)

// frame is the envelope for every message exchanged over the relay's
// websocket connection. Type selects which of the payload fields is set.
type frame struct {
	Type string `json:"type"`

	// SendMessage / MessageSent
	ConvID       string          `json:"conv_id,omitempty"`
	FromDeviceID string          `json:"from_device_id,omitempty"`
	ToDeviceID   string          `json:"to_device_id,omitempty"`
	Ciphertext   string          `json:"ciphertext,omitempty"`
	Header       json.RawMessage `json:"header,omitempty"`
	MessageID    string          `json:"message_id,omitempty"`
	SentAt       *time.Time      `json:"sent_at,omitempty"`

	// AckMessages
	MessageIDs []string `json:"message_ids,omitempty"`

	// GetPrekeyBundle / PrekeyBundle
	DeviceID string          `json:"device_id,omitempty"`
	Bundle   json.RawMessage `json:"bundle,omitempty"`

	// UploadPrekeys
	OneTimePrekeys json.RawMessage `json:"one_time_prekeys,omitempty"`

	// LowPrekeys
	Remaining int `json:"remaining,omitempty"`

	// Error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

const (
	frameTypePing            = "ping"
	frameTypePong            = "pong"
	frameTypeSendMessage     = "send_message"
	frameTypeMessageSent     = "message_sent"
	frameTypeAckMessages     = "ack_messages"
	frameTypeGetPrekeyBundle = "get_prekey_bundle"
	frameTypePrekeyBundle    = "prekey_bundle"
	frameTypeUploadPrekeys   = "upload_prekeys"
	frameTypeLowPrekeys      = "low_prekeys"
	frameTypeError           = "error"
)

func errorFrame(code, message string) frame {
	return frame{Type: frameTypeError, Code: code, Message: message}
}
