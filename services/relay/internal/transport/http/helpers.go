package http

import (
	"encoding/base64"

	"chai/services/relay/internal/store"
)

// storeMessage is a thin local alias over store.Message so this package's
// frame-building helpers don't need to import store everywhere they touch
// a stored message.
type storeMessage store.Message

func messageSentFrame(m storeMessage) frame {
	sentAt := m.SentAt
	return frame{
		Type:         frameTypeMessageSent,
		MessageID:    m.ID.String(),
		ConvID:       m.ConvID.String(),
		FromDeviceID: m.FromDeviceID.String(),
		ToDeviceID:   m.ToDeviceID.String(),
		Ciphertext:   base64.StdEncoding.EncodeToString(m.Ciphertext),
		Header:       append([]byte(nil), m.Header...),
		SentAt:       &sentAt,
	}
}
