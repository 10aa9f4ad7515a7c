package domain

import (
	"time"

	"github.com/google/uuid"
)

type User struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime"`
}

type Device struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID    uuid.UUID `gorm:"type:uuid;not null;index"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime"`
}

type IdentityKey struct {
	DeviceID     uuid.UUID `gorm:"type:uuid;primaryKey"`
	PublicKey    string    `gorm:"type:text;not null"`
	SignatureKey string    `gorm:"type:text;not null"`
	CreatedAt    time.Time `gorm:"not null;autoCreateTime"`
	UpdatedAt    time.Time `gorm:"not null;autoUpdateTime"`
}

// SignedPreKey stores one device's current signed prekey. KeyID is the
// device's own signed-prekey counter (cryptocore's spk_id) echoed back
// verbatim in bundle responses so a handshake built against this row can be
// validated against the device's local counter later; the directory never
// interprets it.
type SignedPreKey struct {
	DeviceID  uuid.UUID `gorm:"type:uuid;primaryKey"`
	KeyID     string    `gorm:"type:text;not null"`
	PublicKey string    `gorm:"type:text;not null"`
	Signature string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"not null"`
}

// OneTimePrekey stores one device-minted one-time prekey. ID is the
// device's own counter (cryptocore's otp_id) rather than a directory-issued
// identifier, so it is scoped to the device via a composite primary key
// instead of being globally unique on its own.
type OneTimePrekey struct {
	DeviceID   uuid.UUID  `gorm:"type:uuid;primaryKey"`
	ID         string     `gorm:"primaryKey"`
	PublicKey  string     `gorm:"type:text;not null"`
	ConsumedAt *time.Time `gorm:"type:timestamptz"`
	CreatedAt  time.Time  `gorm:"not null;autoCreateTime"`
}
