package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	cryptocore "chai/services/crypto-core"
)

// These mirror services/prekeys/internal/dto's wire shapes. They are
// redeclared rather than imported because that package is internal to the
// prekeys service.
type signedPreKeyDTO struct {
	KeyID     string    `json:"keyId"`
	PublicKey string    `json:"publicKey"`
	Signature string    `json:"signature"`
	CreatedAt time.Time `json:"createdAt"`
}

type oneTimePreKeyDTO struct {
	ID        string `json:"id"`
	PublicKey string `json:"publicKey"`
}

type registerDeviceRequest struct {
	UserID               string             `json:"userId"`
	DeviceID             string             `json:"deviceId"`
	IdentityKey          string             `json:"identityKey"`
	IdentitySignatureKey string             `json:"identitySignatureKey"`
	SignedPreKey         signedPreKeyDTO    `json:"signedPreKey"`
	OneTimePreKeys       []oneTimePreKeyDTO `json:"oneTimePreKeys"`
}

type registerDeviceResponse struct {
	UserID         string `json:"userId"`
	DeviceID       string `json:"deviceId"`
	OneTimePreKeys int    `json:"oneTimePreKeys"`
}

type prekeyBundleDTO struct {
	DeviceID             string            `json:"deviceId"`
	IdentityKey          string            `json:"identityKey"`
	IdentitySignatureKey string            `json:"identitySignatureKey"`
	SignedPreKey         signedPreKeyDTO   `json:"signedPreKey"`
	OneTimePreKey        *oneTimePreKeyDTO `json:"oneTimePreKey,omitempty"`
}

// RegisterDevice publishes a freshly generated prekey bundle to the prekey
// directory at baseURL under userID/deviceID, so peers can later fetch it
// through the relay's GetPrekeyBundle frame.
func RegisterDevice(ctx context.Context, baseURL, userID, deviceID string, bundle *cryptocore.PrekeyBundle) error {
	req := registerDeviceRequest{
		UserID:               userID,
		DeviceID:             deviceID,
		IdentityKey:          base64.StdEncoding.EncodeToString(bundle.IdentityKey[:]),
		IdentitySignatureKey: base64.StdEncoding.EncodeToString(bundle.IdentitySignatureKey),
		SignedPreKey: signedPreKeyDTO{
			KeyID:     strconv.FormatUint(uint64(bundle.SignedPrekeyID), 10),
			PublicKey: base64.StdEncoding.EncodeToString(bundle.SignedPrekey[:]),
			Signature: base64.StdEncoding.EncodeToString(bundle.SignedPrekeySig),
			CreatedAt: time.Now().UTC(),
		},
	}
	for _, otk := range bundle.OneTimePrekeys {
		req.OneTimePreKeys = append(req.OneTimePreKeys, oneTimePreKeyDTO{
			ID:        strconv.FormatUint(uint64(otk.ID), 10),
			PublicKey: base64.StdEncoding.EncodeToString(otk.Public[:]),
		})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(baseURL, "/")+"/keys/device/register", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("client: register device: %s", resp.Status)
	}
	var out registerDeviceResponse
	return json.NewDecoder(resp.Body).Decode(&out)
}

// convertBundle decodes a prekey_bundle frame's Bundle payload into the
// cryptocore type InitSession expects.
func convertBundle(raw json.RawMessage) (*cryptocore.PrekeyBundle, error) {
	var dto prekeyBundleDTO
	if err := json.Unmarshal(raw, &dto); err != nil {
		return nil, fmt.Errorf("client: decode prekey bundle: %w", err)
	}

	identityKey, err := decode32(dto.IdentityKey)
	if err != nil {
		return nil, fmt.Errorf("client: bundle identity key: %w", err)
	}
	signedPrekey, err := decode32(dto.SignedPreKey.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("client: bundle signed prekey: %w", err)
	}
	identitySig, err := base64.StdEncoding.DecodeString(dto.IdentitySignatureKey)
	if err != nil {
		return nil, fmt.Errorf("client: bundle identity signature key: %w", err)
	}
	signedSig, err := base64.StdEncoding.DecodeString(dto.SignedPreKey.Signature)
	if err != nil {
		return nil, fmt.Errorf("client: bundle signed prekey signature: %w", err)
	}
	signedPrekeyID, err := parseUint32(dto.SignedPreKey.KeyID)
	if err != nil {
		return nil, fmt.Errorf("client: bundle signed prekey id: %w", err)
	}

	bundle := &cryptocore.PrekeyBundle{
		IdentityKey:          identityKey,
		IdentitySignatureKey: identitySig,
		SignedPrekey:         signedPrekey,
		SignedPrekeySig:      signedSig,
		SignedPrekeyID:       signedPrekeyID,
	}

	if dto.OneTimePreKey != nil {
		otkKey, err := decode32(dto.OneTimePreKey.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("client: bundle one-time prekey: %w", err)
		}
		otkID, err := parseUint32(dto.OneTimePreKey.ID)
		if err != nil {
			return nil, fmt.Errorf("client: bundle one-time prekey id: %w", err)
		}
		bundle.OneTimePrekeys = []cryptocore.OneTimePrekey{{ID: otkID, Public: otkKey}}
	}

	return bundle, nil
}

func decode32(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}
