package models

import (
	"crypto/ed25519"
	"encoding/json"
	"time"
)

// ServerKeyPair is an instance's Ed25519 federation identity. KeyID is
// derived from the first 5 bytes of the public key, hex-encoded and
// prefixed "ed25519:". A key is valid for KeyTTL from creation; at most
// one key is active at a time.
type ServerKeyPair struct {
	KeyID     string
	Seed      []byte // 32 bytes, ed25519.SeedSize
	Public    ed25519.PublicKey
	ExpiresAt time.Time
	IsActive  bool
}

// KeyTTL is the lifetime of a provisioned server key before it must be
// rotated.
const KeyTTL = 90 * 24 * time.Hour

// Private reconstructs the Ed25519 private key from the stored seed.
func (k ServerKeyPair) Private() ed25519.PrivateKey {
	return ed25519.NewKeyFromSeed(k.Seed)
}

// KeyDocument is the `/_nexus/key/v2/server` response body describing an
// instance's current verify keys.
type KeyDocument struct {
	ServerName   string                      `json:"server_name"`
	VerifyKeys   map[string]KeyDocumentEntry `json:"verify_keys"`
	ValidUntilTS int64                       `json:"valid_until_ts"`
}

// KeyDocumentEntry is a single verify key entry within a KeyDocument.
type KeyDocumentEntry struct {
	Key string `json:"key"` // base64url-encoded Ed25519 public key
}

// PDU is a persistent federation event: a signed, hashed, stored unit of
// federated state or message content.
type PDU struct {
	EventID         string                       `json:"event_id"`
	Origin          string                       `json:"origin"`
	RoomID          string                       `json:"room_id"`
	Sender          string                       `json:"sender"`
	OriginServerTS  int64                        `json:"origin_server_ts_ms"`
	Type            string                       `json:"type"`
	Content         json.RawMessage              `json:"content"`
	PrevEvents      []string                     `json:"prev_events,omitempty"`
	Signatures      map[string]map[string]string `json:"signatures,omitempty"`
	Hashes          map[string]string            `json:"hashes,omitempty"`
}

// Transaction is the envelope for one PUT /send/{txn_id} federation call.
type Transaction struct {
	Origin         string            `json:"origin"`
	Destination    string            `json:"destination"`
	OriginServerTS int64             `json:"origin_server_ts_ms"`
	PDUs           []PDU             `json:"pdus"`
	EDUs           []json.RawMessage `json:"edus"`
}
