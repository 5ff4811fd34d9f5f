package store

import "time"

// PairingRecord is one pairing code issued for a peer under the channel DM
// policy "pairing".
type PairingRecord struct {
	Code       string    `json:"code"`
	PeerID     string    `json:"peer_id"` // channel-specific sender id, "group:{chatID}" for groups
	Channel    string    `json:"channel"`
	ChatID     string    `json:"chat_id"`
	Scope      string    `json:"scope"`                // caller-defined, e.g. "default"
	PublicKey  string    `json:"public_key,omitempty"` // base64 ed25519 key, device pairings only
	CreatedAt  time.Time `json:"created_at"`
	ApprovedAt time.Time `json:"approved_at,omitempty"` // zero = still pending
}

// Paired reports whether this record has been approved.
func (p PairingRecord) Paired() bool { return !p.ApprovedAt.IsZero() }

// PairingStore persists pairing codes and approvals across restarts. A
// channel plugin calls RequestPairing the first time an unknown peer
// messages it under the "pairing" DM/group policy, then polls IsPaired
// (or is notified out-of-band) once an operator approves the code.
type PairingStore interface {
	// RequestPairing issues (or returns the existing) pending code for a
	// peer, generating a new one only if none is outstanding.
	RequestPairing(peerID, channel, chatID, scope string) (code string, err error)
	// IsPaired reports whether peerID on channel has an approved record.
	IsPaired(peerID, channel string) bool
	// Approve marks the record for code as approved, returning it.
	Approve(code string) (PairingRecord, error)
	// List returns every known pairing record, newest first.
	List() ([]PairingRecord, error)
	// RequestDevicePairing issues (or returns the pending) code for a
	// companion device, remembering its public key for hello-time
	// signature checks.
	RequestDevicePairing(deviceID, publicKey string) (code string, err error)
	// DevicePublicKey returns the approved public key for deviceID.
	DevicePublicKey(deviceID string) (publicKey string, ok bool)
}
