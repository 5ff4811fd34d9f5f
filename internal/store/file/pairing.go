// Package file implements the file-backed Session Store, Auth-Profile
// Store, and Pairing Store.
package file

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/halogate/halogate/internal/store"
)

const pairingFileName = "pairing.json"

// PairingStore is the file-backed store.PairingStore: a single JSON file,
// rewritten atomically, keyed by pairing code.
type PairingStore struct {
	mu   sync.Mutex
	path string
}

// NewPairingStore opens (or creates) the pairing store under dir.
func NewPairingStore(dir string) (*PairingStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &PairingStore{path: filepath.Join(dir, pairingFileName)}, nil
}

func (s *PairingStore) load() (map[string]store.PairingRecord, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]store.PairingRecord{}, nil
		}
		return nil, err
	}
	var recs map[string]store.PairingRecord
	if err := json.Unmarshal(data, &recs); err != nil {
		return map[string]store.PairingRecord{}, nil // corrupt file: start fresh
	}
	return recs, nil
}

func (s *PairingStore) save(recs map[string]store.PairingRecord) error {
	data, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".tmp-pairing-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return err
	}
	cleanup = false
	return nil
}

// RequestPairing implements store.PairingStore.
func (s *PairingStore) RequestPairing(peerID, channel, chatID, scope string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.load()
	if err != nil {
		return "", err
	}

	for code, r := range recs {
		if r.PeerID == peerID && r.Channel == channel && !r.Paired() {
			return code, nil
		}
	}

	code, err := generatePairingCode()
	if err != nil {
		return "", err
	}
	recs[code] = store.PairingRecord{
		Code:      code,
		PeerID:    peerID,
		Channel:   channel,
		ChatID:    chatID,
		Scope:     scope,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.save(recs); err != nil {
		return "", err
	}
	return code, nil
}

// IsPaired implements store.PairingStore.
func (s *PairingStore) IsPaired(peerID, channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.load()
	if err != nil {
		return false
	}
	for _, r := range recs {
		if r.PeerID == peerID && r.Channel == channel && r.Paired() {
			return true
		}
	}
	return false
}

// Approve implements store.PairingStore.
func (s *PairingStore) Approve(code string) (store.PairingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.load()
	if err != nil {
		return store.PairingRecord{}, err
	}
	rec, ok := recs[code]
	if !ok {
		return store.PairingRecord{}, errors.New("pairing code not found")
	}
	rec.ApprovedAt = time.Now().UTC()
	recs[code] = rec
	if err := s.save(recs); err != nil {
		return store.PairingRecord{}, err
	}
	return rec, nil
}

// List implements store.PairingStore.
func (s *PairingStore) List() ([]store.PairingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]store.PairingRecord, 0, len(recs))
	for _, r := range recs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// deviceChannel is the synthetic channel name device pairings live under.
const deviceChannel = "device"

// RequestDevicePairing implements store.PairingStore.
func (s *PairingStore) RequestDevicePairing(deviceID, publicKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.load()
	if err != nil {
		return "", err
	}
	for code, r := range recs {
		if r.PeerID == deviceID && r.Channel == deviceChannel && !r.Paired() {
			if r.PublicKey != publicKey {
				r.PublicKey = publicKey
				recs[code] = r
				if err := s.save(recs); err != nil {
					return "", err
				}
			}
			return code, nil
		}
	}

	code, err := generatePairingCode()
	if err != nil {
		return "", err
	}
	recs[code] = store.PairingRecord{
		Code:      code,
		PeerID:    deviceID,
		Channel:   deviceChannel,
		Scope:     "device",
		PublicKey: publicKey,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.save(recs); err != nil {
		return "", err
	}
	return code, nil
}

// DevicePublicKey implements store.PairingStore.
func (s *PairingStore) DevicePublicKey(deviceID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.load()
	if err != nil {
		return "", false
	}
	for _, r := range recs {
		if r.PeerID == deviceID && r.Channel == deviceChannel && r.Paired() {
			return r.PublicKey, true
		}
	}
	return "", false
}

func generatePairingCode() (string, error) {
	const alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // no 0/O/1/I
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate pairing code: %w", err)
	}
	code := make([]byte, len(buf))
	for i, b := range buf {
		code[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(code), nil
}
