// Package sessionstore persists session snapshots across disconnects.
//
// A snapshot is written on every disconnect, read at most once after the next
// reconnect, and always deleted after the recovery attempt so a stale session
// can never be re-applied by a later unrelated disconnect. Snapshots are
// sealed at rest with NaCl secretbox under a machine-local key; anything that
// fails to open is treated as absent.
package sessionstore

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/strandline/tether/internal/clock"
)

// snapshotFile is the single well-known location of the persisted blob.
const snapshotFile = "session-snapshot.bin"

// Store reads and writes the encrypted snapshot blob.
type Store struct {
	log  zerolog.Logger
	clk  clock.Clock
	path string
	key  [32]byte
}

// NewStore opens (or initializes) the snapshot store under dir, loading or
// generating the sealing key at keyPath.
func NewStore(log zerolog.Logger, dir, keyPath string, clk clock.Clock) (*Store, error) {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create snapshot dir: %w", err)
	}
	key, err := getOrCreateSecretKey(keyPath)
	if err != nil {
		return nil, err
	}

	s := &Store{
		log:  log,
		clk:  clk,
		path: filepath.Join(dir, snapshotFile),
	}
	copy(s.key[:], key)
	return s, nil
}

// Save seals and writes snap, overwriting any previous snapshot. The capture
// timestamp is stamped here.
func (s *Store) Save(snap Snapshot) error {
	snap.Timestamp = s.clk.Now().UnixMilli()
	if len(snap.State) > MaxStateEntries {
		snap.State = snap.State[:MaxStateEntries]
	}

	plaintext, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], plaintext, &nonce, &s.key)

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Load reads the snapshot. ok is false when none exists or the blob cannot be
// opened (wrong key, corruption); an unopenable blob is deleted on the spot.
func (s *Store) Load() (snap Snapshot, ok bool, err error) {
	sealed, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, err
	}

	if len(sealed) < 24 {
		s.log.Warn().Msg("snapshot blob truncated, discarding")
		_ = s.Delete()
		return Snapshot{}, false, nil
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	plaintext, opened := secretbox.Open(nil, sealed[24:], &nonce, &s.key)
	if !opened {
		s.log.Warn().Msg("snapshot failed to open, discarding")
		_ = s.Delete()
		return Snapshot{}, false, nil
	}

	if err := json.Unmarshal(plaintext, &snap); err != nil {
		s.log.Warn().Err(err).Msg("snapshot unmarshal failed, discarding")
		_ = s.Delete()
		return Snapshot{}, false, nil
	}
	return snap, true, nil
}

// Delete removes the snapshot. Missing files are not an error.
func (s *Store) Delete() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// getOrCreateSecretKey loads the 32-byte sealing key from path, generating
// and persisting one on first use.
func getOrCreateSecretKey(path string) ([]byte, error) {
	if data, err := os.ReadFile(path); err == nil {
		key, err := base64.StdEncoding.DecodeString(string(data))
		if err != nil {
			return nil, fmt.Errorf("failed to decode key: %w", err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("invalid key length: %d (expected 32)", len(key))
		}
		return key, nil
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(key)
	if err := os.WriteFile(path, []byte(encoded), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write key: %w", err)
	}
	return key, nil
}
