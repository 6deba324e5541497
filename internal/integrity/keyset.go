package integrity

import (
	"crypto/ed25519"
	"sort"
	"sync"

	appErr "syscraft/pkg/errors"
)

type trustedKey struct {
	pub     ed25519.PublicKey
	revoked bool
}

// TrustedKeySet maps key ids to public key material and a revocation flag.
// Reads run concurrently; Add and Revoke take the write lock, so every
// verification that starts after a revoke sees it. Nothing is cached across
// calls.
type TrustedKeySet struct {
	mu   sync.RWMutex
	keys map[string]*trustedKey
}

func NewTrustedKeySet() *TrustedKeySet {
	return &TrustedKeySet{keys: make(map[string]*trustedKey)}
}

// Add registers a public key under id. Re-registering an existing id is an
// error; rotate by adding the new key under a new id and revoking the old.
func (s *TrustedKeySet) Add(id string, pub ed25519.PublicKey) error {
	if id == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("key id is required")
	}
	if len(pub) != ed25519.PublicKeySize {
		return appErr.Newf(appErr.InvalidParams, "bad public key size %d", len(pub))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.keys[id]; exists {
		return appErr.Newf(appErr.InvalidParams, "key %q already registered", id)
	}
	s.keys[id] = &trustedKey{pub: pub}
	return nil
}

// Revoke marks id as untrusted. The key stays in the set so verification of
// old records reports KeyRevoked rather than UnknownKey.
func (s *TrustedKeySet) Revoke(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[id]
	if !ok {
		return appErr.Newf(appErr.NotFound, "key %q not in trusted set", id)
	}
	key.revoked = true
	return nil
}

// IsRevoked reports the revocation flag for id.
func (s *TrustedKeySet) IsRevoked(id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[id]
	if !ok {
		return false, appErr.Newf(appErr.NotFound, "key %q not in trusted set", id)
	}
	return key.revoked, nil
}

// IDs returns the registered key ids in stable order.
func (s *TrustedKeySet) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.keys))
	for id := range s.keys {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Len reports the number of registered keys, revoked ones included.
func (s *TrustedKeySet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

func (s *TrustedKeySet) lookup(id string) (ed25519.PublicKey, bool, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[id]
	if !ok {
		return nil, false, false
	}
	return key.pub, key.revoked, true
}

func (s *TrustedKeySet) add(id string, pub ed25519.PublicKey, revoked bool) error {
	if err := s.Add(id, pub); err != nil {
		return err
	}
	if revoked {
		return s.Revoke(id)
	}
	return nil
}
