// Package integrity provides ed25519 signing and verification against a
// revocable set of trusted keys. Key material travels in OpenSSH formats:
// public keys as authorized_keys lines, private keys as OPENSSH PRIVATE KEY
// blocks.
package integrity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"os"

	"golang.org/x/crypto/ssh"

	appErr "syscraft/pkg/errors"
)

// signatureDomain namespaces digests so a signature made here can never be
// replayed as some other protocol's message.
const signatureDomain = "syscraft.sig.v1"

// Signature is a detached ed25519 signature plus the id of the key that
// produced it.
type Signature struct {
	KeyID string `json:"key_id"`
	Bytes []byte `json:"bytes"`
}

// Signer holds the active signing identity.
type Signer struct {
	keyID string
	priv  ed25519.PrivateKey
}

// NewSigner wraps an in-memory private key.
func NewSigner(keyID string, priv ed25519.PrivateKey) (*Signer, error) {
	if keyID == "" {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("signer key id is required")
	}
	if len(priv) != ed25519.PrivateKeySize {
		return nil, appErr.Newf(appErr.InvalidParams, "bad private key size %d", len(priv))
	}
	return &Signer{keyID: keyID, priv: priv}, nil
}

// LoadSigner reads an OpenSSH ed25519 private key from path. An empty keyID
// falls back to the key's SHA256 fingerprint.
func LoadSigner(path, keyID string) (*Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, appErr.ConfigError(err, path)
	}
	raw, err := ssh.ParseRawPrivateKey(data)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.KeyringInvalid).WithDetail("path", path)
	}

	var priv ed25519.PrivateKey
	switch k := raw.(type) {
	case ed25519.PrivateKey:
		priv = k
	case *ed25519.PrivateKey:
		priv = *k
	default:
		return nil, appErr.Newf(appErr.KeyringInvalid, "unsupported private key type %T", raw)
	}

	if keyID == "" {
		sshPub, err := ssh.NewPublicKey(priv.Public())
		if err != nil {
			return nil, appErr.Wrap(err, appErr.KeyringInvalid)
		}
		keyID = ssh.FingerprintSHA256(sshPub)
	}
	return NewSigner(keyID, priv)
}

// KeyID returns the id records will carry for this signer.
func (s *Signer) KeyID() string { return s.keyID }

// Public returns the verifying half of the signer's key pair.
func (s *Signer) Public() ed25519.PublicKey {
	return s.priv.Public().(ed25519.PublicKey)
}

// Sign produces a detached signature over message.
func (s *Signer) Sign(message []byte) (Signature, error) {
	if s == nil || len(s.priv) != ed25519.PrivateKeySize {
		return Signature{}, appErr.New(appErr.SigningFailed).WithMessage("signer is not initialized")
	}
	return Signature{
		KeyID: s.keyID,
		Bytes: ed25519.Sign(s.priv, digest(message)),
	}, nil
}

// Verify checks sig over message against the trusted set. The set is
// consulted on every call: a revocation applied a moment ago fails the very
// next verification, there is no result caching.
func Verify(message []byte, sig Signature, keys *TrustedKeySet) error {
	if keys == nil {
		return appErr.New(appErr.InvalidParams).WithMessage("trusted key set is required")
	}
	pub, revoked, found := keys.lookup(sig.KeyID)
	if !found {
		return appErr.Newf(appErr.UnknownKey, "key %q not in trusted set", sig.KeyID)
	}
	if revoked {
		return appErr.Newf(appErr.KeyRevoked, "key %q is revoked", sig.KeyID)
	}
	if !ed25519.Verify(pub, digest(message), sig.Bytes) {
		return appErr.New(appErr.SignatureInvalid).WithDetail("key_id", sig.KeyID)
	}
	return nil
}

func digest(message []byte) []byte {
	h := sha256.New()
	h.Write([]byte(signatureDomain))
	h.Write([]byte{'\n'})
	h.Write(message)
	return h.Sum(nil)
}
