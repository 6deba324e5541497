package integrity

import (
	"crypto/ed25519"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"

	appErr "syscraft/pkg/errors"
)

// revokedOption marks a keyring entry as untrusted without dropping it from
// the file, so records signed before the revocation still resolve to a key.
const revokedOption = "revoked"

// LoadKeyring reads trusted public keys from an authorized_keys style file.
// Blank lines and lines starting with '#' are skipped. The entry comment is
// the key id; entries without a comment use the key's SHA256 fingerprint.
func LoadKeyring(path string) (*TrustedKeySet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, appErr.ConfigError(err, path)
	}
	set, err := ParseKeyring(data)
	if err != nil {
		return nil, appErr.GetError(err).WithDetail("path", path)
	}
	return set, nil
}

// ParseKeyring builds a TrustedKeySet from authorized_keys content. Only
// ed25519 keys are accepted; anything else fails the whole keyring rather
// than silently shrinking the trusted set.
func ParseKeyring(data []byte) (*TrustedKeySet, error) {
	set := NewTrustedKeySet()
	for i, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		pub, comment, options, _, err := ssh.ParseAuthorizedKey([]byte(line))
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.KeyringInvalid, "keyring line %d", i+1)
		}
		edPub, err := ed25519PublicKey(pub)
		if err != nil {
			return nil, appErr.GetError(err).WithDetail("line", i+1)
		}

		id := comment
		if id == "" {
			id = ssh.FingerprintSHA256(pub)
		}
		if err := set.add(id, edPub, hasOption(options, revokedOption)); err != nil {
			return nil, appErr.GetError(err).WithDetail("line", i+1)
		}
	}
	return set, nil
}

// FormatKeyringEntry renders one authorized_keys line for pub under id.
func FormatKeyringEntry(pub ed25519.PublicKey, id string, revoked bool) (string, error) {
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return "", appErr.Wrap(err, appErr.KeyringInvalid)
	}
	entry := strings.TrimRight(string(ssh.MarshalAuthorizedKey(sshPub)), "\n")
	if id != "" {
		entry = fmt.Sprintf("%s %s", entry, id)
	}
	if revoked {
		entry = revokedOption + " " + entry
	}
	return entry, nil
}

func ed25519PublicKey(pub ssh.PublicKey) (ed25519.PublicKey, error) {
	cryptoPub, ok := pub.(ssh.CryptoPublicKey)
	if !ok {
		return nil, appErr.Newf(appErr.KeyringInvalid, "key type %s carries no raw key", pub.Type())
	}
	edPub, ok := cryptoPub.CryptoPublicKey().(ed25519.PublicKey)
	if !ok {
		return nil, appErr.Newf(appErr.KeyringInvalid, "unsupported key type %s, want %s", pub.Type(), ssh.KeyAlgoED25519)
	}
	return edPub, nil
}

func hasOption(options []string, want string) bool {
	for _, opt := range options {
		if opt == want {
			return true
		}
	}
	return false
}
