package authclient

import (
	"crypto/sha256"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/hkdf"
)

const (
	minSessionSecretLength = 32

	sessionAuthenticationKeyLength = 64
	sessionEncryptionKeyLength     = 32
)

// deriveSessionKeys expands the configured secret into independent session
// authentication (HMAC) and encryption (AES-256) keys.
func deriveSessionKeys(secret []byte) (authKey, encKey []byte, err error) {
	if len(secret) < minSessionSecretLength {
		return nil, nil, errors.Errorf("session secret must be at least %d bytes", minSessionSecretLength)
	}

	authKey = make([]byte, sessionAuthenticationKeyLength)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte("hostedui session authentication")), authKey); err != nil {
		return nil, nil, errors.Wrap(err, "failed to derive session authentication key")
	}

	encKey = make([]byte, sessionEncryptionKeyLength)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte("hostedui session encryption")), encKey); err != nil {
		return nil, nil, errors.Wrap(err, "failed to derive session encryption key")
	}

	return authKey, encKey, nil
}
