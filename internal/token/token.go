// Package token holds package-level access to the ingest handshake's
// authKey: the shared secret a loader presents when opening a contribution
// so the controller can authenticate it without a full credential lookup
// on every CSV chunk. Backed by internal/secrets so the key is encrypted
// at rest.
package token

import (
	"context"

	"shardctl/internal/logx"
	"shardctl/internal/secrets"
)

// authKeyName is the credential slot the ingest handshake authKey is
// stored under in internal/secrets.
const authKeyName = "ingest.authkey"

var svc *secrets.Service

// Init sets the secrets service to use for auth-key operations.
func Init(s *secrets.Service) { svc = s }

// SetAuthKey stores the ingest handshake authKey.
func SetAuthKey(key string) error {
	if svc == nil {
		return nil
	}
	return svc.Set(context.Background(), authKeyName, []byte(key))
}

// GetAuthKey retrieves the ingest handshake authKey for internal use.
func GetAuthKey() (string, error) {
	if svc == nil {
		return "", nil
	}
	b, err := svc.Get(context.Background(), authKeyName)
	return string(b), err
}

// Exists reports whether an authKey is stored.
func Exists() (bool, error) {
	if svc == nil {
		return false, nil
	}
	return svc.Exists(context.Background(), authKeyName)
}

// ClearAuthKey removes the stored authKey.
func ClearAuthKey() error {
	if svc == nil {
		return nil
	}
	return svc.Delete(context.Background(), authKeyName)
}

// AuthKeyForLog returns the current authKey and a redacted version safe for logging.
func AuthKeyForLog() (string, string, error) {
	key, err := GetAuthKey()
	if err != nil {
		return "", "", err
	}
	return key, logx.Secret(key), nil
}
