package secrets

import (
	"context"
	"database/sql"
	"sync"
	"time"
)

// Service is a credential vault: named secrets (the ingest handshake's
// authKey, a worker's shared secret) stored encrypted at rest under a
// KeyManager obtained from Load. Unlike the teacher's two parallel secret
// stores (an independent key-file-backed Service plus a wrapped-master-key
// Manager for OAuth tokens), this core has exactly one: every credential
// goes through the same vault so Rewrap/VerifyAll cover all of it.
type Service struct {
	db  *sql.DB
	km  KeyManager
	ttl time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	val []byte
	exp time.Time
}

// NewService creates a Service backed by db and km (typically from Load).
func NewService(db *sql.DB, km KeyManager) *Service {
	return &Service{db: db, km: km, ttl: 10 * time.Minute, cache: make(map[string]cacheEntry)}
}

const envelopePrefix = "v1:"

func (s *Service) encrypt(b []byte) ([]byte, error) {
	nonce, ct, err := s.km.Encrypt(b)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(envelopePrefix)+len(nonce)+len(ct))
	out = append(out, envelopePrefix...)
	out = append(out, nonce...)
	out = append(out, ct...)
	return out, nil
}

func isEncrypted(b []byte) bool {
	return len(b) > len(envelopePrefix) && string(b[:len(envelopePrefix)]) == envelopePrefix
}

// splitEnvelope splits a stored value into its nonce and ciphertext. AES-GCM
// nonces are 12 bytes for the cipher this package constructs.
const gcmNonceSize = 12

func splitEnvelope(b []byte) (nonce, ciphertext []byte) {
	b = b[len(envelopePrefix):]
	if len(b) < gcmNonceSize {
		return nil, nil
	}
	return b[:gcmNonceSize], b[gcmNonceSize:]
}

func (s *Service) decrypt(b []byte) ([]byte, error) {
	if !isEncrypted(b) {
		return b, nil
	}
	nonce, ct := splitEnvelope(b)
	return s.km.Decrypt(nonce, ct)
}

// Set stores a credential under name, encrypting it at rest.
func (s *Service) Set(ctx context.Context, name string, plaintext []byte) error {
	if name == "" {
		return sql.ErrNoRows
	}
	val, err := s.encrypt(plaintext)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO credentials(name, value) VALUES(?,?)
ON CONFLICT(name) DO UPDATE SET value=excluded.value, updated_at=CURRENT_TIMESTAMP`, name, val)
	s.mu.Lock()
	delete(s.cache, name)
	s.mu.Unlock()
	return err
}

// Exists reports whether a credential with the given name is stored.
func (s *Service) Exists(ctx context.Context, name string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM credentials WHERE name=?`, name).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// Delete removes the credential of the given name.
func (s *Service) Delete(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE name=?`, name)
	s.mu.Lock()
	delete(s.cache, name)
	s.mu.Unlock()
	return err
}

// Get retrieves the credential of the given name. A missing name returns
// (nil, nil), matching settings.Store's "absent key" convention.
func (s *Service) Get(ctx context.Context, name string) ([]byte, error) {
	now := time.Now()
	s.mu.Lock()
	if e, ok := s.cache[name]; ok && now.Before(e.exp) {
		v := append([]byte(nil), e.val...)
		s.mu.Unlock()
		return v, nil
	}
	s.mu.Unlock()

	var ct []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM credentials WHERE name=?`, name).Scan(&ct)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	pt, err := s.decrypt(ct)
	if err != nil {
		return nil, err
	}
	cached := append([]byte(nil), pt...)
	s.mu.Lock()
	s.cache[name] = cacheEntry{val: cached, exp: now.Add(s.ttl)}
	s.mu.Unlock()
	return append([]byte(nil), cached...), nil
}

// Status reports whether a credential exists, its last-4 characters (for
// operator diagnostics without exposing the full secret), and its last
// update time.
func (s *Service) Status(ctx context.Context, name string) (exists bool, last4 string, updatedAt time.Time, err error) {
	var ct []byte
	err = s.db.QueryRowContext(ctx, `SELECT value, updated_at FROM credentials WHERE name=?`, name).Scan(&ct, &updatedAt)
	if err == sql.ErrNoRows {
		return false, "", time.Time{}, nil
	}
	if err != nil {
		return false, "", time.Time{}, err
	}
	exists = true
	pt, err := s.decrypt(ct)
	if err != nil {
		return false, "", time.Time{}, err
	}
	v := string(pt)
	if n := len(v); n > 4 {
		last4 = v[n-4:]
	} else {
		last4 = v
	}
	return
}
