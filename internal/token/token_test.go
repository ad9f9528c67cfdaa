package token

import (
	"context"
	"database/sql"
	"os"
	"strconv"
	"strings"
	"testing"

	"shardctl/internal/secrets"
	"shardctl/internal/services"

	_ "modernc.org/sqlite"
)

const nodeKey = "0123456789abcdef"

func TestMain(m *testing.M) {
	os.Setenv("SHARDCTL_NODE_KEY", nodeKey)
	code := m.Run()
	os.Unsetenv("SHARDCTL_NODE_KEY")
	os.Exit(code)
}

func initSvc(t *testing.T) {
	t.Helper()
	db, err := sql.Open("sqlite", "file:token_pkg?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := services.Migrate(db); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	t.Setenv("SHARDCTL_NODE_KEY", nodeKey)
	km, err := secrets.Load(context.Background(), db, "")
	if err != nil {
		t.Fatalf("load manager: %v", err)
	}
	Init(secrets.NewService(db, km))
}

func TestAuthKeyStorage(t *testing.T) {
	initSvc(t)
	key := "abcdef123456"
	if err := SetAuthKey(key); err != nil {
		t.Fatalf("set auth key: %v", err)
	}
	got, err := GetAuthKey()
	if err != nil {
		t.Fatalf("get auth key: %v", err)
	}
	if got != key {
		t.Fatalf("got %q want %q", got, key)
	}
	if err := ClearAuthKey(); err != nil {
		t.Fatalf("clear auth key: %v", err)
	}
	got, err = GetAuthKey()
	if err != nil {
		t.Fatalf("get after clear: %v", err)
	}
	if got != "" {
		t.Fatalf("expected empty auth key, got %q", got)
	}
}

func TestAuthKeyRedaction(t *testing.T) {
	initSvc(t)
	key := "abcdef1234567890"
	if err := SetAuthKey(key); err != nil {
		t.Fatalf("set auth key: %v", err)
	}
	stored, redacted, err := AuthKeyForLog()
	if err != nil {
		t.Fatalf("auth key for log: %v", err)
	}
	if stored != key {
		t.Fatalf("stored auth key mismatch: got %q want %q", stored, key)
	}
	if redacted == key {
		t.Fatalf("redacted auth key matches original")
	}
	if !strings.Contains(redacted, "***redacted***") {
		t.Fatalf("missing redaction: %q", redacted)
	}
	if !strings.Contains(redacted, strconv.Itoa(len(key))) {
		t.Fatalf("missing length: %q", redacted)
	}
}
