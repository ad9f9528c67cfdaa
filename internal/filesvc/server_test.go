package filesvc

import (
	"context"
	"encoding/json"
	"net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"shardctl/internal/config"
	"shardctl/internal/replica"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestGetServesFile(t *testing.T) {
	dataDir := t.TempDir()
	writeFile(t, filepath.Join(dataDir, "db1"), "Object_5.MYD", "rowdata")

	worker := config.Worker{Name: "w1", DataDir: dataDir}
	ts := httptest.NewServer(NewServer(worker).Routes())
	defer ts.Close()

	hostPort := ts.Listener.Addr().String()
	host, port := splitHostPort(t, hostPort)

	client := NewClient(map[string]config.Worker{"w1": {Name: "w1", FileSvcHost: host, FileSvcPort: port}})

	data, err := client.Fetch(context.Background(), "w1", "db1", 5, "Object_5.MYD")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(data) != "rowdata" {
		t.Fatalf("data = %q, want rowdata", data)
	}
}

func TestGetManifest(t *testing.T) {
	dataDir := t.TempDir()
	writeFile(t, filepath.Join(dataDir, "db1"), "Object_5.MYD", "a")
	writeFile(t, filepath.Join(dataDir, "db1"), "Object_5.frm", "b")
	writeFile(t, filepath.Join(dataDir, "db1"), "Object_7.MYD", "c")

	worker := config.Worker{Name: "w1", DataDir: dataDir}
	ts := httptest.NewServer(NewServer(worker).Routes())
	defer ts.Close()

	host, port := splitHostPort(t, ts.Listener.Addr().String())
	client := NewClient(map[string]config.Worker{"w1": {Name: "w1", FileSvcHost: host, FileSvcPort: port}})

	data, err := client.Fetch(context.Background(), "w1", "db1", 5, manifestName)
	if err != nil {
		t.Fatalf("fetch manifest: %v", err)
	}
	var col replica.Collection
	if err := json.Unmarshal(data, &col); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(col.Replicas) != 1 || len(col.Replicas[0].Files) != 2 {
		t.Fatalf("manifest = %+v, want one replica with 2 chunk-5 files", col.Replicas)
	}
}

func TestDeleteMissingFileIsNotFound(t *testing.T) {
	dataDir := t.TempDir()
	worker := config.Worker{Name: "w1", DataDir: dataDir}
	ts := httptest.NewServer(NewServer(worker).Routes())
	defer ts.Close()

	host, port := splitHostPort(t, ts.Listener.Addr().String())
	client := NewClient(map[string]config.Worker{"w1": {Name: "w1", FileSvcHost: host, FileSvcPort: port}})

	if err := client.Delete(context.Background(), "w1", "db1", 5, "Object_5.MYD"); err != nil {
		t.Fatalf("delete missing file should be treated as already gone: %v", err)
	}
}

func TestDeleteRemovesFile(t *testing.T) {
	dataDir := t.TempDir()
	writeFile(t, filepath.Join(dataDir, "db1"), "Object_5.MYD", "rowdata")

	worker := config.Worker{Name: "w1", DataDir: dataDir}
	ts := httptest.NewServer(NewServer(worker).Routes())
	defer ts.Close()

	host, port := splitHostPort(t, ts.Listener.Addr().String())
	client := NewClient(map[string]config.Worker{"w1": {Name: "w1", FileSvcHost: host, FileSvcPort: port}})

	if err := client.Delete(context.Background(), "w1", "db1", 5, "Object_5.MYD"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dataDir, "db1", "Object_5.MYD")); !os.IsNotExist(err) {
		t.Fatalf("file should be gone, stat err = %v", err)
	}
}

func splitHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host/port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return host, port
}
