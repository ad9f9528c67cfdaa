// Package filesvc implements SPEC_FULL.md §4.3.1's worker-to-worker remote
// file-copy protocol: a small HTTP service, separate from the
// length-prefixed request/response port, colocated with each worker.
// Grounded directly on the teacher's internal/pufferpanel/files.go
// (listFiles/FetchFile/PutFile/DeleteFile against a REST file API), routed
// with chi instead of hand-rolled path parsing.
package filesvc

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
)

// manifestName is the reserved pseudo-file name GET serves a chunk's file
// manifest under instead of streaming a real file, mirroring
// internal/workerrequest's own manifestName constant — the two packages
// must agree on this string but do not share an import, since workerrequest
// never depends on filesvc (only on the FileFetcher interface it defines).
const manifestName = ".manifest.json"

func checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
