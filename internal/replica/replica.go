// Package replica holds the core data model of spec.md §3: Replica,
// FileInfo, and the parsing rules that derive a file's baseTable/chunk/
// overlap/extension from its name.
package replica

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// Status is a replica's completeness state.
type Status string

const (
	NotFound  Status = "NOT_FOUND"
	Corrupt   Status = "CORRUPT"
	Incomplete Status = "INCOMPLETE"
	Complete  Status = "COMPLETE"
)

// Ext is one of the three file extensions the replica model understands.
type Ext string

const (
	ExtMYD Ext = "MYD"
	ExtMYI Ext = "MYI"
	ExtFRM Ext = "frm"
)

const overlapSuffix = "FullOverlap"

// FileInfo describes one file belonging to a replica, per §3.
type FileInfo struct {
	Name              string `json:"name"`
	Size              uint64 `json:"size"`
	MTime             int64  `json:"mtime"`
	CS                string `json:"cs"`
	BeginTransferTime int64  `json:"beginTransferTime"`
	EndTransferTime   int64  `json:"endTransferTime"`
	InSize            uint64 `json:"inSize"`
}

// BaseTable strips the chunk suffix and extension from the file name, e.g.
// "ObjectFullOverlap_123.MYD" -> "ObjectFullOverlap".
func (f FileInfo) BaseTable() string {
	base, _, _, _, ok := Parse(f.Name)
	if !ok {
		return f.Name
	}
	return base
}

// IsOverlap reports whether the file's base name carries the FullOverlap
// suffix.
func (f FileInfo) IsOverlap() bool {
	_, _, isOverlap, _, ok := Parse(f.Name)
	return ok && isOverlap
}

// IsData reports whether the file's extension is MYD.
func (f FileInfo) IsData() bool {
	_, _, _, ext, ok := Parse(f.Name)
	return ok && ext == ExtMYD
}

// IsIndex reports whether the file's extension is MYI.
func (f FileInfo) IsIndex() bool {
	_, _, _, ext, ok := Parse(f.Name)
	return ok && ext == ExtMYI
}

var nameRE = regexp.MustCompile(`^(.+)_(\d+)\.(MYD|MYI|frm)$`)

// Parse decomposes a replica file name into its (baseTable, chunk,
// isOverlap, ext) quadruple. It is the inverse of BuildName and must satisfy
// the parse round-trip invariant of spec.md §8: for every name Parse
// accepts, BuildName(Parse(name)) == name.
func Parse(name string) (baseTable string, chunk uint32, isOverlap bool, ext Ext, ok bool) {
	m := nameRE.FindStringSubmatch(name)
	if m == nil {
		return "", 0, false, "", false
	}
	n, err := strconv.ParseUint(m[2], 10, 32)
	if err != nil {
		return "", 0, false, "", false
	}
	base := m[1]
	return base, uint32(n), strings.HasSuffix(base, overlapSuffix), Ext(m[3]), true
}

// BuildName constructs a file name from its quadruple; isOverlap must agree
// with whether baseTable already carries the FullOverlap suffix (it is
// accepted, not applied, so callers round-tripping Parse's output need not
// special-case it).
func BuildName(baseTable string, chunk uint32, isOverlap bool, ext Ext) string {
	return fmt.Sprintf("%s_%d.%s", baseTable, chunk, ext)
}

// Info is the controller/worker-visible view of one (worker, database,
// chunk) replica, per §3.
type Info struct {
	Worker     string     `json:"worker"`
	Database   string     `json:"database"`
	Chunk      uint32     `json:"chunk"`
	Status     Status     `json:"status"`
	VerifyTime int64      `json:"verifyTime"`
	Files      []FileInfo `json:"files"`
}

// Collection is a set of Info returned by FindAll, keyed implicitly by the
// Database field each element carries (FindAll covers every chunk in one
// database on one worker).
type Collection struct {
	Worker   string `json:"worker"`
	Database string `json:"database"`
	Replicas []Info `json:"replicas"`
}

// ScanDir lists every replica file directly under dir that Parse recognizes,
// grouped by base table name. A missing directory is reported as "no files"
// rather than an error, since a database with no chunks on this worker yet
// is a normal state, not a failure. internal/workerrequest and
// internal/filesvc both build their chunk/FindAll views on top of this, so
// the file-naming convention has exactly one parser.
func ScanDir(dir string) (map[string][]FileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	byTable := map[string][]FileInfo{}
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		base, _, _, _, ok := Parse(ent.Name())
		if !ok {
			continue
		}
		info, err := ent.Info()
		if err != nil {
			return nil, err
		}
		byTable[base] = append(byTable[base], FileInfo{
			Name:  ent.Name(),
			Size:  uint64(info.Size()),
			MTime: info.ModTime().Unix(),
		})
	}
	return byTable, nil
}
