package workerrequest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"shardctl/internal/replica"
	"shardctl/internal/wire"
)

// dirFor returns the worker's POSIX directory holding database's replica
// files. The core scopes out the physical table format (spec.md §1), so the
// only structure assumed here is one flat directory per database.
func (e *Executor) dirFor(database string) string {
	return filepath.Join(e.worker.DataDir, database)
}

func ok(t *Task, resp wire.Response) (bool, ExtState, wire.Response) {
	resp.Header.ID = t.ID
	resp.Status = wire.StatusSuccess
	resp.Performance.FinishTime = time.Now().UnixMilli()
	return true, ExtSuccess, resp
}

func failed(t *Task, ext wire.StatusExt, err error) (bool, ExtState, wire.Response) {
	return true, ExtFailed, wire.Response{
		Header:    wire.ResponseHeader{ID: t.ID},
		Status:    wire.StatusFailed,
		StatusExt: ext,
		Error:     err.Error(),
		Performance: wire.Performance{FinishTime: time.Now().UnixMilli()},
	}
}

// scanChunkFiles groups every replica file under dir that parses to chunk
// into its owning base table, per internal/replica's naming convention.
func scanChunkFiles(dir string, chunk uint32) (map[string][]replica.FileInfo, error) {
	all, err := replica.ScanDir(dir)
	if err != nil {
		return nil, err
	}
	byTable := map[string][]replica.FileInfo{}
	for base, files := range all {
		for _, f := range files {
			_, c, _, _, parsed := replica.Parse(f.Name)
			if !parsed || c != chunk {
				continue
			}
			byTable[base] = append(byTable[base], f)
		}
	}
	return byTable, nil
}

// statusOf approximates a chunk's completeness from the files present for
// one base table: .frm and .MYD together give COMPLETE whether or not a
// .MYI is present (the index can be rebuilt), only one of the two gives
// INCOMPLETE, a .MYI alone gives CORRUPT, and no file at all NOT_FOUND. The core has no schema store describing a
// chunk's expected file set (spec.md §1 excludes the physical table
// format), so presence of the two data-bearing extensions is the best
// available signal.
func statusOf(files []replica.FileInfo) replica.Status {
	if len(files) == 0 {
		return replica.NotFound
	}
	var hasFRM, hasMYD bool
	for _, f := range files {
		switch filepath.Ext(f.Name) {
		case ".frm":
			hasFRM = true
		case ".MYD":
			hasMYD = true
		}
	}
	switch {
	case hasFRM && hasMYD:
		return replica.Complete
	case hasFRM || hasMYD:
		return replica.Incomplete
	default:
		return replica.Corrupt
	}
}

func computeChecksum(path string) (string, error) {
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

func (e *Executor) executeFind(t *Task) (bool, ExtState, wire.Response) {
	var req wire.RequestFind
	if err := json.Unmarshal(t.Body, &req); err != nil {
		return true, ExtBad, wire.Response{Header: wire.ResponseHeader{ID: t.ID}, Status: wire.StatusBad, StatusExt: wire.ExtInvalidParam}
	}
	dir := e.dirFor(req.Database)
	byTable, err := scanChunkFiles(dir, req.Chunk)
	if err != nil {
		return failed(t, wire.ExtFileIO, err)
	}
	info := replica.Info{Worker: e.worker.Name, Database: req.Database, Chunk: req.Chunk, VerifyTime: time.Now().Unix()}
	worst := replica.Complete
	for _, files := range byTable {
		st := statusOf(files)
		if worseThan(st, worst) {
			worst = st
		}
		if req.ComputeCs {
			for i, f := range files {
				sum, err := computeChecksum(filepath.Join(dir, f.Name))
				if err != nil {
					return failed(t, wire.ExtFileIO, err)
				}
				files[i].CS = sum
			}
		}
		info.Files = append(info.Files, files...)
	}
	if len(byTable) == 0 {
		worst = replica.NotFound
	}
	info.Status = worst
	sort.Slice(info.Files, func(i, j int) bool { return info.Files[i].Name < info.Files[j].Name })

	b, err := json.Marshal(info)
	if err != nil {
		return failed(t, wire.ExtNone, err)
	}
	return ok(t, wire.Response{ReplicaInfo: b})
}

func worseThan(a, b replica.Status) bool {
	rank := map[replica.Status]int{replica.Complete: 3, replica.Incomplete: 2, replica.Corrupt: 1, replica.NotFound: 0}
	return rank[a] < rank[b]
}

func (e *Executor) executeFindAll(t *Task) (bool, ExtState, wire.Response) {
	var req wire.RequestFindAll
	if err := json.Unmarshal(t.Body, &req); err != nil {
		return true, ExtBad, wire.Response{Header: wire.ResponseHeader{ID: t.ID}, Status: wire.StatusBad, StatusExt: wire.ExtInvalidParam}
	}
	dir := e.dirFor(req.Database)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			entries = nil
		} else {
			return failed(t, wire.ExtFileIO, err)
		}
	}

	type key struct {
		base  string
		chunk uint32
	}
	byChunk := map[uint32]map[key][]replica.FileInfo{}
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		base, chunk, _, _, parsed := replica.Parse(ent.Name())
		if !parsed {
			continue
		}
		fi, err := ent.Info()
		if err != nil {
			return failed(t, wire.ExtFileIO, err)
		}
		if byChunk[chunk] == nil {
			byChunk[chunk] = map[key][]replica.FileInfo{}
		}
		k := key{base, chunk}
		byChunk[chunk][k] = append(byChunk[chunk][k], replica.FileInfo{
			Name:  ent.Name(),
			Size:  uint64(fi.Size()),
			MTime: fi.ModTime().Unix(),
		})
	}

	var col replica.Collection
	col.Worker = e.worker.Name
	col.Database = req.Database
	for chunk, tables := range byChunk {
		info := replica.Info{Worker: e.worker.Name, Database: req.Database, Chunk: chunk, VerifyTime: time.Now().Unix(), Status: replica.Complete}
		for _, files := range tables {
			st := statusOf(files)
			if worseThan(st, info.Status) {
				info.Status = st
			}
			info.Files = append(info.Files, files...)
		}
		sort.Slice(info.Files, func(i, j int) bool { return info.Files[i].Name < info.Files[j].Name })
		col.Replicas = append(col.Replicas, info)
	}
	sort.Slice(col.Replicas, func(i, j int) bool { return col.Replicas[i].Chunk < col.Replicas[j].Chunk })

	b, err := json.Marshal(col)
	if err != nil {
		return failed(t, wire.ExtNone, err)
	}
	return ok(t, wire.Response{ReplicaInfoAll: b})
}

// executeDelete removes every file of (database, chunk) by renaming each
// aside to a ".deleted.<uuid>" sibling and then unlinking the renamed copy,
// per spec.md §4.3 — so a crash mid-delete leaves an unambiguous orphan
// rather than a half-removed replica masquerading as present.
func (e *Executor) executeDelete(t *Task) (bool, ExtState, wire.Response) {
	var req wire.RequestDelete
	if err := json.Unmarshal(t.Body, &req); err != nil {
		return true, ExtBad, wire.Response{Header: wire.ResponseHeader{ID: t.ID}, Status: wire.StatusBad, StatusExt: wire.ExtInvalidParam}
	}
	dir := e.dirFor(req.Database)
	byTable, err := scanChunkFiles(dir, req.Chunk)
	if err != nil {
		return failed(t, wire.ExtFileIO, err)
	}
	if len(byTable) == 0 {
		return failed(t, wire.ExtNotFound, fmt.Errorf("chunk %d not found in %s", req.Chunk, req.Database))
	}
	for _, files := range byTable {
		for _, f := range files {
			src := filepath.Join(dir, f.Name)
			aside := src + ".deleted." + uuid.NewString()
			if err := os.Rename(src, aside); err != nil {
				return failed(t, wire.ExtFileIO, err)
			}
			if err := os.Remove(aside); err != nil {
				return failed(t, wire.ExtFileIO, err)
			}
		}
	}
	return ok(t, wire.Response{})
}

// executeReplicate pulls every file of (database, chunk) from sourceWorker
// via e.fetcher, writing into scratch "<name>.<uuid>.tmp" files in the
// worker's loader directory so a crash or cancellation mid-transfer never
// leaves a partially-written file under its real name; a retry restarts
// from scratch rather than resuming, as spec.md §4.3 specifies. Files are
// renamed into place only after every file for the chunk has arrived.
func (e *Executor) executeReplicate(ctx context.Context, t *Task) (bool, ExtState, wire.Response) {
	var req wire.RequestReplicate
	if err := json.Unmarshal(t.Body, &req); err != nil {
		return true, ExtBad, wire.Response{Header: wire.ResponseHeader{ID: t.ID}, Status: wire.StatusBad, StatusExt: wire.ExtInvalidParam}
	}
	if e.fetcher == nil {
		return failed(t, wire.ExtNone, errors.New("workerrequest: no file fetcher configured"))
	}

	dir := e.dirFor(req.Database)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return failed(t, wire.ExtFileIO, err)
	}

	remoteByTable, err := e.remoteManifest(ctx, req.WorkerSource, req.Database, req.Chunk)
	if err != nil {
		return failed(t, wire.ExtFileIO, err)
	}
	if len(remoteByTable) == 0 {
		return failed(t, wire.ExtNotFound, fmt.Errorf("chunk %d not found on source worker %s", req.Chunk, req.WorkerSource))
	}

	var names []string
	for _, files := range remoteByTable {
		for _, f := range files {
			names = append(names, f.Name)
		}
	}
	sort.Strings(names)

	tmpByName := make(map[string]string, len(names))
	for _, name := range names {
		if t.stopRequested() {
			return true, ExtCancelled, wire.Response{Header: wire.ResponseHeader{ID: t.ID}, Status: wire.StatusCancelled}
		}
		data, err := e.fetcher.Fetch(ctx, req.WorkerSource, req.Database, req.Chunk, name)
		if err != nil {
			e.cleanupTmp(tmpByName)
			return failed(t, wire.ExtFileIO, err)
		}
		tmpName := name + "." + uuid.NewString() + ".tmp"
		tmpPath := filepath.Join(e.worker.LoaderDir, tmpName)
		if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
			e.cleanupTmp(tmpByName)
			return failed(t, wire.ExtFileIO, err)
		}
		tmpByName[name] = tmpPath
	}

	var files []replica.FileInfo
	for _, name := range names {
		finalPath := filepath.Join(dir, name)
		if err := os.Rename(tmpByName[name], finalPath); err != nil {
			return failed(t, wire.ExtFileIO, err)
		}
		fi, err := os.Stat(finalPath)
		if err != nil {
			return failed(t, wire.ExtFileIO, err)
		}
		sum, err := computeChecksum(finalPath)
		if err != nil {
			return failed(t, wire.ExtFileIO, err)
		}
		files = append(files, replica.FileInfo{Name: name, Size: uint64(fi.Size()), MTime: fi.ModTime().Unix(), CS: sum})
	}

	info := replica.Info{
		Worker: e.worker.Name, Database: req.Database, Chunk: req.Chunk,
		Status: statusOf(files), VerifyTime: time.Now().Unix(), Files: files,
	}
	b, err := json.Marshal(info)
	if err != nil {
		return failed(t, wire.ExtNone, err)
	}
	return ok(t, wire.Response{ReplicaInfo: b})
}

func (e *Executor) cleanupTmp(tmpByName map[string]string) {
	for _, p := range tmpByName {
		os.Remove(p)
	}
}

// remoteManifest asks the source worker (via the same FileFetcher transport,
// requesting a reserved manifest name) which files exist for the chunk.
// Grounded on spec.md §4.3.1's remote file-copy service exposing directory
// listing alongside GET/HEAD/DELETE.
func (e *Executor) remoteManifest(ctx context.Context, sourceWorker, database string, chunk uint32) (map[string][]replica.FileInfo, error) {
	data, err := e.fetcher.Fetch(ctx, sourceWorker, database, chunk, manifestName)
	if err != nil {
		return nil, err
	}
	var col replica.Collection
	if err := json.Unmarshal(data, &col); err != nil {
		return nil, fmt.Errorf("decode remote manifest: %w", err)
	}
	byTable := map[string][]replica.FileInfo{}
	for _, r := range col.Replicas {
		if r.Chunk != chunk {
			continue
		}
		for _, f := range r.Files {
			base := replica.FileInfo{Name: f.Name}.BaseTable()
			byTable[base] = append(byTable[base], f)
		}
	}
	return byTable, nil
}

// manifestName is the reserved pseudo-file name internal/filesvc serves a
// chunk's file manifest under, so Replicate can discover what to pull
// without a separate RPC type.
const manifestName = ".manifest.json"

func (e *Executor) executeEcho(t *Task) (bool, ExtState, wire.Response) {
	var req wire.RequestEcho
	if err := json.Unmarshal(t.Body, &req); err != nil {
		return true, ExtBad, wire.Response{Header: wire.ResponseHeader{ID: t.ID}, Status: wire.StatusBad, StatusExt: wire.ExtInvalidParam}
	}
	if req.Delay > 0 {
		time.Sleep(time.Duration(req.Delay) * time.Millisecond)
	}
	return ok(t, wire.Response{Data: []byte(req.Data)})
}
