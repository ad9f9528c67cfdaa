package filesvc

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"

	"shardctl/internal/config"
	"shardctl/internal/httpx"
	"shardctl/internal/replica"
)

// Server exposes one worker's replica files over HTTP for peer workers'
// Replicate pulls and Delete cleanup, per SPEC_FULL.md §4.3.1:
//
//	GET    /files/{database}/{chunk}/{name}   stream file bytes, ETag = cs
//	HEAD   /files/{database}/{chunk}/{name}   size + mtime + cs, no body
//	DELETE /files/{database}/{chunk}/{name}   used by Delete's rename-aside cleanup
type Server struct {
	worker config.Worker
}

// NewServer returns a Server rooted at worker's data directory.
func NewServer(worker config.Worker) *Server {
	return &Server{worker: worker}
}

// Routes returns the chi router mounting this server's handlers.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/files/{database}/{chunk}/{name}", s.handleGet)
	r.Head("/files/{database}/{chunk}/{name}", s.handleHead)
	r.Delete("/files/{database}/{chunk}/{name}", s.handleDelete)
	return r
}

func (s *Server) params(r *http.Request) (database, name string, chunk uint32, err error) {
	database = chi.URLParam(r, "database")
	name = chi.URLParam(r, "name")
	n, err := strconv.ParseUint(chi.URLParam(r, "chunk"), 10, 32)
	return database, name, uint32(n), err
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	database, name, chunk, err := s.params(r)
	if err != nil {
		httpx.Write(w, r, httpx.BadRequest("invalid chunk"))
		return
	}
	if name == manifestName {
		data, err := s.manifest(database, chunk)
		if err != nil {
			httpx.Write(w, r, httpx.Internal(err))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
		return
	}

	path := filepath.Join(s.worker.DataDir, database, name)
	f, fi, sum, herr := s.stat(path)
	if herr != nil {
		httpx.Write(w, r, herr)
		return
	}
	defer f.Close()
	w.Header().Set("ETag", sum)
	http.ServeContent(w, r, name, fi.ModTime(), f)
}

func (s *Server) handleHead(w http.ResponseWriter, r *http.Request) {
	database, name, _, err := s.params(r)
	if err != nil {
		httpx.Write(w, r, httpx.BadRequest("invalid chunk"))
		return
	}
	path := filepath.Join(s.worker.DataDir, database, name)
	f, fi, sum, herr := s.stat(path)
	if herr != nil {
		httpx.Write(w, r, herr)
		return
	}
	f.Close()
	w.Header().Set("ETag", sum)
	w.Header().Set("Content-Length", strconv.FormatInt(fi.Size(), 10))
	w.Header().Set("Last-Modified", fi.ModTime().UTC().Format(http.TimeFormat))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	database, name, _, err := s.params(r)
	if err != nil {
		httpx.Write(w, r, httpx.BadRequest("invalid chunk"))
		return
	}
	path := filepath.Join(s.worker.DataDir, database, name)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			httpx.Write(w, r, httpx.NotFound("file not found"))
			return
		}
		httpx.Write(w, r, httpx.Internal(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) stat(path string) (*os.File, os.FileInfo, string, *httpx.HTTPError) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, "", httpx.NotFound("file not found")
		}
		return nil, nil, "", httpx.Internal(err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, "", httpx.Internal(err)
	}
	sum, err := checksum(path)
	if err != nil {
		f.Close()
		return nil, nil, "", httpx.Internal(err)
	}
	return f, fi, sum, nil
}

// manifest lists every file present for (database, chunk) as a JSON-encoded
// replica.Collection with a single replica.Info entry, the shape
// internal/workerrequest's remoteManifest already expects from
// e.fetcher.Fetch(..., manifestName).
func (s *Server) manifest(database string, chunk uint32) ([]byte, error) {
	dir := filepath.Join(s.worker.DataDir, database)
	byTable, err := replica.ScanDir(dir)
	if err != nil {
		return nil, err
	}
	var files []replica.FileInfo
	for _, tableFiles := range byTable {
		for _, f := range tableFiles {
			_, c, _, _, ok := replica.Parse(f.Name)
			if ok && c == chunk {
				files = append(files, f)
			}
		}
	}
	col := replica.Collection{
		Worker:   s.worker.Name,
		Database: database,
		Replicas: []replica.Info{{Worker: s.worker.Name, Database: database, Chunk: chunk, Files: files}},
	}
	return json.Marshal(col)
}
