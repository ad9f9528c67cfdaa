package main

import (
	"bufio"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"shardctl/internal/wire"
	"shardctl/internal/workerrequest"
)

// wireServer is the worker-side terminus of internal/messenger's
// length-prefixed protocol: one goroutine per inbound connection reads
// framed Envelopes and dispatches them against an Executor, replying with
// framed Responses. Grounded on internal/ingest's Conn (same ReadFrame/
// WriteFrame framing, same one-goroutine-per-connection shape), generalized
// from ingest's single handshake+data-loop to the request/track/stop
// surface of spec.md §4.3/§6.
type wireServer struct {
	exec *workerrequest.Executor
}

func newWireServer(exec *workerrequest.Executor) *wireServer {
	return &wireServer{exec: exec}
}

// Serve accepts connections on ln until it errors (typically because the
// listener was closed at shutdown).
func (s *wireServer) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

func (s *wireServer) handleConn(conn net.Conn) {
	defer conn.Close()
	br := bufio.NewReader(conn)
	var writeMu sync.Mutex
	for {
		var env wire.Envelope
		if err := wire.ReadFrame(br, &env); err != nil {
			return
		}
		go s.dispatch(conn, &writeMu, env)
	}
}

func (s *wireServer) writeResponse(conn net.Conn, writeMu *sync.Mutex, resp wire.Response) {
	writeMu.Lock()
	defer writeMu.Unlock()
	if err := wire.WriteFrame(conn, resp); err != nil {
		log.Warn().Err(err).Str("requestId", resp.Header.ID).Msg("write response frame")
	}
}

func (s *wireServer) dispatch(conn net.Conn, writeMu *sync.Mutex, env wire.Envelope) {
	switch env.Header.Type {
	case wire.TypeQueued:
		s.dispatchQueued(conn, writeMu, env)
	case wire.TypeMgmt:
		s.dispatchMgmt(conn, writeMu, env)
	default:
		s.writeResponse(conn, writeMu, wire.Response{
			Header: wire.ResponseHeader{ID: env.Header.ID},
			Status: wire.StatusFailed,
			Error:  "unknown request type",
		})
	}
}

// dispatchQueued submits the operation and immediately acknowledges QUEUED;
// the caller tracks completion with REQUEST_TRACK management messages
// rather than this goroutine blocking for the result.
func (s *wireServer) dispatchQueued(conn net.Conn, writeMu *sync.Mutex, env wire.Envelope) {
	task := s.exec.Submit(env)
	s.writeResponse(conn, writeMu, wire.Response{
		Header:      wire.ResponseHeader{ID: task.ID},
		Status:      wire.StatusQueued,
		Performance: wire.Performance{ReceiveTime: time.Now().UnixMilli()},
	})
}

func (s *wireServer) dispatchMgmt(conn net.Conn, writeMu *sync.Mutex, env wire.Envelope) {
	switch env.Header.ManagementType {
	case wire.RequestTrack:
		s.dispatchTrack(conn, writeMu, env)
	case wire.RequestStop:
		s.dispatchStop(conn, writeMu, env)
	default:
		s.writeResponse(conn, writeMu, wire.Response{
			Header: wire.ResponseHeader{ID: env.Header.ID},
			Status: wire.StatusFailed,
			Error:  "unknown management type",
		})
	}
}

func (s *wireServer) dispatchTrack(conn net.Conn, writeMu *sync.Mutex, env wire.Envelope) {
	var body wire.RequestTrackBody
	if err := json.Unmarshal(env.Body, &body); err != nil {
		s.writeResponse(conn, writeMu, wire.Response{Header: wire.ResponseHeader{ID: env.Header.ID}, Status: wire.StatusFailed, Error: "malformed track body"})
		return
	}
	task, ok := s.exec.Lookup(body.ID)
	if !ok {
		s.writeResponse(conn, writeMu, wire.Response{
			Header:    wire.ResponseHeader{ID: env.Header.ID},
			Status:    wire.StatusFailed,
			StatusExt: wire.ExtNotFound,
			Error:     "unknown request id",
		})
		return
	}
	state, _, resp := task.Status()
	if state != workerrequest.Finished {
		status := wire.StatusQueued
		if state == workerrequest.InProgress {
			status = wire.StatusInProgress
		}
		resp = wire.Response{Header: wire.ResponseHeader{ID: env.Header.ID}, Status: status}
	}
	s.writeResponse(conn, writeMu, resp)
}

func (s *wireServer) dispatchStop(conn net.Conn, writeMu *sync.Mutex, env wire.Envelope) {
	var body wire.RequestStopBody
	if err := json.Unmarshal(env.Body, &body); err != nil {
		s.writeResponse(conn, writeMu, wire.Response{Header: wire.ResponseHeader{ID: env.Header.ID}, Status: wire.StatusFailed, Error: "malformed stop body"})
		return
	}
	stopped := s.exec.Stop(body.ID)
	status := wire.StatusSuccess
	if !stopped {
		status = wire.StatusBad
	}
	s.writeResponse(conn, writeMu, wire.Response{Header: wire.ResponseHeader{ID: env.Header.ID}, Status: status})
}
