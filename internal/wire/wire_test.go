package wire

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestWriteReadFrame_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	env := Envelope{
		Header: RequestHeader{ID: "r1", Type: TypeQueued, QueuedType: ReplicaFind, Priority: 3, TimeoutSeconds: 30, InstanceID: "inst1"},
	}
	body := RequestFind{Database: "db1", Chunk: 7, ComputeCs: true}
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	env.Body = raw

	if err := WriteFrame(&buf, env); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	var got Envelope
	if err := ReadFrame(bufio.NewReader(&buf), &got); err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got.Header.ID != "r1" || got.Header.QueuedType != ReplicaFind {
		t.Fatalf("unexpected header: %+v", got.Header)
	}
	var gotBody RequestFind
	if err := json.Unmarshal(got.Body, &gotBody); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if gotBody != body {
		t.Fatalf("body mismatch: got %+v want %+v", gotBody, body)
	}
}

func TestReadFrame_RejectsOversizedFrame(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("\xff\xff\xff\xff"))
	var v map[string]any
	if err := ReadFrame(r, &v); err == nil {
		t.Fatalf("expected error for oversized frame")
	}
}

func TestWriteFrame_MultipleFramesSequential(t *testing.T) {
	var buf bytes.Buffer
	for i := 0; i < 3; i++ {
		if err := WriteFrame(&buf, RequestEcho{Data: "x", Delay: uint32(i)}); err != nil {
			t.Fatalf("WriteFrame %d: %v", i, err)
		}
	}
	r := bufio.NewReader(&buf)
	for i := 0; i < 3; i++ {
		var got RequestEcho
		if err := ReadFrame(r, &got); err != nil {
			t.Fatalf("ReadFrame %d: %v", i, err)
		}
		if got.Delay != uint32(i) {
			t.Fatalf("frame %d: got delay %d", i, got.Delay)
		}
	}
}
