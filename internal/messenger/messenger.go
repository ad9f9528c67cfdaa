// Package messenger implements spec.md §4.1: a concurrent,
// connection-pooled, id-demultiplexed request/response channel to each
// worker, hiding reconnect and backoff from callers. Grounded on the
// teacher's internal/modrinth.Client retry/backoff loop (exponential
// backoff with jitter, guarded by a sync.Mutex, deduplicated with
// golang.org/x/sync/singleflight) but driven over the length-prefixed
// internal/wire protocol instead of HTTP.
package messenger

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"shardctl/internal/config"
	"shardctl/internal/telemetry"
	"shardctl/internal/wire"
)

// OnDone is invoked exactly once per requestId: with success=true and the
// worker's decoded response body on a matching reply, or success=false (and
// a zero Response) on transport failure, cancellation, or connection loss.
type OnDone func(id string, success bool, resp wire.Response)

// Messenger multiplexes requests to every configured worker over one
// reconnecting TCP connection per worker.
type Messenger struct {
	cfg config.Config

	mu    sync.Mutex
	conns map[string]*workerConn
	sf    singleflight.Group

	closing chan struct{}
	closeOnce sync.Once
}

// New returns a Messenger that dials workers lazily, the first time Send
// names them.
func New(cfg config.Config) *Messenger {
	return &Messenger{cfg: cfg, conns: make(map[string]*workerConn), closing: make(chan struct{})}
}

// Close tears down every worker connection and fails any pending calls.
func (m *Messenger) Close() {
	m.closeOnce.Do(func() { close(m.closing) })
	m.mu.Lock()
	conns := make([]*workerConn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	for _, c := range conns {
		c.stop()
	}
}

func (m *Messenger) connFor(worker string) (*workerConn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[worker]; ok {
		return c, nil
	}
	w, ok := m.cfg.Worker(worker)
	if !ok {
		return nil, fmt.Errorf("messenger: unknown worker %q", worker)
	}
	c := newWorkerConn(m, w)
	m.conns[worker] = c
	go c.run()
	return c, nil
}

// Send enqueues buf (an already-serialized wire.Envelope) for delivery to
// worker. onDone fires exactly once, possibly before Send returns if the
// worker is already known to be unreachable.
func (m *Messenger) Send(worker, requestID string, priority int, buf []byte, onDone OnDone) error {
	c, err := m.connFor(worker)
	if err != nil {
		return err
	}
	c.enqueue(outbound{id: requestID, priority: priority, buf: buf, onDone: onDone})
	return nil
}

// Cancel fires requestID's callback with success=false and drops it from
// the outbound queue or pending-reply table, whichever holds it. It does
// not stop the operation server-side; that is a StopRequest (see
// internal/request).
func (m *Messenger) Cancel(worker, requestID string) {
	m.mu.Lock()
	c, ok := m.conns[worker]
	m.mu.Unlock()
	if !ok {
		return
	}
	c.cancel(requestID)
}

// outbound is one not-yet-sent message, ordered by priority then arrival.
type outbound struct {
	id       string
	priority int
	seq      uint64
	buf      []byte
	onDone   OnDone
}

// workerConn owns the single reconnecting connection to one worker: a
// priority queue of outbound messages, a table of in-flight requests
// awaiting a reply, and the reconnect/backoff loop.
type workerConn struct {
	m    *Messenger
	w    config.Worker
	addr string

	limiter *rate.Limiter

	mu      sync.Mutex
	queue   []outbound
	seq     uint64
	pending map[string]OnDone
	notify  chan struct{}
	done    chan struct{}
}

func newWorkerConn(m *Messenger, w config.Worker) *workerConn {
	rps := m.cfg.WorkerSendRatePerSec
	if rps <= 0 {
		rps = 100
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return &workerConn{
		m:       m,
		w:       w,
		addr:    fmt.Sprintf("%s:%d", w.SvcHost, w.SvcPort),
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		pending: make(map[string]OnDone),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (c *workerConn) stop() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

func (c *workerConn) enqueue(o outbound) {
	c.mu.Lock()
	c.seq++
	o.seq = c.seq
	c.queue = append(c.queue, o)
	sort.SliceStable(c.queue, func(i, j int) bool {
		if c.queue[i].priority != c.queue[j].priority {
			return c.queue[i].priority > c.queue[j].priority
		}
		return c.queue[i].seq < c.queue[j].seq
	})
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *workerConn) popLocked() (outbound, bool) {
	if len(c.queue) == 0 {
		return outbound{}, false
	}
	o := c.queue[0]
	c.queue = c.queue[1:]
	return o, true
}

func (c *workerConn) cancel(id string) {
	c.mu.Lock()
	var fired OnDone
	for i, o := range c.queue {
		if o.id == id {
			fired = o.onDone
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			break
		}
	}
	if fired == nil {
		if f, ok := c.pending[id]; ok {
			fired = f
			delete(c.pending, id)
		}
	}
	c.mu.Unlock()
	if fired != nil {
		fired(id, false, wire.Response{})
	}
}

// failAll fails every queued and in-flight call on a connection loss. It
// takes c.mu itself; callers must not hold it.
func (c *workerConn) failAll() {
	c.mu.Lock()
	queued := c.queue
	c.queue = nil
	pending := c.pending
	c.pending = make(map[string]OnDone)
	c.mu.Unlock()
	for _, o := range queued {
		o.onDone(o.id, false, wire.Response{})
	}
	for id, f := range pending {
		f(id, false, wire.Response{})
	}
}

// run is the reconnect loop: dial, spawn a reader, drain the send queue
// until an I/O error, then back off and retry. Modeled on the teacher's
// Modrinth client backoff: doubling delay capped at a max, with jitter,
// deduplicated per worker via singleflight so concurrent Sends to a
// freshly-failed worker don't pile up redialing.
func (c *workerConn) run() {
	backoff := c.m.cfg.ReconnectBackoffMin
	for {
		select {
		case <-c.done:
			return
		case <-c.m.closing:
			return
		default:
		}

		conn, err, _ := c.m.sf.Do(c.w.Name, func() (interface{}, error) {
			d := net.Dialer{Timeout: 5 * time.Second}
			return d.Dial("tcp", c.addr)
		})
		if err != nil {
			telemetry.Event("messenger_dial_error", map[string]string{"worker": c.w.Name, "error": err.Error()})
			if !c.sleepBackoff(&backoff) {
				return
			}
			continue
		}
		backoff = c.m.cfg.ReconnectBackoffMin
		nc := conn.(net.Conn)
		telemetry.Event("messenger_connected", map[string]string{"worker": c.w.Name})
		c.serve(nc)
		c.failAll()
		if !c.sleepBackoff(&backoff) {
			return
		}
	}
}

func (c *workerConn) sleepBackoff(backoff *time.Duration) bool {
	d := *backoff + randJitter(*backoff)
	*backoff *= 2
	if *backoff > c.m.cfg.ReconnectBackoffMax {
		*backoff = c.m.cfg.ReconnectBackoffMax
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-c.done:
		return false
	case <-c.m.closing:
		return false
	case <-t.C:
		return true
	}
}

func randJitter(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(base) + 1))
}

// serve drives one live connection until a read or write error; it returns
// when the connection should be abandoned and redialed.
func (c *workerConn) serve(conn net.Conn) {
	defer conn.Close()
	readErr := make(chan error, 1)
	go c.readLoop(conn, readErr)

	for {
		select {
		case <-c.done:
			return
		case <-c.m.closing:
			return
		case err := <-readErr:
			if err != nil {
				telemetry.Event("messenger_read_error", map[string]string{"worker": c.w.Name, "error": err.Error()})
			}
			return
		case <-c.notify:
		}
		for {
			c.mu.Lock()
			o, ok := c.popLocked()
			c.mu.Unlock()
			if !ok {
				break
			}
			if err := c.limiter.Wait(context.Background()); err != nil {
				o.onDone(o.id, false, wire.Response{})
				continue
			}
			c.mu.Lock()
			c.pending[o.id] = o.onDone
			c.mu.Unlock()
			if _, err := conn.Write(o.buf); err != nil {
				telemetry.Event("messenger_write_error", map[string]string{"worker": c.w.Name, "error": err.Error()})
				return
			}
		}
	}
}

func (c *workerConn) readLoop(conn net.Conn, errCh chan<- error) {
	r := bufio.NewReader(conn)
	for {
		var resp wire.Response
		if err := wire.ReadFrame(r, &resp); err != nil {
			errCh <- err
			return
		}
		c.mu.Lock()
		onDone, ok := c.pending[resp.Header.ID]
		if ok {
			delete(c.pending, resp.Header.ID)
		}
		c.mu.Unlock()
		if ok {
			onDone(resp.Header.ID, true, resp)
		}
	}
}

// EncodeEnvelope serializes header and body into a single length-prefixed
// frame ready for Send.
func EncodeEnvelope(header wire.RequestHeader, body any) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	env := wire.Envelope{Header: header, Body: raw}
	return wire.EncodeFrame(env)
}
