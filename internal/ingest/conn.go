package ingest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"shardctl/internal/config"
	"shardctl/internal/namedmutex"
	"shardctl/internal/services"
	"shardctl/internal/wire"
)

// Deps bundles what one ingest connection needs to validate a handshake,
// persist contribution state, and simulate a load.
type Deps struct {
	Store     *services.Store
	Mutexes   *namedmutex.Registry
	Config    config.Config
	AuthKey   func() (string, error)
	LoaderDir string
	Worker    string
}

// Conn drives one framed ingest session end to end: handshake, data loop,
// simulated load, per spec.md §4.7/§6.
type Conn struct {
	deps    Deps
	dialect Dialect
	store   *services.Store

	tmp       *os.File
	csvWriter *csv.Writer
	numRows   int64
	numBad    int64
	numBytes  int64
}

// Serve reads one handshake and, if accepted, drives the data loop until the
// contribution finishes or fails. rwc is closed before returning.
func Serve(ctx context.Context, rwc io.ReadWriteCloser, deps Deps) error {
	defer rwc.Close()
	br := bufio.NewReader(rwc)

	var hs HandshakeRequest
	if err := wire.ReadFrame(br, &hs); err != nil {
		return fmt.Errorf("read handshake: %w", err)
	}

	c := &Conn{deps: deps, dialect: hs.Dialect, store: deps.Store}
	contrib, resp := c.openContribution(ctx, hs)
	if err := wire.WriteFrame(rwc, resp); err != nil {
		return fmt.Errorf("write handshake response: %w", err)
	}
	if resp.Status != StatusReadyToReadData {
		return nil
	}
	defer c.cleanupTmp()
	return c.dataLoop(ctx, br, rwc, contrib)
}

// openContribution validates the handshake and, if accepted, creates the
// IN_PROGRESS contribution row and opens the temp output file. A failure
// here has no contribution row to attach to, per
// services.CreateTransactionContrib's own doc comment, so it is reported
// directly rather than via a *Failed transition.
func (c *Conn) openContribution(ctx context.Context, hs HandshakeRequest) (services.Contribution, Response) {
	key, err := c.deps.AuthKey()
	if err != nil {
		return services.Contribution{}, failure(fmt.Sprintf("auth key lookup: %v", err), true)
	}
	if key != "" && hs.AuthKey != key {
		return services.Contribution{}, failure("auth key mismatch", true)
	}

	tx, err := c.store.GetTransaction(ctx, hs.TransactionID)
	if err != nil {
		return services.Contribution{}, failure(fmt.Sprintf("unknown transaction %d", hs.TransactionID), true)
	}
	if tx.State != services.TxStarted {
		return services.Contribution{}, failure(fmt.Sprintf("transaction %d not STARTED (is %s)", hs.TransactionID, tx.State), true)
	}
	if !databaseKnown(c.deps.Config, tx.Database) {
		return services.Contribution{}, failure(fmt.Sprintf("database %q not configured", tx.Database), true)
	}
	if hs.Table == "" {
		return services.Contribution{}, failure("table name required", true)
	}
	u, err := url.Parse(hs.URL)
	if err != nil || (u.Scheme != "" && u.Scheme != "file" && u.Scheme != "http" && u.Scheme != "https") {
		return services.Contribution{}, failure(fmt.Sprintf("unsupported url %q", hs.URL), true)
	}

	contrib, err := c.store.CreateTransactionContrib(ctx, hs.TransactionID, c.deps.Worker, tx.Database, hs.Table,
		hs.Chunk, hs.IsOverlap, hs.URL, dialectName(hs.Dialect), hs.CharsetName, false)
	if err != nil {
		return services.Contribution{}, failure(fmt.Sprintf("create contribution: %v", err), true)
	}

	if err := c.openTmp(contrib); err != nil {
		_ = c.store.CreateTransactionContribFailed(ctx, contrib.ID, err.Error(), true)
		return contrib, failure(err.Error(), true)
	}

	return contrib, Response{ID: contrib.ID, Status: StatusReadyToReadData, RetryAllowed: true}
}

func (c *Conn) openTmp(contrib services.Contribution) error {
	if c.deps.LoaderDir == "" {
		return fmt.Errorf("no loader directory configured")
	}
	name := filepath.Join(c.deps.LoaderDir, fmt.Sprintf("contrib-%d-%s.tmp", contrib.ID, uuid.NewString()))
	f, err := os.Create(name)
	if err != nil {
		return fmt.Errorf("open temp file: %w", err)
	}
	c.tmp = f
	c.csvWriter = csv.NewWriter(f)
	if c.dialect.FieldsTerminatedBy != 0 {
		c.csvWriter.Comma = rune(c.dialect.FieldsTerminatedBy)
	}
	return nil
}

func (c *Conn) cleanupTmp() {
	if c.tmp == nil {
		return
	}
	name := c.tmp.Name()
	c.tmp.Close()
	if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("file", name).Msg("ingest temp file cleanup")
	}
}

// dataLoop receives framed DataPackets until one arrives with Last=true,
// appends each packet's parsed rows (transaction id prepended, per spec.md
// §4.7) to the temp file, then triggers the simulated load.
func (c *Conn) dataLoop(ctx context.Context, br *bufio.Reader, w io.Writer, contrib services.Contribution) error {
	for {
		var pkt DataPacket
		if err := wire.ReadFrame(br, &pkt); err != nil {
			_ = c.store.ReadTransactionContribFailed(ctx, contrib.ID, err.Error(), false)
			_ = wire.WriteFrame(w, Response{ID: contrib.ID, Status: StatusFailed, Error: err.Error()})
			return err
		}

		if err := c.appendPacket(contrib, pkt.Data); err != nil {
			_ = c.store.ReadTransactionContribFailed(ctx, contrib.ID, err.Error(), false)
			_ = wire.WriteFrame(w, Response{ID: contrib.ID, Status: StatusFailed, Error: err.Error(), RetryAllowed: false})
			return nil
		}
		c.numBytes += int64(len(pkt.Data))
		_ = c.store.ReadTransactionContrib(ctx, contrib.ID, c.numBytes, c.numRows)

		if !pkt.Last {
			if err := wire.WriteFrame(w, Response{ID: contrib.ID, Status: StatusReadyToReadData}); err != nil {
				return err
			}
			continue
		}

		c.csvWriter.Flush()
		numLoaded, numBad, numWarnings, err := c.loadDataIntoTable(ctx, contrib)
		if err != nil {
			_ = c.store.LoadedTransactionContribFailed(ctx, contrib.ID, err.Error(), false)
			return wire.WriteFrame(w, Response{ID: contrib.ID, Status: StatusFailed, Error: err.Error()})
		}
		_ = c.store.LoadedTransactionContrib(ctx, contrib.ID, numLoaded, numBad, numWarnings)
		return wire.WriteFrame(w, Response{
			ID: contrib.ID, Status: StatusFinished,
			NumRows: numLoaded + numBad, NumRowsLoaded: numLoaded, NumWarnings: numWarnings,
		})
	}
}

// appendPacket parses pkt as CSV under the connection's dialect and writes
// each row, with the transaction id prepended as the first column, to the
// open temp file. A packet boundary splitting a quoted field is not
// supported — each packet is parsed independently, a deliberate
// simplification given there is no reassembly buffer across packets.
func (c *Conn) appendPacket(contrib services.Contribution, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	reader, err := c.dialect.newReader(bytes.NewReader(data))
	if err != nil {
		return err
	}
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			c.numBad++
			continue
		}
		row := append([]string{fmt.Sprintf("%d", contrib.TransactionID)}, record...)
		if err := c.csvWriter.Write(row); err != nil {
			return fmt.Errorf("write temp row: %w", err)
		}
		c.numRows++
	}
	return nil
}

func databaseKnown(cfg config.Config, database string) bool {
	for _, f := range cfg.DatabaseFamilies {
		for _, db := range f.Databases {
			if db == database {
				return true
			}
		}
	}
	return false
}

func dialectName(d Dialect) string {
	return fmt.Sprintf("fields=%q lines=%q enclose=%q escape=%q", d.FieldsTerminatedBy, d.LinesTerminatedBy, d.Enclosing, d.Escaping)
}
