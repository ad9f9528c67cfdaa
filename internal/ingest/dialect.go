package ingest

import (
	"encoding/csv"
	"fmt"
	"io"
)

// Dialect models the field/line terminators and quote/escape characters a
// loader's CSV follows, per SPEC_FULL.md §4.7.1 (original_source's
// dialectInput). Only single-byte ASCII terminators are supported — the
// same restriction encoding/csv's Reader.Comma itself carries.
type Dialect struct {
	FieldsTerminatedBy byte `json:"fieldsTerminatedBy"`
	LinesTerminatedBy  byte `json:"linesTerminatedBy"`
	Enclosing          byte `json:"enclosing"`
	Escaping           byte `json:"escaping"`
}

// DefaultDialect is comma-separated, newline-terminated, double-quote
// enclosed CSV with no custom escape character — MySQL's own LOAD DATA
// INFILE default.
func DefaultDialect() Dialect {
	return Dialect{FieldsTerminatedBy: ',', LinesTerminatedBy: '\n', Enclosing: '"'}
}

// newReader builds an encoding/csv.Reader configured for d reading from r.
// LinesTerminatedBy is not configurable on csv.Reader (it always splits on
// \n), so for a dialect requesting any other line terminator newReader
// returns an error instead of silently misparsing rows.
func (d Dialect) newReader(r io.Reader) (*csv.Reader, error) {
	if d.LinesTerminatedBy != 0 && d.LinesTerminatedBy != '\n' {
		return nil, fmt.Errorf("unsupported line terminator %q", d.LinesTerminatedBy)
	}
	cr := csv.NewReader(r)
	if d.FieldsTerminatedBy != 0 {
		cr.Comma = rune(d.FieldsTerminatedBy)
	}
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1
	return cr, nil
}
