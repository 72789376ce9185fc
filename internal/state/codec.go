package state

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/nucleus/source-pipeline/internal/source"
)

// Snapshot column names, in the order they are written.
const (
	ColumnSource      = "source"
	ColumnCache       = "cache"
	ColumnVersion     = "version"
	ColumnFingerprint = "fingerprint"
	ColumnProcessed   = "processed"
)

// Header is the snapshot header row.
var Header = []string{ColumnSource, ColumnCache, ColumnVersion, ColumnFingerprint, ColumnProcessed}

// WarnFunc receives the line number and reason for every dropped row.
type WarnFunc func(line int, reason string)

// ErrMultilineField is returned by Encode for a value holding a line break.
// Every snapshot row is one physical line.
var ErrMultilineField = errors.New("state field contains a line break")

// Encode writes rows as a tab-delimited table with a header row.
func Encode(w io.Writer, rows []Record) error {
	cw := csv.NewWriter(w)
	cw.Comma = '\t'

	if err := cw.Write(Header); err != nil {
		return errors.Wrap(err, "failed to write state header")
	}
	for _, row := range rows {
		line := []string{string(row.Source), row.Cache, row.Version, row.Fingerprint, row.ProcessedValue()}
		for i, v := range line {
			if strings.ContainsAny(v, "\r\n") {
				return errors.Wrapf(ErrMultilineField, "%s of %s", Header[i], row.Source)
			}
		}
		if err := cw.Write(line); err != nil {
			return errors.Wrapf(err, "failed to write state row for %s", row.Source)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return errors.Wrap(err, "failed to flush state")
	}
	return nil
}

// Decode parses a snapshot keyed by source. Each line is parsed on its own,
// so a malformed row is reported to warn and skipped without touching its
// neighbours. Only reader failures are returned as errors.
func Decode(r io.Reader, warn WarnFunc) (map[source.ID]Record, error) {
	if warn == nil {
		warn = func(int, string) {}
	}
	records := make(map[source.ID]Record)
	lines := newLineReader(r)

	var header []string
	for header == nil {
		n, text, err := lines.next()
		if errors.Is(err, io.EOF) {
			return records, nil
		}
		if err != nil {
			return nil, errors.Wrap(err, "failed to read state header")
		}
		fields, perr := splitLine(text)
		switch {
		case perr != nil:
			warn(n, "unreadable header: "+perr.Error())
			return records, nil
		case fields != nil:
			header = fields
		}
	}

	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[name] = i
	}
	sourceCol, ok := columns[ColumnSource]
	if !ok {
		warn(lines.line, "header has no source column")
		return records, nil
	}
	field := func(row []string, name string) string {
		if i, ok := columns[name]; ok {
			return row[i]
		}
		return ""
	}

	for {
		n, text, err := lines.next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "failed to read state row")
		}
		row, perr := splitLine(text)
		if perr != nil {
			warn(n, perr.Error())
			continue
		}
		if row == nil {
			continue
		}

		if len(row) != len(header) {
			warn(n, fmt.Sprintf("expected %d fields, got %d", len(header), len(row)))
			continue
		}
		id := source.ID(row[sourceCol])
		if id == "" {
			warn(n, "empty source")
			continue
		}
		if _, dup := records[id]; dup {
			warn(n, fmt.Sprintf("duplicate source %s replaces earlier row", id))
		}
		records[id] = Record{
			Source:      id,
			Cache:       field(row, ColumnCache),
			Version:     field(row, ColumnVersion),
			Fingerprint: field(row, ColumnFingerprint),
			Processed:   Locator(field(row, ColumnProcessed)),
		}
	}
	return records, nil
}

type lineReader struct {
	r    *bufio.Reader
	line int
}

func newLineReader(r io.Reader) *lineReader {
	return &lineReader{r: bufio.NewReader(r)}
}

// next returns the following physical line and its 1-based number, without
// the trailing line ending.
func (l *lineReader) next() (int, string, error) {
	text, err := l.r.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && text != "") {
		return l.line, "", err
	}
	l.line++
	text = strings.TrimSuffix(text, "\n")
	return l.line, strings.TrimSuffix(text, "\r"), nil
}

// splitLine parses one line as a tab-delimited record. A blank line yields
// nil fields and no error.
func splitLine(text string) ([]string, error) {
	cr := csv.NewReader(strings.NewReader(text))
	cr.Comma = '\t'
	cr.FieldsPerRecord = -1
	fields, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	var perr *csv.ParseError
	if errors.As(err, &perr) {
		return nil, perr.Err
	}
	return fields, err
}
