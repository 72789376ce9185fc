// Package archive keeps an append-only history of published snapshots as
// JSON-lines objects, one per run, pruned by age.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/nucleus/source-pipeline/internal/objectstore"
	"github.com/nucleus/source-pipeline/internal/state"
)

// ContentType of archived run objects.
const ContentType = "application/x-ndjson"

const stampLayout = "20060102150405"

// Entry is one archived snapshot row.
type Entry struct {
	RunID       string `json:"runId"`
	Source      string `json:"source"`
	Cache       string `json:"cache,omitempty"`
	Version     string `json:"version,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Processed   string `json:"processed,omitempty"`
	At          string `json:"at"`
}

// Archive writes run history under bucket/prefix.
type Archive struct {
	objects   objectstore.ObjectStore
	bucket    string
	prefix    string
	retention time.Duration
	now       func() time.Time
}

// New creates an archive. A zero retention keeps everything.
func New(objects objectstore.ObjectStore, bucket, prefix string, retention time.Duration) *Archive {
	return &Archive{objects: objects, bucket: bucket, prefix: prefix, retention: retention, now: time.Now}
}

// Append stores records for runID and returns the object locator.
func (a *Archive) Append(ctx context.Context, runID string, at time.Time, records []state.Record) (string, error) {
	if len(records) == 0 {
		return "", nil
	}
	if err := a.objects.EnsureBucket(ctx, a.bucket); err != nil {
		return "", errors.Wrapf(err, "failed to ensure bucket %s", a.bucket)
	}

	stamp := at.UTC().Format(time.RFC3339)
	var buf bytes.Buffer
	for _, r := range records {
		line, err := json.Marshal(Entry{
			RunID:       runID,
			Source:      string(r.Source),
			Cache:       r.Cache,
			Version:     r.Version,
			Fingerprint: r.Fingerprint,
			Processed:   r.ProcessedValue(),
			At:          stamp,
		})
		if err != nil {
			return "", errors.Wrapf(err, "failed to encode archive entry for %s", r.Source)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	key := objectstore.JoinKey(a.prefix, fmt.Sprintf("%s-%s.jsonl", at.UTC().Format(stampLayout), runID))
	if err := a.objects.PutObject(ctx, a.bucket, key, buf.Bytes(), objectstore.PutOptions{ContentType: ContentType}); err != nil {
		return "", errors.Wrapf(err, "failed to archive run %s", runID)
	}
	return objectstore.Locator(a.bucket, key), nil
}

// Prune deletes archived runs older than the retention and returns how many
// were removed.
func (a *Archive) Prune(ctx context.Context) (int, error) {
	if a.retention <= 0 {
		return 0, nil
	}
	cutoff := a.now().Add(-a.retention)
	keys, err := a.objects.ListPrefix(ctx, a.bucket, a.prefix)
	if err != nil {
		if objectstore.IsNotFound(err) {
			return 0, nil
		}
		return 0, errors.Wrap(err, "failed to list archived runs")
	}

	var removed int
	for _, key := range keys {
		base := path.Base(key)
		if !strings.HasSuffix(base, ".jsonl") {
			continue
		}
		stamp, _, ok := strings.Cut(base, "-")
		if !ok {
			continue
		}
		at, err := time.Parse(stampLayout, stamp)
		if err != nil || !at.Before(cutoff) {
			continue
		}
		if err := a.objects.DeleteObject(ctx, a.bucket, key); err != nil {
			return removed, errors.Wrapf(err, "failed to delete %s", key)
		}
		removed++
	}
	return removed, nil
}
