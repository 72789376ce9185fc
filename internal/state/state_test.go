package state

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/nucleus/source-pipeline/internal/objectstore"
	"github.com/nucleus/source-pipeline/internal/source"
)

const header = "source\tcache\tversion\tfingerprint\tprocessed\n"

func TestEncodeLayout(t *testing.T) {
	rows := []Record{
		{Source: "us/ca.json", Cache: "minio://b/cache/us/ca/1/a.csv", Version: "20240101000000", Fingerprint: "abc", Processed: Locator("minio://b/processed/us/ca/1/out.csv")},
		{Source: "us/ny.json"},
	}
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, rows))

	want := header +
		"us/ca.json\tminio://b/cache/us/ca/1/a.csv\t20240101000000\tabc\tminio://b/processed/us/ca/1/out.csv\n" +
		"us/ny.json\t\t\t\t\n"
	assert.Equal(t, want, buf.String())
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	rows := []Record{
		{Source: "a.json", Cache: "minio://b/a", Version: "1", Fingerprint: "f1", Processed: Locator("minio://b/p/a")},
		{Source: "b.json", Cache: "minio://b/b", Version: "2", Fingerprint: "f2"},
		{Source: "c.json"},
	}
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, rows))

	got, err := Decode(&buf, nil)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for _, row := range rows {
		assert.Equal(t, row, got[row.Source])
	}
	assert.Nil(t, got["b.json"].Processed)
}

func TestDecodeDropsMalformedRows(t *testing.T) {
	input := header +
		"a.json\tminio://b/a\t1\tf1\tminio://b/p/a\n" +
		"b.json\tminio://b/b\n" +
		"\tminio://b/x\t1\tf\t\n"

	var warnings []int
	got, err := Decode(strings.NewReader(input), func(line int, reason string) {
		warnings = append(warnings, line)
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "minio://b/a", got["a.json"].Cache)
	assert.Equal(t, []int{3, 4}, warnings)
}

func TestDecodeUnterminatedQuoteDropsOnlyItsRow(t *testing.T) {
	input := header +
		"\"bad.json\tminio://b/bad\t1\tf\t\n" +
		"a.json\tminio://b/a\t1\tf1\t\n" +
		"c.json\tminio://b/c\t2\tf2\tminio://b/p/c\n"

	var warnings []int
	got, err := Decode(strings.NewReader(input), func(line int, reason string) {
		warnings = append(warnings, line)
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "minio://b/a", got["a.json"].Cache)
	assert.Equal(t, "minio://b/p/c", got["c.json"].ProcessedValue())
	assert.Equal(t, []int{2}, warnings)
}

func TestDecodeAcceptsCRLFAndBlankLines(t *testing.T) {
	input := "source\tcache\tversion\tfingerprint\tprocessed\r\n" +
		"a.json\tminio://b/a\t1\tf1\t\r\n" +
		"\r\n" +
		"b.json\tminio://b/b\t2\tf2\tminio://b/p/b"

	got, err := Decode(strings.NewReader(input), func(line int, reason string) {
		t.Errorf("unexpected warning on line %d: %s", line, reason)
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Nil(t, got["a.json"].Processed)
	assert.Equal(t, "minio://b/p/b", got["b.json"].ProcessedValue())
}

func TestEncodeDecodeRoundTripQuotedValues(t *testing.T) {
	rows := []Record{
		{Source: "odd \"name\".json", Cache: "minio://b/a\tb", Version: " 1", Fingerprint: "f"},
	}
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, rows))

	got, err := Decode(&buf, nil)
	require.NoError(t, err)
	assert.Equal(t, rows[0], got[rows[0].Source])
}

func TestEncodeRejectsLineBreaks(t *testing.T) {
	for _, rec := range []Record{
		{Source: "a.json", Cache: "x\r\ny"},
		{Source: "a.json", Fingerprint: "x\ny"},
		{Source: "a\r.json"},
		{Source: "a.json", Processed: Locator("minio://b/p\n")},
	} {
		var buf bytes.Buffer
		err := Encode(&buf, []Record{rec})
		assert.ErrorIs(t, err, ErrMultilineField, "%q", rec.Source)
	}
}

func TestStoreSaveRejectsLineBreaksWithoutPublishing(t *testing.T) {
	objects := objectstore.NewMemoryStore()
	store := NewStore(objects, "data", "state.txt", nil)

	err := store.Save(context.Background(), []Record{{Source: "a.json", Cache: "x\r\ny"}})
	assert.ErrorIs(t, err, ErrMultilineField)
	assert.Equal(t, 0, objects.Puts)
}

func TestDecodeUsesHeaderOrder(t *testing.T) {
	input := "processed\tsource\tfingerprint\tversion\tcache\n" +
		"minio://b/p\ta.json\tf\t7\tminio://b/c\n"

	got, err := Decode(strings.NewReader(input), nil)
	require.NoError(t, err)
	assert.Equal(t, Record{
		Source:      "a.json",
		Cache:       "minio://b/c",
		Version:     "7",
		Fingerprint: "f",
		Processed:   Locator("minio://b/p"),
	}, got["a.json"])
}

func TestDecodeWithoutSourceColumn(t *testing.T) {
	var warned bool
	got, err := Decode(strings.NewReader("cache\tversion\nx\ty\n"), func(int, string) { warned = true })
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.True(t, warned)
}

func TestDecodeDuplicateSourceLastWins(t *testing.T) {
	input := header +
		"a.json\tminio://b/old\t1\tf\t\n" +
		"a.json\tminio://b/new\t2\tf\t\n"
	got, err := Decode(strings.NewReader(input), nil)
	require.NoError(t, err)
	assert.Equal(t, "minio://b/new", got["a.json"].Cache)
}

func TestDecodeEmpty(t *testing.T) {
	got, err := Decode(strings.NewReader(""), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStoreLoadFirstRun(t *testing.T) {
	store := NewStore(objectstore.NewMemoryStore(), "data", "state.txt", nil)
	got, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestStoreSavePublishesPlainText(t *testing.T) {
	ctx := context.Background()
	mem := objectstore.NewMemoryStore()
	store := NewStore(mem, "data", "runs/state.txt", nil)

	rows := []Record{{Source: "a.json", Cache: "minio://data/a", Version: "1", Fingerprint: "f"}}
	require.NoError(t, store.Save(ctx, rows))

	obj, err := mem.Stat(ctx, "data", "runs/state.txt")
	require.NoError(t, err)
	assert.Equal(t, "text/plain", obj.Options.ContentType)
	assert.True(t, obj.Options.PublicRead)
	assert.Equal(t, header+"a.json\tminio://data/a\t1\tf\t\n", string(obj.Data))
	assert.Equal(t, 1, mem.Puts)

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[source.ID]Record{"a.json": rows[0]}, loaded)
}

func TestStoreSaveFailure(t *testing.T) {
	mem := objectstore.NewMemoryStore()
	mem.PutErr = errors.New("connection reset")
	store := NewStore(mem, "data", "state.txt", nil)

	err := store.Save(context.Background(), []Record{{Source: "a.json"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestStoreLoadWarnsOnMalformedRows(t *testing.T) {
	ctx := context.Background()
	mem := objectstore.NewMemoryStore()
	require.NoError(t, mem.PutObject(ctx, "data", "state.txt",
		[]byte(header+"a.json\tc\t1\tf\t\nbroken\n"), objectstore.PutOptions{}))

	core, logs := observer.New(zapcore.WarnLevel)
	store := NewStore(mem, "data", "state.txt", zap.New(core).Sugar())

	got, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, 1, logs.FilterMessage("dropping malformed state row").Len())
}
