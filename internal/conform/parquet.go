package conform

import (
	"bytes"
	"encoding/json"

	"github.com/cockroachdb/errors"
	writerfile "github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

const parquetSchema = `{
  "Tag": "name=parquet_go_root, repetitiontype=REQUIRED",
  "Fields": [
    {"Tag": "name=lon, type=DOUBLE, repetitiontype=REQUIRED"},
    {"Tag": "name=lat, type=DOUBLE, repetitiontype=REQUIRED"},
    {"Tag": "name=number, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=REQUIRED"},
    {"Tag": "name=street, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=REQUIRED"}
  ]
}`

type parquetRow struct {
	Lon    float64 `json:"lon"`
	Lat    float64 `json:"lat"`
	Number string  `json:"number"`
	Street string  `json:"street"`
}

// EncodeParquet writes rows as a Snappy-compressed Parquet file.
func EncodeParquet(rows []Address) ([]byte, error) {
	var buf bytes.Buffer
	file := writerfile.NewWriterFile(&buf)
	defer file.Close()

	pw, err := writer.NewJSONWriter(parquetSchema, file, 4)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create parquet writer")
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	stopped := false
	defer func() {
		if !stopped {
			_ = pw.WriteStop()
		}
	}()

	for i, r := range rows {
		line, err := json.Marshal(parquetRow(r))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to encode parquet row %d", i)
		}
		if err := pw.Write(string(line)); err != nil {
			return nil, errors.Wrapf(err, "failed to write parquet row %d", i)
		}
	}
	stopped = true
	if err := pw.WriteStop(); err != nil {
		return nil, errors.Wrap(err, "failed to finish parquet file")
	}
	return buf.Bytes(), nil
}
