package conform

import (
	"bytes"
	"encoding/csv"
	"strconv"

	"github.com/cockroachdb/errors"
)

// Header is the canonical output header.
var Header = []string{"LON", "LAT", "NUMBER", "STREET"}

// EncodeCSV writes rows as canonical CSV.
func EncodeCSV(rows []Address) ([]byte, error) {
	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	if err := cw.Write(Header); err != nil {
		return nil, errors.Wrap(err, "failed to write output header")
	}
	for _, r := range rows {
		line := []string{formatCoord(r.Lon), formatCoord(r.Lat), r.Number, r.Street}
		if err := cw.Write(line); err != nil {
			return nil, errors.Wrap(err, "failed to write output row")
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return nil, errors.Wrap(err, "failed to flush output")
	}
	return buf.Bytes(), nil
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', 7, 64)
}
