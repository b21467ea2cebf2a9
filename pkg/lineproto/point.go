// Package lineproto models the points written to the time-series store and
// encodes them in the store's line protocol.
package lineproto

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/influxdata/line-protocol/v2/lineprotocol"
)

// Point is one record written to a measurement
type Point struct {
	Measurement string                 `json:"measurement"`
	Tags        map[string]string      `json:"tags,omitempty"`
	Fields      map[string]interface{} `json:"fields"` // float64, int64, string, or bool
	Time        int64                  `json:"time"`   // seconds since epoch
}

// Batch is a set of points destined for one database
type Batch struct {
	Database        string
	RetentionPolicy string
	Points          []Point
}

// SeriesKey returns measurement plus sorted tags, the identity of a series
func (p Point) SeriesKey() string {
	var b strings.Builder
	b.WriteString(escapeMeasurement(p.Measurement))
	for _, k := range sortedKeys(p.Tags) {
		b.WriteByte(',')
		b.WriteString(escapeKey(k))
		b.WriteByte('=')
		b.WriteString(escapeKey(p.Tags[k]))
	}
	return b.String()
}

// Encode writes points one per line with second precision timestamps.
// Tags with empty values are left out; the protocol cannot carry them.
func Encode(w io.Writer, points []Point) error {
	var enc lineprotocol.Encoder
	enc.SetPrecision(lineprotocol.Second)

	for i, p := range points {
		if err := encodePoint(&enc, p); err != nil {
			return fmt.Errorf("point %d: %w", i, err)
		}
	}
	_, err := w.Write(enc.Bytes())
	return err
}

func encodePoint(enc *lineprotocol.Encoder, p Point) error {
	if p.Measurement == "" {
		return fmt.Errorf("measurement is required")
	}
	if len(p.Fields) == 0 {
		return fmt.Errorf("at least one field is required")
	}

	enc.StartLine(p.Measurement)
	for _, k := range sortedKeys(p.Tags) {
		if v := p.Tags[k]; v != "" {
			enc.AddTag(k, v)
		}
	}
	for _, k := range sortedFieldKeys(p.Fields) {
		v, ok := lineprotocol.NewValue(p.Fields[k])
		if !ok {
			return fmt.Errorf("field %q: unsupported or non-finite value %v", k, p.Fields[k])
		}
		enc.AddField(k, v)
	}
	enc.EndLine(time.Unix(p.Time, 0))
	return enc.Err()
}

var (
	measurementEscaper = strings.NewReplacer(`,`, `\,`, ` `, `\ `)
	keyEscaper         = strings.NewReplacer(`,`, `\,`, `=`, `\=`, ` `, `\ `)
)

func escapeMeasurement(s string) string { return measurementEscaper.Replace(s) }
func escapeKey(s string) string         { return keyEscaper.Replace(s) }

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedFieldKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
