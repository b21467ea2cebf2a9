package influx

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nicktill/telemigrate/pkg/schema"
)

// ErrQuery is returned when the store reports a statement error
var ErrQuery = errors.New("influx: query failed")

// Response is the store's native query result shape:
// {"results": [{"series": [{"columns": [...], "values": [[...]]}]}]}
type Response struct {
	Results []Result `json:"results"`
	Err     string   `json:"error,omitempty"`
}

// Result is the outcome of one statement
type Result struct {
	StatementID int      `json:"statement_id"`
	Series      []Series `json:"series,omitempty"`
	Err         string   `json:"error,omitempty"`
}

// Series is one tag set's worth of rows
type Series struct {
	Name    string            `json:"name,omitempty"`
	Tags    map[string]string `json:"tags,omitempty"`
	Columns []string          `json:"columns"`
	Values  [][]interface{}   `json:"values,omitempty"`
}

// Error returns the first error reported anywhere in the response
func (r *Response) Error() error {
	if r.Err != "" {
		return fmt.Errorf("%w: %s", ErrQuery, r.Err)
	}
	for _, res := range r.Results {
		if res.Err != "" {
			return fmt.Errorf("%w: statement %d: %s", ErrQuery, res.StatementID, res.Err)
		}
	}
	return nil
}

// SelectQuery is an aggregated select, optionally writing into another measurement
type SelectQuery struct {
	Fields  string         // select list, e.g. schema.Group.Expressions()
	Into    *schema.Target // nil for a plain select
	From    schema.Target
	Where   string
	GroupBy []string
}

// String renders the statement
func (q SelectQuery) String() string {
	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(q.Fields)
	if q.Into != nil {
		b.WriteString(" INTO ")
		b.WriteString(q.Into.String())
	}
	b.WriteString(" FROM ")
	b.WriteString(q.From.String())
	if q.Where != "" {
		b.WriteString(" WHERE ")
		b.WriteString(q.Where)
	}
	if len(q.GroupBy) > 0 {
		b.WriteString(" GROUP BY ")
		b.WriteString(strings.Join(q.GroupBy, ", "))
	}
	return b.String()
}

// TimeRange renders the half-open predicate time >= start AND time < end,
// with second-precision literals
func TimeRange(start, end int64) string {
	return fmt.Sprintf("time >= %ds AND time < %ds", start, end)
}

// TagEquals renders a tag equality predicate
func TagEquals(key, value string) string {
	value = strings.ReplaceAll(value, `\`, `\\`)
	value = strings.ReplaceAll(value, `'`, `\'`)
	return schema.QuoteIdent(key) + " = '" + value + "'"
}

// GroupByTime renders a time(...) grouping for a bucket width in seconds
func GroupByTime(width int64) string {
	switch {
	case width%3600 == 0:
		return fmt.Sprintf("time(%dh)", width/3600)
	case width%60 == 0:
		return fmt.Sprintf("time(%dm)", width/60)
	default:
		return fmt.Sprintf("time(%ds)", width)
	}
}
