package influx

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/influxdata/line-protocol/v2/lineprotocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/telemigrate/pkg/lineproto"
	"github.com/nicktill/telemigrate/pkg/schema"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"valid", "http://localhost:8086", false},
		{"https with path", "https://store.example.com/influx", false},
		{"empty", "", true},
		{"bad scheme", "udp://localhost:8089", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(Config{URL: tt.url}, nil)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 30*time.Second, c.queryTimeout)
			assert.Equal(t, 300*time.Second, c.writeTimeout)
		})
	}
}

func TestSelectQuery_String(t *testing.T) {
	into := schema.Target{Database: "cwp", RetentionPolicy: "autogen", Measurement: "summary"}
	q := SelectQuery{
		Fields:  `MEAN("a") AS "a"`,
		Into:    &into,
		From:    schema.Target{Database: "cirrus", Measurement: "perfest"},
		Where:   TagEquals("site_id", "WFLA") + " AND " + TimeRange(0, 900),
		GroupBy: []string{"time(15m)", `"site_id"`},
	}

	want := `SELECT MEAN("a") AS "a" INTO "cwp"."autogen"."summary" FROM "cirrus"."autogen"."perfest" ` +
		`WHERE "site_id" = 'WFLA' AND time >= 0s AND time < 900s GROUP BY time(15m), "site_id"`
	assert.Equal(t, want, q.String())
}

func TestClient_Query(t *testing.T) {
	var gotQuery, gotDB, gotEpoch, gotUser string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/query", r.URL.Path)
		require.NoError(t, r.ParseForm())
		gotQuery = r.Form.Get("q")
		gotDB = r.Form.Get("db")
		gotEpoch = r.Form.Get("epoch")
		gotUser, _, _ = r.BasicAuth()

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"results":[{"statement_id":0,"series":[{"name":"perfest",` +
			`"columns":["time","building.offset.kW"],"values":[[1531161000,-1.2],[1531161900,null]]}]}]}`))
	}))
	defer server.Close()

	c, err := New(Config{URL: server.URL, Username: "migrator", Password: "pw"}, nil)
	require.NoError(t, err)

	resp, err := c.Query(context.Background(), "cirrus", "SELECT 1")
	require.NoError(t, err)

	assert.Equal(t, "SELECT 1", gotQuery)
	assert.Equal(t, "cirrus", gotDB)
	assert.Equal(t, "s", gotEpoch)
	assert.Equal(t, "migrator", gotUser)

	require.Len(t, resp.Results, 1)
	s := resp.Results[0].Series[0]
	assert.Equal(t, []string{"time", "building.offset.kW"}, s.Columns)
	assert.Equal(t, json.Number("-1.2"), s.Values[0][1])
	assert.Nil(t, s.Values[1][1])
}

func TestClient_QueryStatementError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"results":[{"statement_id":0,"error":"database not found: cirrus"}]}`))
	}))
	defer server.Close()

	c, err := New(Config{URL: server.URL}, nil)
	require.NoError(t, err)

	_, err = c.Query(context.Background(), "cirrus", "SELECT 1")
	require.True(t, errors.Is(err, ErrQuery))
	assert.Contains(t, err.Error(), "database not found")
}

func TestClient_QueryServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	c, err := New(Config{URL: server.URL}, nil)
	require.NoError(t, err)

	_, err = c.Query(context.Background(), "cirrus", "SELECT 1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestClient_SelectInto(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results":[{"statement_id":0,"series":[{"name":"result","columns":["time","written"],"values":[[0,42]]}]}]}`))
	}))
	defer server.Close()

	c, err := New(Config{URL: server.URL}, nil)
	require.NoError(t, err)

	into := schema.Target{Database: "cwp", Measurement: "summary"}
	n, err := c.SelectInto(context.Background(), SelectQuery{
		Fields: `MEAN("a") AS "a"`,
		Into:   &into,
		From:   schema.Target{Database: "cirrus", Measurement: "perfest"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)

	_, err = c.SelectInto(context.Background(), SelectQuery{Fields: "x"})
	require.Error(t, err, "destination is required")
}

func TestClient_WritePoints(t *testing.T) {
	var got []lineproto.Point
	var gotDB, gotPrecision, gotRP string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/write", r.URL.Path)
		gotDB = r.URL.Query().Get("db")
		gotPrecision = r.URL.Query().Get("precision")
		gotRP = r.URL.Query().Get("rp")

		got = decodeLines(t, r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	c, err := New(Config{URL: server.URL}, nil)
	require.NoError(t, err)

	err = c.WritePoints(context.Background(), lineproto.Batch{
		Database:        "cwp",
		RetentionPolicy: "autogen",
		Points: []lineproto.Point{{
			Measurement: "summary",
			Tags:        map[string]string{"site_id": "WFLA"},
			Fields:      map[string]interface{}{"soc": 0.5},
			Time:        900,
		}},
	})
	require.NoError(t, err)

	assert.Equal(t, "cwp", gotDB)
	assert.Equal(t, "s", gotPrecision)
	assert.Equal(t, "autogen", gotRP)
	require.Len(t, got, 1)
	assert.Equal(t, 0.5, got[0].Fields["soc"])
	assert.Equal(t, map[string]string{"site_id": "WFLA"}, got[0].Tags)
	assert.Equal(t, int64(900), got[0].Time)
}

// decodeLines reads a write body the way the store does
func decodeLines(t *testing.T, body io.Reader) []lineproto.Point {
	t.Helper()

	var points []lineproto.Point
	dec := lineprotocol.NewDecoder(body)
	for dec.Next() {
		m, err := dec.Measurement()
		require.NoError(t, err)
		p := lineproto.Point{
			Measurement: string(m),
			Tags:        map[string]string{},
			Fields:      map[string]interface{}{},
		}
		for {
			key, val, err := dec.NextTag()
			require.NoError(t, err)
			if key == nil {
				break
			}
			p.Tags[string(key)] = string(val)
		}
		for {
			key, val, err := dec.NextField()
			require.NoError(t, err)
			if key == nil {
				break
			}
			p.Fields[string(key)] = val.Interface()
		}
		ts, err := dec.Time(lineprotocol.Second, time.Time{})
		require.NoError(t, err)
		p.Time = ts.Unix()
		points = append(points, p)
	}
	return points
}

func TestClient_WriteFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"partial write: field type conflict"}`))
	}))
	defer server.Close()

	c, err := New(Config{URL: server.URL}, nil)
	require.NoError(t, err)

	err = c.WritePoints(context.Background(), lineproto.Batch{
		Database: "cwp",
		Points: []lineproto.Point{{
			Measurement: "summary",
			Fields:      map[string]interface{}{"soc": 0.5},
			Time:        900,
		}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "field type conflict")
}

func TestClient_Ping(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/base/ping", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	c, err := New(Config{URL: server.URL + "/base/"}, nil)
	require.NoError(t, err)
	require.NoError(t, c.Ping(context.Background()))
}
