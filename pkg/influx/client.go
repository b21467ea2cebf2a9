package influx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/telemigrate/pkg/lineproto"
)

// Config holds store connection settings
type Config struct {
	URL      string
	Username string
	Password string

	// QueryTimeout bounds each query, WriteTimeout bounds each write request
	QueryTimeout time.Duration
	WriteTimeout time.Duration
}

// Client talks to the time-series store over HTTP. Timestamps are
// always exchanged at second precision.
type Client struct {
	baseURL      *url.URL
	username     string
	password     string
	queryTimeout time.Duration
	writeTimeout time.Duration
	client       *http.Client
	logger       *zap.Logger
}

// New creates a store client
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("influx: url is required")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("influx: invalid url %q: %w", cfg.URL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("influx: unsupported scheme %q", u.Scheme)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 300 * time.Second
	}

	return &Client{
		baseURL:      u,
		username:     cfg.Username,
		password:     cfg.Password,
		queryTimeout: cfg.QueryTimeout,
		writeTimeout: cfg.WriteTimeout,
		client:       &http.Client{},
		logger:       logger,
	}, nil
}

// Query runs one or more statements against a database
func (c *Client) Query(ctx context.Context, database, q string) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	params := url.Values{}
	params.Set("q", q)
	params.Set("epoch", "s")
	if database != "" {
		params.Set("db", database)
	}

	c.logger.Debug("query", zap.String("db", database), zap.String("q", q))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/query"),
		strings.NewReader(params.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send query: %w", err)
	}
	defer resp.Body.Close()

	var out Response
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("query failed with status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to decode query response: %w", err)
	}
	if err := out.Error(); err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("query failed with status %d", resp.StatusCode)
	}

	return &out, nil
}

// Select runs an aggregated select and returns the raw response
func (c *Client) Select(ctx context.Context, q SelectQuery) (*Response, error) {
	return c.Query(ctx, q.From.Database, q.String())
}

// SelectInto runs a SELECT ... INTO statement and returns how many points
// the store reports as written
func (c *Client) SelectInto(ctx context.Context, q SelectQuery) (int64, error) {
	if q.Into == nil {
		return 0, fmt.Errorf("influx: select into requires a destination")
	}

	resp, err := c.Query(ctx, q.From.Database, q.String())
	if err != nil {
		return 0, err
	}
	return writtenCount(resp)
}

// CreateDatabase creates a database if it does not exist
func (c *Client) CreateDatabase(ctx context.Context, name string) error {
	_, err := c.Query(ctx, "", "CREATE DATABASE "+quote(name))
	return err
}

// WritePoints sends a batch in a single write request
func (c *Client) WritePoints(ctx context.Context, batch lineproto.Batch) error {
	if len(batch.Points) == 0 {
		return nil
	}

	var body bytes.Buffer
	if err := lineproto.Encode(&body, batch.Points); err != nil {
		return fmt.Errorf("failed to encode points: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()

	params := url.Values{}
	params.Set("db", batch.Database)
	params.Set("precision", "s")
	if batch.RetentionPolicy != "" {
		params.Set("rp", batch.RetentionPolicy)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/write")+"?"+params.Encode(), &body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send write: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("write failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	c.logger.Debug("write",
		zap.String("db", batch.Database),
		zap.Int("points", len(batch.Points)))
	return nil
}

// Ping checks that the store is reachable
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/ping"), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to ping store: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ping failed with status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) endpoint(path string) string {
	u := *c.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	return u.String()
}

func (c *Client) authorize(req *http.Request) {
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
}

// writtenCount extracts the "written" column of a SELECT INTO result.
// A result with no series means nothing matched.
func writtenCount(resp *Response) (int64, error) {
	if len(resp.Results) == 0 || len(resp.Results[0].Series) == 0 {
		return 0, nil
	}
	s := resp.Results[0].Series[0]

	col := -1
	for i, name := range s.Columns {
		if name == "written" {
			col = i
			break
		}
	}
	if col < 0 || len(s.Values) == 0 || len(s.Values[0]) <= col {
		return 0, fmt.Errorf("influx: select into response has no written count")
	}

	switch v := s.Values[0][col].(type) {
	case json.Number:
		return v.Int64()
	case float64:
		return int64(v), nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	default:
		return 0, fmt.Errorf("influx: unexpected written count type %T", v)
	}
}

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `\"`) + `"`
}
