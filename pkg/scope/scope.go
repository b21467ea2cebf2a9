// Package scope defines what a single migration run covers: one site over
// one half-open time window.
package scope

import (
	"errors"
	"fmt"
	"time"
)

// DefaultTagKey is the tag every written point carries to identify its site
const DefaultTagKey = "site_id"

// ErrInvalidWindow is returned for empty or inverted windows
var ErrInvalidWindow = errors.New("scope: invalid migration window")

// Window is the half-open interval [Start, End) for one site.
// Timestamps are seconds since epoch.
type Window struct {
	Start int64
	End   int64
	Site  string
}

// NewWindow builds a window from wall-clock times
func NewWindow(start, end time.Time, site string) (Window, error) {
	w := Window{Start: start.Unix(), End: end.Unix(), Site: site}
	return w, w.Validate()
}

// Validate checks that the window is non-empty and names a site
func (w Window) Validate() error {
	if w.Site == "" {
		return fmt.Errorf("%w: site is required", ErrInvalidWindow)
	}
	if w.End <= w.Start {
		return fmt.Errorf("%w: end %d is not after start %d", ErrInvalidWindow, w.End, w.Start)
	}
	return nil
}

// Duration returns the window length
func (w Window) Duration() time.Duration {
	return time.Duration(w.End-w.Start) * time.Second
}

// From returns a copy of the window starting at ts. The end is kept,
// so the result may be empty; callers check Validate.
func (w Window) From(ts int64) Window {
	w.Start = ts
	return w
}

// Next returns the window that continues a run whose last written row was
// at terminal. This is the chaining contract between consecutive runs.
func (w Window) Next(terminal, end int64) Window {
	return Window{Start: terminal, End: end, Site: w.Site}
}

// Tag returns the site tag for this window under key, DefaultTagKey when
// key is empty
func (w Window) Tag(key string) SiteTag {
	if key == "" {
		key = DefaultTagKey
	}
	return SiteTag{Key: key, Value: w.Site}
}

func (w Window) String() string {
	return fmt.Sprintf("%s [%s, %s)", w.Site,
		time.Unix(w.Start, 0).UTC().Format(time.RFC3339),
		time.Unix(w.End, 0).UTC().Format(time.RFC3339))
}

// SiteTag labels every written row with the deployment it belongs to
type SiteTag struct {
	Key   string
	Value string
}

// Map returns the tag as a tag set
func (t SiteTag) Map() map[string]string {
	return map[string]string{t.Key: t.Value}
}
