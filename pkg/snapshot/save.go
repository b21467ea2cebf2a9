package snapshot

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/nicktill/telemigrate/pkg/frame"
	"github.com/nicktill/telemigrate/pkg/scope"
)

// SaveResult contains stats about a save
type SaveResult struct {
	Rows    int       `json:"rows"`
	Columns int       `json:"columns"`
	SavedAt time.Time `json:"saved_at"`
}

// Save writes f as a snapshot covering w. Missing cells are written as null.
func Save(wr io.Writer, f *frame.Frame, w scope.Window) (*SaveResult, error) {
	file := File{
		Metadata: &Metadata{
			Site:     w.Site,
			Start:    w.Start,
			End:      w.End,
			SavedAt:  time.Now().UTC(),
			Version:  FormatVersion,
			RowCount: f.Len(),
		},
		Columns: append([]string{TimeColumn}, f.Columns()...),
		Rows:    make([][]interface{}, f.Len()),
	}

	for i := 0; i < f.Len(); i++ {
		row := f.Row(i)
		values := make([]interface{}, 0, len(row.Values)+1)
		values = append(values, row.Time)
		for _, v := range row.Values {
			if v.IsMissing() {
				values = append(values, nil)
				continue
			}
			values = append(values, v.Interface())
		}
		file.Rows[i] = values
	}

	enc := json.NewEncoder(wr)
	enc.SetIndent("", "  ")
	if err := enc.Encode(file); err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}

	return &SaveResult{
		Rows:    f.Len(),
		Columns: len(file.Columns),
		SavedAt: file.Metadata.SavedAt,
	}, nil
}

// SaveFile writes the snapshot atomically by renaming a temp file into place
func SaveFile(path string, f *frame.Frame, w scope.Window) (*SaveResult, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".snapshot-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())

	res, err := Save(tmp, f, w)
	if err != nil {
		tmp.Close()
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("failed to close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return nil, fmt.Errorf("failed to move snapshot into place: %w", err)
	}
	return res, nil
}
