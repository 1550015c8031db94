// Package publisher materializes a list's public artifacts (CSV, JSON, TXT)
// as files on disk. Artifacts are regenerated after every successful import
// and on demand when a public endpoint finds one missing; writes go through
// a temp file and rename so readers never see a partial artifact.
package publisher

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Maneox/List-IQ/internal/domain"
	"github.com/Maneox/List-IQ/internal/pkg/logger"
)

// Publisher writes artifact files under a single root directory.
type Publisher struct {
	root string
}

// New creates a Publisher rooted at dir, creating it if needed.
func New(dir string) (*Publisher, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &Publisher{root: dir}, nil
}

// Path returns the artifact file path for a list and format.
func (p *Publisher) Path(listID int64, format string) string {
	return filepath.Join(p.root, fmt.Sprintf("list_%d.%s", listID, format))
}

// WriteArtifacts regenerates every enabled artifact for the list from the
// given rows. Disabled formats have their stale files removed.
func (p *Publisher) WriteArtifacts(ctx context.Context, l *domain.List, rows []domain.Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if l.PublicCSVEnabled {
		if err := p.writeCSV(l, rows); err != nil {
			return err
		}
	} else {
		p.remove(l.ID, "csv")
	}
	if l.PublicJSONEnabled {
		if err := p.writeJSON(l, rows); err != nil {
			return err
		}
	} else {
		p.remove(l.ID, "json")
	}
	if l.PublicTXTEnabled {
		if err := p.writeTXT(l, rows); err != nil {
			return err
		}
	} else {
		p.remove(l.ID, "txt")
	}
	return nil
}

// EnsureArtifact returns the artifact path for a format, regenerating the
// file from rows when it does not exist yet.
func (p *Publisher) EnsureArtifact(ctx context.Context, l *domain.List, format string, rows []domain.Row) (string, error) {
	path := p.Path(l.ID, format)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	var err error
	switch format {
	case "csv":
		err = p.writeCSV(l, rows)
	case "json":
		err = p.writeJSON(l, rows)
	case "txt":
		err = p.writeTXT(l, rows)
	default:
		return "", fmt.Errorf("unknown artifact format %q", format)
	}
	if err != nil {
		return "", err
	}
	return path, nil
}

// DeleteArtifacts removes every artifact file of a list. Called when the
// list is deleted or unpublished.
func (p *Publisher) DeleteArtifacts(listID int64) {
	for _, format := range []string{"csv", "json", "txt"} {
		p.remove(listID, format)
	}
}

func (p *Publisher) remove(listID int64, format string) {
	path := p.Path(listID, format)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Warn("artifact removal failed", "path", path, "error", err.Error())
	}
}

// writeCSV renders the rows as RFC 4180 CSV in column order, with an
// optional header row.
func (p *Publisher) writeCSV(l *domain.List, rows []domain.Row) error {
	return p.atomicWrite(l.ID, "csv", func(f *os.File) error {
		w := csv.NewWriter(f)
		names := columnNames(l)
		if l.PublicCSVIncludeHeaders && len(names) > 0 {
			if err := w.Write(names); err != nil {
				return err
			}
		}
		for _, row := range rows {
			record := make([]string, len(names))
			for i, name := range names {
				record[i] = row.Cells[name]
			}
			if err := w.Write(record); err != nil {
				return err
			}
		}
		w.Flush()
		return w.Error()
	})
}

// writeJSON renders the rows as an array of objects. The synthetic row id
// is excluded unless the list declares a business column named "id".
func (p *Publisher) writeJSON(l *domain.List, rows []domain.Row) error {
	return p.atomicWrite(l.ID, "json", func(f *os.File) error {
		includeID := l.HasBusinessColumn("id")
		out := make([]map[string]string, 0, len(rows))
		for _, row := range rows {
			obj := make(map[string]string, len(row.Cells))
			for name, value := range row.Cells {
				if name == "id" && !includeID {
					continue
				}
				obj[name] = value
			}
			out = append(out, obj)
		}
		enc := json.NewEncoder(f)
		return enc.Encode(out)
	})
}

// writeTXT renders one configured column as plain lines, one per row.
// Without a configured column the first column is used.
func (p *Publisher) writeTXT(l *domain.List, rows []domain.Row) error {
	return p.atomicWrite(l.ID, "txt", func(f *os.File) error {
		column := l.PublicTXTColumn
		if column == "" {
			names := columnNames(l)
			if len(names) == 0 {
				return nil
			}
			column = names[0]
		}
		var b strings.Builder
		if l.PublicTXTIncludeHeaders {
			b.WriteString(column)
			b.WriteByte('\n')
		}
		for _, row := range rows {
			b.WriteString(row.Cells[column])
			b.WriteByte('\n')
		}
		_, err := f.WriteString(b.String())
		return err
	})
}

// atomicWrite writes through a temp file in the same directory and renames
// it over the target.
func (p *Publisher) atomicWrite(listID int64, format string, write func(*os.File) error) error {
	target := p.Path(listID, format)
	tmp, err := os.CreateTemp(p.root, fmt.Sprintf(".list_%d_*.%s", listID, format))
	if err != nil {
		return fmt.Errorf("create temp artifact: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := write(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("write artifact %s: %w", target, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("publish artifact: %w", err)
	}
	return nil
}

func columnNames(l *domain.List) []string {
	names := make([]string, 0, len(l.Columns))
	for _, c := range l.Columns {
		names = append(names, c.Name)
	}
	return names
}
