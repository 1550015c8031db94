package importer

import (
	"fmt"

	"github.com/Maneox/List-IQ/internal/domain"
)

// Reconcile merges decoded records with a list's declared schema and
// produces the final column set and rows for the atomic replace.
//
// For JSON sources with a column selection, only selected columns survive;
// payload columns outside the selection are dropped with a warning. Without
// a selection, existing columns keep their declared types and new columns
// are created when the config allows: CSV columns default to text unless
// csv_config.column_types declares otherwise, JSON columns get a
// value-inferred type. Declared columns missing from the payload are
// dropped only on the CSV path, and only when RemoveUnusedColumns is set.
//
// Row ids are synthesized 1..N over the kept records; identities never
// survive a refresh. Cell values are coerced to their column's type.
func Reconcile(l *domain.List, cfg domain.UpdateConfig, records []Record) ([]domain.Column, []domain.Row, []string) {
	var warnings []string

	var cols []domain.Column
	byName := map[string]int{}
	addCol := func(name string, typ domain.ColumnType) {
		if _, ok := byName[name]; ok {
			return
		}
		byName[name] = len(cols)
		cols = append(cols, domain.Column{Name: name, Position: len(cols), Type: typ})
	}

	selected := map[string]domain.ColumnType{}
	useSelection := len(l.JSONSelectedColumns) > 0
	if useSelection {
		for _, sc := range l.JSONSelectedColumns {
			selected[sc.Name] = sc.Type
			addCol(sc.Name, sc.Type)
		}
	} else {
		// Existing schema seeds the column set; drops happen below.
		for _, c := range l.Columns {
			addCol(c.Name, c.Type)
		}
	}

	seenInPayload := map[string]bool{}
	droppedNames := map[string]bool{}
	for _, rec := range records {
		for _, name := range rec.Columns {
			seenInPayload[name] = true
			if _, known := byName[name]; known {
				continue
			}
			if useSelection {
				if !droppedNames[name] {
					droppedNames[name] = true
					warnings = append(warnings, fmt.Sprintf("column %q not in selection, dropped", name))
				}
				continue
			}
			if !cfg.AutoCreateColumns {
				if !droppedNames[name] {
					droppedNames[name] = true
					warnings = append(warnings, fmt.Sprintf("column %q not declared and auto-create is off, dropped", name))
				}
				continue
			}
			typ := domain.TypeText
			if hint, ok := rec.Types[name]; ok {
				typ = hint
			} else if cfg.Format == domain.FormatJSON {
				typ = domain.InferColumnType(rec.Values[name])
			}
			addCol(name, typ)
		}
	}

	// Drop declared columns absent from this payload. CSV only; a JSON
	// payload that omits a column must not destroy it.
	if !useSelection && len(records) > 0 && cfg.Format == domain.FormatCSV && cfg.CSV.RemoveUnusedColumns {
		kept := cols[:0]
		for _, c := range cols {
			if seenInPayload[c.Name] {
				kept = append(kept, c)
			} else {
				warnings = append(warnings, fmt.Sprintf("column %q absent from source, removed", c.Name))
			}
		}
		cols = kept
		byName = map[string]int{}
		for i := range cols {
			cols[i].Position = i
			byName[cols[i].Name] = i
		}
	}

	typeOf := map[string]domain.ColumnType{}
	for _, c := range cols {
		typeOf[c.Name] = c.Type
	}

	rows := make([]domain.Row, 0, len(records))
	for _, rec := range records {
		cells := make(map[string]string, len(cols))
		empty := true
		for name, typ := range typeOf {
			raw, ok := rec.Values[name]
			if !ok {
				continue
			}
			v := domain.CoerceValue(raw, typ)
			cells[name] = v
			if v != "" {
				empty = false
			}
		}
		if empty {
			continue
		}
		rows = append(rows, domain.Row{ID: len(rows) + 1, Cells: cells})
	}

	return cols, rows, warnings
}
