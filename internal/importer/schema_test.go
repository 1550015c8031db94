package importer

import (
	"testing"

	"github.com/Maneox/List-IQ/internal/domain"
)

func defaultCfg() domain.UpdateConfig {
	cfg := domain.UpdateConfig{AutoCreateColumns: true, Format: domain.FormatCSV}
	cfg.CSV.HasHeader = true
	cfg.CSV.RemoveUnusedColumns = true
	return cfg
}

func TestReconcileCSVCreatesTextColumns(t *testing.T) {
	l := &domain.List{}
	records := []Record{
		{Columns: []string{"ip", "name"}, Values: map[string]string{"ip": "10.0.0.1", "name": "alpha"}},
		{Columns: []string{"ip", "name"}, Values: map[string]string{"ip": "10.0.0.2", "name": "beta"}},
	}

	cols, rows, warnings := Reconcile(l, defaultCfg(), records)
	if len(warnings) != 0 {
		t.Errorf("warnings = %v", warnings)
	}
	if len(cols) != 2 {
		t.Fatalf("got %d columns", len(cols))
	}
	// CSV columns are text unless column_types declares otherwise, even for
	// IP-looking values.
	for _, c := range cols {
		if c.Type != domain.TypeText {
			t.Errorf("column %q type = %q, want text", c.Name, c.Type)
		}
	}
	if len(rows) != 2 || rows[0].ID != 1 || rows[1].ID != 2 {
		t.Errorf("row ids = %v", rows)
	}
}

func TestReconcileCSVHonorsDeclaredColumnTypes(t *testing.T) {
	l := &domain.List{}
	hints := map[string]domain.ColumnType{"score": domain.TypeNumber}
	records := []Record{
		{Columns: []string{"host", "score"}, Values: map[string]string{"host": "a.example", "score": "5"}, Types: hints},
	}

	cols, _, _ := Reconcile(l, defaultCfg(), records)
	byName := map[string]domain.Column{}
	for _, c := range cols {
		byName[c.Name] = c
	}
	if byName["score"].Type != domain.TypeNumber {
		t.Errorf("score type = %q, want number", byName["score"].Type)
	}
	if byName["host"].Type != domain.TypeText {
		t.Errorf("host type = %q, want text", byName["host"].Type)
	}
}

func TestReconcileJSONInfersTypes(t *testing.T) {
	l := &domain.List{}
	cfg := domain.UpdateConfig{AutoCreateColumns: true, Format: domain.FormatJSON}
	records := []Record{
		{Columns: []string{"host", "score"}, Values: map[string]string{"host": "a.example", "score": "5"}},
	}

	cols, _, _ := Reconcile(l, cfg, records)
	byName := map[string]domain.Column{}
	for _, c := range cols {
		byName[c.Name] = c
	}
	if byName["score"].Type != domain.TypeNumber {
		t.Errorf("score type = %q, want number", byName["score"].Type)
	}
}

func TestReconcileJSONKeepsColumnsAbsentFromPayload(t *testing.T) {
	l := &domain.List{Columns: []domain.Column{
		{Name: "a", Position: 0, Type: domain.TypeText},
		{Name: "b", Position: 1, Type: domain.TypeText},
	}}
	cfg := domain.UpdateConfig{AutoCreateColumns: true, Format: domain.FormatJSON}
	cfg.CSV.RemoveUnusedColumns = true // the default; must not apply to JSON
	records := []Record{
		{Columns: []string{"a"}, Values: map[string]string{"a": "x"}},
	}

	cols, _, warnings := Reconcile(l, cfg, records)
	if len(cols) != 2 {
		t.Fatalf("columns = %v, want a and b kept", cols)
	}
	if len(warnings) != 0 {
		t.Errorf("warnings = %v", warnings)
	}
}

func TestReconcileKeepsDeclaredTypes(t *testing.T) {
	l := &domain.List{Columns: []domain.Column{{Name: "score", Position: 0, Type: domain.TypeText}}}
	records := []Record{
		{Columns: []string{"score"}, Values: map[string]string{"score": "5"}},
	}
	cols, _, _ := Reconcile(l, defaultCfg(), records)
	if cols[0].Type != domain.TypeText {
		t.Errorf("declared type overridden: %q", cols[0].Type)
	}
}

func TestReconcileSelectionDropsUnselected(t *testing.T) {
	l := &domain.List{
		JSONSelectedColumns: []domain.SelectedColumn{{Name: "host", Type: domain.TypeText}},
	}
	records := []Record{
		{Columns: []string{"host", "internal"}, Values: map[string]string{"host": "a", "internal": "x"}},
	}
	cols, rows, warnings := Reconcile(l, defaultCfg(), records)
	if len(cols) != 1 || cols[0].Name != "host" {
		t.Fatalf("columns = %v", cols)
	}
	if len(warnings) != 1 {
		t.Errorf("expected a drop warning, got %v", warnings)
	}
	if _, ok := rows[0].Cells["internal"]; ok {
		t.Error("unselected cell kept")
	}
}

func TestReconcileRemovesUnusedColumns(t *testing.T) {
	l := &domain.List{Columns: []domain.Column{
		{Name: "host", Position: 0, Type: domain.TypeText},
		{Name: "stale", Position: 1, Type: domain.TypeText},
	}}
	records := []Record{
		{Columns: []string{"host"}, Values: map[string]string{"host": "a"}},
	}
	cols, _, warnings := Reconcile(l, defaultCfg(), records)
	if len(cols) != 1 || cols[0].Name != "host" || cols[0].Position != 0 {
		t.Fatalf("columns = %v", cols)
	}
	if len(warnings) != 1 {
		t.Errorf("expected a removal warning, got %v", warnings)
	}

	cfg := defaultCfg()
	cfg.CSV.RemoveUnusedColumns = false
	cols, _, _ = Reconcile(l, cfg, records)
	if len(cols) != 2 {
		t.Errorf("stale column should survive when removal is off: %v", cols)
	}
}

func TestReconcileEmptyPayloadKeepsColumns(t *testing.T) {
	l := &domain.List{Columns: []domain.Column{
		{Name: "host", Position: 0, Type: domain.TypeText},
	}}
	cols, rows, _ := Reconcile(l, defaultCfg(), nil)
	if len(cols) != 1 || cols[0].Name != "host" {
		t.Errorf("columns = %v, want declared schema kept", cols)
	}
	if len(rows) != 0 {
		t.Errorf("rows = %v", rows)
	}
}

func TestReconcileAutoCreateOff(t *testing.T) {
	l := &domain.List{Columns: []domain.Column{{Name: "host", Position: 0, Type: domain.TypeText}}}
	cfg := defaultCfg()
	cfg.AutoCreateColumns = false
	records := []Record{
		{Columns: []string{"host", "extra"}, Values: map[string]string{"host": "a", "extra": "x"}},
	}
	cols, rows, warnings := Reconcile(l, cfg, records)
	if len(cols) != 1 {
		t.Fatalf("columns = %v", cols)
	}
	if len(warnings) == 0 {
		t.Error("expected a drop warning")
	}
	if _, ok := rows[0].Cells["extra"]; ok {
		t.Error("undeclared cell kept")
	}
}

func TestReconcileSkipsEmptyRows(t *testing.T) {
	l := &domain.List{}
	records := []Record{
		{Columns: []string{"host"}, Values: map[string]string{"host": "a"}},
		{Columns: []string{"host"}, Values: map[string]string{"host": ""}},
		{Columns: []string{"host"}, Values: map[string]string{"host": "b"}},
	}
	_, rows, _ := Reconcile(l, defaultCfg(), records)
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want empty row dropped", len(rows))
	}
	if rows[1].ID != 2 {
		t.Errorf("row ids must stay contiguous, got %d", rows[1].ID)
	}
}

func TestReconcileCoercesValues(t *testing.T) {
	l := &domain.List{Columns: []domain.Column{
		{Name: "seen", Position: 0, Type: domain.TypeDate},
		{Name: "score", Position: 1, Type: domain.TypeNumber},
	}}
	records := []Record{
		{Columns: []string{"seen", "score"}, Values: map[string]string{"seen": "15/06/2024", "score": "oops"}},
	}
	_, rows, _ := Reconcile(l, defaultCfg(), records)
	if rows[0].Cells["seen"] != "2024-06-15" {
		t.Errorf("date = %q", rows[0].Cells["seen"])
	}
	if rows[0].Cells["score"] != "" {
		t.Errorf("bad number should coerce to empty, got %q", rows[0].Cells["score"])
	}
}
