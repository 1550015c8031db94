// Package storage persists lists, their schemas, their row data, and their
// import run history in PostgreSQL. All list state lives behind a single
// Store aggregate; a refresh replaces a list's dataset in one transaction.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/lib/pq"

	"github.com/Maneox/List-IQ/internal/domain"
)

// ErrNotFound is returned when no list matches the given id or token.
var ErrNotFound = errors.New("list not found")

// Store is the PostgreSQL-backed aggregate for all list state.
type Store struct{ db *sql.DB }

// NewStore creates a Store on the given database handle.
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

// EnsureSchema creates the tables on first boot. Idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS lists (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			update_type TEXT NOT NULL DEFAULT 'manual',
			update_schedule TEXT NOT NULL DEFAULT '',
			update_config JSONB NOT NULL DEFAULT '{}',
			data_source_format TEXT NOT NULL DEFAULT '',
			max_results INTEGER NOT NULL DEFAULT 0,
			last_update TIMESTAMPTZ,
			filter_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			filter_rules JSONB NOT NULL DEFAULT '[]',
			ip_restriction_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			allowed_ips JSONB NOT NULL DEFAULT '[]',
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			is_published BOOLEAN NOT NULL DEFAULT FALSE,
			json_config_status TEXT NOT NULL DEFAULT 'not_configured',
			json_data_path TEXT NOT NULL DEFAULT '',
			json_pagination_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			json_next_page_path TEXT NOT NULL DEFAULT '',
			json_max_pages INTEGER NOT NULL DEFAULT 0,
			json_selected_columns JSONB NOT NULL DEFAULT '[]',
			public_csv_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			public_json_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			public_txt_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			public_txt_column TEXT NOT NULL DEFAULT '',
			public_csv_include_headers BOOLEAN NOT NULL DEFAULT TRUE,
			public_txt_include_headers BOOLEAN NOT NULL DEFAULT FALSE,
			public_access_token TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_lists_token ON lists(public_access_token) WHERE public_access_token <> ''`,
		`CREATE TABLE IF NOT EXISTS list_columns (
			id BIGSERIAL PRIMARY KEY,
			list_id BIGINT NOT NULL REFERENCES lists(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			position INTEGER NOT NULL,
			column_type TEXT NOT NULL DEFAULT 'text',
			UNIQUE (list_id, name),
			UNIQUE (list_id, position)
		)`,
		`CREATE TABLE IF NOT EXISTS list_data (
			list_id BIGINT NOT NULL REFERENCES lists(id) ON DELETE CASCADE,
			row_id INTEGER NOT NULL,
			column_position INTEGER NOT NULL,
			value TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (list_id, row_id, column_position)
		)`,
		`CREATE TABLE IF NOT EXISTS import_runs (
			id BIGSERIAL PRIMARY KEY,
			list_id BIGINT NOT NULL REFERENCES lists(id) ON DELETE CASCADE,
			status TEXT NOT NULL,
			row_count INTEGER NOT NULL DEFAULT 0,
			error_kind TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_import_runs_list ON import_runs(list_id, started_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

const listColumnsSQL = `id, name, description, update_type, update_schedule, update_config,
	data_source_format, max_results, last_update,
	filter_enabled, filter_rules, ip_restriction_enabled, allowed_ips,
	is_active, is_published,
	json_config_status, json_data_path, json_pagination_enabled,
	json_next_page_path, json_max_pages, json_selected_columns,
	public_csv_enabled, public_json_enabled, public_txt_enabled,
	public_txt_column, public_csv_include_headers, public_txt_include_headers,
	public_access_token`

func scanList(row interface{ Scan(...any) error }) (*domain.List, error) {
	l := &domain.List{}
	var configBlob, rulesBlob, ipsBlob, selectedBlob []byte
	var lastUpdate sql.NullTime
	err := row.Scan(
		&l.ID, &l.Name, &l.Description, &l.UpdateType, &l.UpdateSchedule, &configBlob,
		&l.DataSourceFormat, &l.MaxResults, &lastUpdate,
		&l.FilterEnabled, &rulesBlob, &l.IPRestrictionEnabled, &ipsBlob,
		&l.IsActive, &l.IsPublished,
		&l.JSONConfigStatus, &l.JSONDataPath, &l.JSONPaginationEnabled,
		&l.JSONNextPagePath, &l.JSONMaxPages, &selectedBlob,
		&l.PublicCSVEnabled, &l.PublicJSONEnabled, &l.PublicTXTEnabled,
		&l.PublicTXTColumn, &l.PublicCSVIncludeHeaders, &l.PublicTXTIncludeHeaders,
		&l.PublicAccessToken,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan list: %w", err)
	}
	if lastUpdate.Valid {
		t := lastUpdate.Time
		l.LastUpdate = &t
	}
	// Invalid stored configs surface at import time, not at read time;
	// ParseUpdateConfig still returns usable defaults on error.
	cfg, _ := domain.ParseUpdateConfig(configBlob)
	l.UpdateConfig = cfg
	if len(rulesBlob) > 0 {
		json.Unmarshal(rulesBlob, &l.FilterRules)
	}
	if len(ipsBlob) > 0 {
		json.Unmarshal(ipsBlob, &l.AllowedIPs)
	}
	if len(selectedBlob) > 0 {
		json.Unmarshal(selectedBlob, &l.JSONSelectedColumns)
	}
	return l, nil
}

// GetList loads a list and its column schema by id.
func (s *Store) GetList(ctx context.Context, id int64) (*domain.List, error) {
	l, err := scanList(s.db.QueryRowContext(ctx,
		`SELECT `+listColumnsSQL+` FROM lists WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	if l.Columns, err = s.loadColumns(ctx, id); err != nil {
		return nil, err
	}
	return l, nil
}

// GetListByToken loads a list by its public access token. An empty token
// never matches.
func (s *Store) GetListByToken(ctx context.Context, token string) (*domain.List, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	l, err := scanList(s.db.QueryRowContext(ctx,
		`SELECT `+listColumnsSQL+` FROM lists WHERE public_access_token = $1`, token))
	if err != nil {
		return nil, err
	}
	if l.Columns, err = s.loadColumns(ctx, l.ID); err != nil {
		return nil, err
	}
	return l, nil
}

// ListLists returns all lists ordered by id, without column schemas.
func (s *Store) ListLists(ctx context.Context) ([]domain.List, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+listColumnsSQL+` FROM lists ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list lists: %w", err)
	}
	defer rows.Close()

	var out []domain.List
	for rows.Next() {
		l, err := scanList(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

// CreateList inserts a new list and its declared columns. The generated id
// is written back into l.
func (s *Store) CreateList(ctx context.Context, l *domain.List) error {
	configBlob, rulesBlob, ipsBlob, selectedBlob, err := marshalListBlobs(l)
	if err != nil {
		return err
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO lists (name, description, update_type, update_schedule, update_config,
			data_source_format, max_results,
			filter_enabled, filter_rules, ip_restriction_enabled, allowed_ips,
			is_active, is_published,
			json_config_status, json_data_path, json_pagination_enabled,
			json_next_page_path, json_max_pages, json_selected_columns,
			public_csv_enabled, public_json_enabled, public_txt_enabled,
			public_txt_column, public_csv_include_headers, public_txt_include_headers,
			public_access_token)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)
		RETURNING id`,
		l.Name, l.Description, l.UpdateType, l.UpdateSchedule, configBlob,
		l.DataSourceFormat, l.MaxResults,
		l.FilterEnabled, rulesBlob, l.IPRestrictionEnabled, ipsBlob,
		l.IsActive, l.IsPublished,
		l.JSONConfigStatus, l.JSONDataPath, l.JSONPaginationEnabled,
		l.JSONNextPagePath, l.JSONMaxPages, selectedBlob,
		l.PublicCSVEnabled, l.PublicJSONEnabled, l.PublicTXTEnabled,
		l.PublicTXTColumn, l.PublicCSVIncludeHeaders, l.PublicTXTIncludeHeaders,
		l.PublicAccessToken,
	).Scan(&l.ID)
	if err != nil {
		return fmt.Errorf("create list: %w", err)
	}
	for _, col := range l.Columns {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO list_columns (list_id, name, position, column_type) VALUES ($1,$2,$3,$4)`,
			l.ID, col.Name, col.Position, col.Type); err != nil {
			return fmt.Errorf("create column %q: %w", col.Name, err)
		}
	}
	return nil
}

// UpdateList persists a list's settings. Columns and data are not touched;
// use ReplaceData for those.
func (s *Store) UpdateList(ctx context.Context, l *domain.List) error {
	configBlob, rulesBlob, ipsBlob, selectedBlob, err := marshalListBlobs(l)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE lists SET name=$2, description=$3, update_type=$4, update_schedule=$5,
			update_config=$6, data_source_format=$7, max_results=$8,
			filter_enabled=$9, filter_rules=$10, ip_restriction_enabled=$11, allowed_ips=$12,
			is_active=$13, is_published=$14,
			json_config_status=$15, json_data_path=$16, json_pagination_enabled=$17,
			json_next_page_path=$18, json_max_pages=$19, json_selected_columns=$20,
			public_csv_enabled=$21, public_json_enabled=$22, public_txt_enabled=$23,
			public_txt_column=$24, public_csv_include_headers=$25, public_txt_include_headers=$26,
			public_access_token=$27, updated_at=NOW()
		WHERE id=$1`,
		l.ID, l.Name, l.Description, l.UpdateType, l.UpdateSchedule,
		configBlob, l.DataSourceFormat, l.MaxResults,
		l.FilterEnabled, rulesBlob, l.IPRestrictionEnabled, ipsBlob,
		l.IsActive, l.IsPublished,
		l.JSONConfigStatus, l.JSONDataPath, l.JSONPaginationEnabled,
		l.JSONNextPagePath, l.JSONMaxPages, selectedBlob,
		l.PublicCSVEnabled, l.PublicJSONEnabled, l.PublicTXTEnabled,
		l.PublicTXTColumn, l.PublicCSVIncludeHeaders, l.PublicTXTIncludeHeaders,
		l.PublicAccessToken,
	)
	if err != nil {
		return fmt.Errorf("update list: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteList removes a list; columns, data, and run history cascade.
func (s *Store) DeleteList(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM lists WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete list: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetToken stores a fresh public access token for a list.
func (s *Store) SetToken(ctx context.Context, id int64, token string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE lists SET public_access_token = $2, updated_at = NOW() WHERE id = $1`, id, token)
	if err != nil {
		return fmt.Errorf("set token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) loadColumns(ctx context.Context, listID int64) ([]domain.Column, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, position, column_type FROM list_columns WHERE list_id = $1 ORDER BY position`,
		listID)
	if err != nil {
		return nil, fmt.Errorf("load columns: %w", err)
	}
	defer rows.Close()

	var cols []domain.Column
	for rows.Next() {
		var c domain.Column
		if err := rows.Scan(&c.Name, &c.Position, &c.Type); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

// ReplaceData atomically swaps a list's schema and dataset: the column set
// becomes exactly cols (positions renumbered 0..n-1), all previous cells are
// deleted, the new rows are bulk-loaded via COPY, and last_update is set.
// Readers never observe a partially refreshed list.
func (s *Store) ReplaceData(ctx context.Context, listID int64, cols []domain.Column, rows []domain.Row) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM list_data WHERE list_id = $1`, listID); err != nil {
		return fmt.Errorf("clear data: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM list_columns WHERE list_id = $1`, listID); err != nil {
		return fmt.Errorf("clear columns: %w", err)
	}

	sort.SliceStable(cols, func(i, j int) bool { return cols[i].Position < cols[j].Position })
	byName := make(map[string]int, len(cols))
	for i := range cols {
		cols[i].Position = i
		byName[cols[i].Name] = i
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO list_columns (list_id, name, position, column_type) VALUES ($1,$2,$3,$4)`,
			listID, cols[i].Name, cols[i].Position, cols[i].Type); err != nil {
			return fmt.Errorf("insert column %q: %w", cols[i].Name, err)
		}
	}

	if len(rows) > 0 {
		if err := copyRows(ctx, tx, listID, byName, rows); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE lists SET last_update = NOW(), updated_at = NOW() WHERE id = $1`, listID); err != nil {
		return fmt.Errorf("stamp last_update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace: %w", err)
	}
	return nil
}

// copyRows bulk-loads cells with the COPY protocol, falling back to
// multi-row INSERTs when the driver does not support COPY (e.g. sqlmock).
func copyRows(ctx context.Context, tx *sql.Tx, listID int64, byName map[string]int, rows []domain.Row) error {
	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("list_data", "list_id", "row_id", "column_position", "value"))
	if err != nil {
		return insertRowsFallback(ctx, tx, listID, byName, rows)
	}
	for _, row := range rows {
		for name, value := range row.Cells {
			pos, ok := byName[name]
			if !ok {
				continue
			}
			if _, err := stmt.ExecContext(ctx, listID, row.ID, pos, value); err != nil {
				stmt.Close()
				return fmt.Errorf("copy row %d: %w", row.ID, err)
			}
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return fmt.Errorf("flush copy: %w", err)
	}
	return stmt.Close()
}

func insertRowsFallback(ctx context.Context, tx *sql.Tx, listID int64, byName map[string]int, rows []domain.Row) error {
	for _, row := range rows {
		for name, value := range row.Cells {
			pos, ok := byName[name]
			if !ok {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO list_data (list_id, row_id, column_position, value) VALUES ($1,$2,$3,$4)`,
				listID, row.ID, pos, value); err != nil {
				return fmt.Errorf("insert row %d: %w", row.ID, err)
			}
		}
	}
	return nil
}

// ReadRows returns a list's rows ordered by row id, with cells keyed by
// column name. Filter rules are applied here so every reader (artifacts,
// API, exports) sees the same filtered view.
func (s *Store) ReadRows(ctx context.Context, l *domain.List) ([]domain.Row, error) {
	posToName := make(map[int]string, len(l.Columns))
	for _, c := range l.Columns {
		posToName[c.Position] = c.Name
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT row_id, column_position, value FROM list_data WHERE list_id = $1 ORDER BY row_id, column_position`,
		l.ID)
	if err != nil {
		return nil, fmt.Errorf("read rows: %w", err)
	}
	defer rows.Close()

	var out []domain.Row
	var cur *domain.Row
	for rows.Next() {
		var rowID, pos int
		var value string
		if err := rows.Scan(&rowID, &pos, &value); err != nil {
			return nil, fmt.Errorf("scan cell: %w", err)
		}
		if cur == nil || cur.ID != rowID {
			out = append(out, domain.Row{ID: rowID, Cells: make(map[string]string, len(l.Columns))})
			cur = &out[len(out)-1]
		}
		if name, ok := posToName[pos]; ok {
			cur.Cells[name] = value
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if l.FilterEnabled && len(l.FilterRules) > 0 {
		filtered := out[:0]
		for _, r := range out {
			if l.MatchesFilter(r) {
				filtered = append(filtered, r)
			}
		}
		out = filtered
	}
	return out, nil
}

// UpdateRow overwrites the given cells of one row. Values must already be
// validated against the column types. Returns ErrNotFound when the row does
// not exist.
func (s *Store) UpdateRow(ctx context.Context, l *domain.List, rowID int, cells map[string]string) error {
	byName := make(map[string]int, len(l.Columns))
	for _, c := range l.Columns {
		byName[c.Name] = c.Position
	}

	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM list_data WHERE list_id = $1 AND row_id = $2)`,
		l.ID, rowID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check row: %w", err)
	}
	if !exists {
		return ErrNotFound
	}

	for name, value := range cells {
		pos, ok := byName[name]
		if !ok {
			return &domain.ValidationError{Column: name, Value: value, Type: domain.TypeText}
		}
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO list_data (list_id, row_id, column_position, value)
			VALUES ($1,$2,$3,$4)
			ON CONFLICT (list_id, row_id, column_position) DO UPDATE SET value = EXCLUDED.value`,
			l.ID, rowID, pos, value); err != nil {
			return fmt.Errorf("update cell %q: %w", name, err)
		}
	}
	return nil
}

// RecordRun appends one import attempt to a list's run history.
func (s *Store) RecordRun(ctx context.Context, listID int64, res domain.ImportResult) error {
	msg := res.Message
	if res.Status == domain.ImportSkipped {
		msg = res.SkipReason
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO import_runs (list_id, status, row_count, error_kind, message, started_at, finished_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		listID, res.Status, res.Rows, res.Kind, msg, res.StartedAt, res.FinishedAt)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

// ListRuns returns the most recent import attempts for a list, newest first.
func (s *Store) ListRuns(ctx context.Context, listID int64, limit int) ([]domain.ImportResult, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, row_count, error_kind, message, started_at, finished_at
		FROM import_runs WHERE list_id = $1 ORDER BY started_at DESC LIMIT $2`,
		listID, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []domain.ImportResult
	for rows.Next() {
		var r domain.ImportResult
		if err := rows.Scan(&r.Status, &r.Rows, &r.Kind, &r.Message, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if r.Status == domain.ImportSkipped {
			r.SkipReason = r.Message
			r.Message = ""
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func marshalListBlobs(l *domain.List) (config, rules, ips, selected []byte, err error) {
	if config, err = json.Marshal(l.UpdateConfig); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal update_config: %w", err)
	}
	if l.FilterRules == nil {
		rules = []byte("[]")
	} else if rules, err = json.Marshal(l.FilterRules); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal filter_rules: %w", err)
	}
	if l.AllowedIPs == nil {
		ips = []byte("[]")
	} else if ips, err = json.Marshal(l.AllowedIPs); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal allowed_ips: %w", err)
	}
	if l.JSONSelectedColumns == nil {
		selected = []byte("[]")
	} else if selected, err = json.Marshal(l.JSONSelectedColumns); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal json_selected_columns: %w", err)
	}
	return config, rules, ips, selected, nil
}
