// Package domain holds the core entities of the list-ingestion engine:
// lists, columns, rows, update configurations, and import results.
package domain

import (
	"strings"
	"time"
)

// UpdateType selects how a list is refreshed.
type UpdateType string

const (
	UpdateManual    UpdateType = "manual"
	UpdateAutomatic UpdateType = "automatic"
)

// DataFormat is the declared payload format of a list's source.
type DataFormat string

const (
	FormatCSV  DataFormat = "csv"
	FormatJSON DataFormat = "json"
)

// ColumnType is the declared type of a list column. Values are stored as
// text; the type drives coercion at import and validation on row edits.
type ColumnType string

const (
	TypeText    ColumnType = "text"
	TypeNumber  ColumnType = "number"
	TypeDate    ColumnType = "date"
	TypeIP      ColumnType = "ip"
	TypeBoolean ColumnType = "boolean"
)

// JSONConfigStatus tracks whether a JSON source has been through column
// selection yet.
type JSONConfigStatus string

const (
	JSONNotConfigured JSONConfigStatus = "not_configured"
	JSONConfigured    JSONConfigStatus = "configured"
	JSONInProgress    JSONConfigStatus = "in_progress"
)

// Column is an ordered, typed attribute of a list. Positions within a list
// are a contiguous permutation starting at 0.
type Column struct {
	Name     string     `json:"name"`
	Position int        `json:"position"`
	Type     ColumnType `json:"type"`
}

// SelectedColumn is one entry of a JSON source's column selection.
type SelectedColumn struct {
	Name string     `json:"name"`
	Type ColumnType `json:"type"`
}

// Row is one materialized row of a list. RowID numbers rows within the
// current dataset only; identities do not survive a refresh.
type Row struct {
	ID    int               `json:"id"`
	Cells map[string]string `json:"cells"`
}

// List is a named, schema'd tabular dataset periodically refreshed from an
// external source.
type List struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`

	UpdateType     UpdateType   `json:"update_type"`
	UpdateSchedule string       `json:"update_schedule,omitempty"`
	UpdateConfig   UpdateConfig `json:"update_config"`

	DataSourceFormat DataFormat `json:"data_source_format"`
	MaxResults       int        `json:"max_results"`
	LastUpdate       *time.Time `json:"last_update,omitempty"`

	FilterEnabled bool     `json:"filter_enabled"`
	FilterRules   []string `json:"filter_rules,omitempty"`

	IPRestrictionEnabled bool     `json:"ip_restriction_enabled"`
	AllowedIPs           []string `json:"allowed_ips,omitempty"`

	IsActive    bool `json:"is_active"`
	IsPublished bool `json:"is_published"`

	JSONConfigStatus      JSONConfigStatus `json:"json_config_status"`
	JSONDataPath          string           `json:"json_data_path,omitempty"`
	JSONPaginationEnabled bool             `json:"json_pagination_enabled"`
	JSONNextPagePath      string           `json:"json_next_page_path,omitempty"`
	JSONMaxPages          int              `json:"json_max_pages"`
	JSONSelectedColumns   []SelectedColumn `json:"json_selected_columns,omitempty"`

	PublicCSVEnabled        bool   `json:"public_csv_enabled"`
	PublicJSONEnabled       bool   `json:"public_json_enabled"`
	PublicTXTEnabled        bool   `json:"public_txt_enabled"`
	PublicTXTColumn         string `json:"public_txt_column,omitempty"`
	PublicCSVIncludeHeaders bool   `json:"public_csv_include_headers"`
	PublicTXTIncludeHeaders bool   `json:"public_txt_include_headers"`
	PublicAccessToken       string `json:"-"`

	Columns []Column `json:"columns,omitempty"`
}

// AnyPublicEnabled reports whether at least one public artifact format is on.
// The access token must be present exactly when this is true.
func (l *List) AnyPublicEnabled() bool {
	return l.PublicCSVEnabled || l.PublicJSONEnabled || l.PublicTXTEnabled
}

// ColumnByName returns the column with the given name, or nil.
func (l *List) ColumnByName(name string) *Column {
	for i := range l.Columns {
		if l.Columns[i].Name == name {
			return &l.Columns[i]
		}
	}
	return nil
}

// HasBusinessColumn reports whether the list declares a column with the
// given name. Public JSON keeps a column literally named "id" only when it
// is a business column.
func (l *List) HasBusinessColumn(name string) bool {
	return l.ColumnByName(name) != nil
}

// MatchesFilter implements the row filter: a row is kept iff any non-id cell
// contains any rule, case-insensitively. An empty rule set keeps everything.
func (l *List) MatchesFilter(row Row) bool {
	if !l.FilterEnabled || len(l.FilterRules) == 0 {
		return true
	}
	for _, value := range row.Cells {
		lower := strings.ToLower(value)
		for _, rule := range l.FilterRules {
			if rule == "" {
				continue
			}
			if strings.Contains(lower, strings.ToLower(rule)) {
				return true
			}
		}
	}
	return false
}
