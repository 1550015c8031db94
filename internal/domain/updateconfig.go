package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// SourceType selects which adapter fetches a list's payload.
type SourceType string

const (
	SourceURL     SourceType = "url"
	SourceCommand SourceType = "curl"
	SourceScript  SourceType = "script"
)

// Defaults applied when the stored configuration omits a field.
const (
	DefaultURLTimeoutSeconds     = 30
	DefaultCommandTimeoutSeconds = 60
	DefaultMinUpdateInterval     = 300
)

// CSVOptions holds the CSV dialect and projection settings of a source.
type CSVOptions struct {
	Separator           string             // single character; empty = sniff
	HasHeader           bool
	ColumnNames         []string           // used when HasHeader is false
	ColumnsToImport     []int              // zero-based indices; empty = all
	ColumnTypes         map[int]ColumnType // by header index
	RemoveUnusedColumns bool               // drop list columns absent from the header
}

// UpdateConfig is the validated, typed form of a list's update
// configuration. The stored representation is a loose JSON object (see
// ParseUpdateConfig); validation happens at load, never at use.
type UpdateConfig struct {
	Source SourceType

	// URL source
	URL     string
	Headers map[string]string

	// Command source
	Command string

	// Script source
	Script   string
	Language string

	Timeout           int        // seconds; 0 = adapter default
	Format            DataFormat // "" = detect from payload
	CSV               CSVOptions
	JSONDataPath      string
	MinUpdateInterval int
	AutoCreateColumns bool
}

// rawUpdateConfig mirrors the persisted JSON object, including every alias
// the original configuration dialect accepts.
type rawUpdateConfig struct {
	Source            string            `json:"source,omitempty"`
	APIType           string            `json:"api_type,omitempty"`
	URL               string            `json:"url,omitempty"`
	Headers           map[string]string `json:"headers,omitempty"`
	Timeout           int               `json:"timeout,omitempty"`
	CurlCommand       string            `json:"curl_command,omitempty"`
	Code              string            `json:"code,omitempty"`
	ScriptContent     string            `json:"script_content,omitempty"`
	Language          string            `json:"language,omitempty"`
	Format            string            `json:"format,omitempty"`
	IsJSON            *bool             `json:"is_json,omitempty"`
	CSVConfig         *rawCSVConfig     `json:"csv_config,omitempty"`
	JSONDataPath      string            `json:"json_data_path,omitempty"`
	MinUpdateInterval int               `json:"min_update_interval,omitempty"`
	AutoCreateColumns *bool             `json:"auto_create_columns,omitempty"`
}

type rawCSVConfig struct {
	Separator           string            `json:"separator,omitempty"`
	HasHeader           *bool             `json:"has_header,omitempty"`
	ColumnNames         []string          `json:"column_names,omitempty"`
	ColumnsToImport     []int             `json:"columns_to_import,omitempty"`
	ColumnTypes         map[string]string `json:"column_types,omitempty"`
	RemoveUnusedColumns *bool             `json:"remove_unused_columns,omitempty"`
}

// ParseUpdateConfig decodes and validates a stored update configuration.
// Aliases are normalized here: source=api with api_type=curl means the
// command adapter, api_type=script means the script adapter, and
// is_json=true is shorthand for format=json.
func ParseUpdateConfig(data []byte) (UpdateConfig, error) {
	cfg := UpdateConfig{AutoCreateColumns: true, MinUpdateInterval: DefaultMinUpdateInterval}
	cfg.CSV.HasHeader = true
	cfg.CSV.RemoveUnusedColumns = true

	if len(data) == 0 || string(data) == "null" {
		return cfg, nil
	}

	var raw rawUpdateConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return cfg, &ConfigError{Field: "update_config", Reason: err.Error()}
	}

	source := strings.ToLower(strings.TrimSpace(raw.Source))
	if source == "api" {
		switch strings.ToLower(raw.APIType) {
		case "curl":
			source = string(SourceCommand)
		case "script":
			source = string(SourceScript)
		default:
			return cfg, &ConfigError{Field: "api_type", Reason: fmt.Sprintf("unsupported api_type %q", raw.APIType)}
		}
	}

	switch SourceType(source) {
	case SourceURL:
		if strings.TrimSpace(raw.URL) == "" {
			return cfg, &ConfigError{Field: "url", Reason: "no URL configured for url source"}
		}
		cfg.Source = SourceURL
		cfg.URL = strings.TrimSpace(raw.URL)
		cfg.Headers = raw.Headers
	case SourceCommand:
		if strings.TrimSpace(raw.CurlCommand) == "" {
			return cfg, &ConfigError{Field: "curl_command", Reason: "no command configured for curl source"}
		}
		cfg.Source = SourceCommand
		cfg.Command = raw.CurlCommand
	case SourceScript:
		script := raw.Code
		if script == "" {
			script = raw.ScriptContent
		}
		if strings.TrimSpace(script) == "" {
			return cfg, &ConfigError{Field: "code", Reason: "no script configured for script source"}
		}
		cfg.Source = SourceScript
		cfg.Script = script
		cfg.Language = raw.Language
	case "":
		return cfg, &ConfigError{Field: "source", Reason: "no source configured"}
	default:
		return cfg, &ConfigError{Field: "source", Reason: fmt.Sprintf("unsupported source %q", raw.Source)}
	}

	cfg.Timeout = raw.Timeout

	switch strings.ToLower(raw.Format) {
	case "csv":
		cfg.Format = FormatCSV
	case "json":
		cfg.Format = FormatJSON
	case "":
		// is_json is the legacy alias for format=json
		if raw.IsJSON != nil && *raw.IsJSON {
			cfg.Format = FormatJSON
		}
	default:
		return cfg, &ConfigError{Field: "format", Reason: fmt.Sprintf("unsupported format %q", raw.Format)}
	}

	if raw.CSVConfig != nil {
		c := raw.CSVConfig
		if c.Separator != "" {
			if len([]rune(c.Separator)) != 1 {
				return cfg, &ConfigError{Field: "csv_config.separator", Reason: fmt.Sprintf("separator %q is not a single character", c.Separator)}
			}
			cfg.CSV.Separator = c.Separator
		}
		if c.HasHeader != nil {
			cfg.CSV.HasHeader = *c.HasHeader
		}
		cfg.CSV.ColumnNames = c.ColumnNames
		cfg.CSV.ColumnsToImport = c.ColumnsToImport
		if len(c.ColumnTypes) > 0 {
			cfg.CSV.ColumnTypes = make(map[int]ColumnType, len(c.ColumnTypes))
			for k, v := range c.ColumnTypes {
				idx, err := strconv.Atoi(k)
				if err != nil {
					return cfg, &ConfigError{Field: "csv_config.column_types", Reason: fmt.Sprintf("index %q is not a number", k)}
				}
				cfg.CSV.ColumnTypes[idx] = ColumnType(v)
			}
		}
		if c.RemoveUnusedColumns != nil {
			cfg.CSV.RemoveUnusedColumns = *c.RemoveUnusedColumns
		}
	}

	cfg.JSONDataPath = raw.JSONDataPath
	if raw.MinUpdateInterval > 0 {
		cfg.MinUpdateInterval = raw.MinUpdateInterval
	}
	if raw.AutoCreateColumns != nil {
		cfg.AutoCreateColumns = *raw.AutoCreateColumns
	}

	return cfg, nil
}

// MarshalJSON writes the canonical persisted form of the configuration.
// Aliases are not round-tripped; a re-saved configuration always uses the
// normalized keys.
func (c UpdateConfig) MarshalJSON() ([]byte, error) {
	raw := rawUpdateConfig{
		Source:            string(c.Source),
		Timeout:           c.Timeout,
		Format:            string(c.Format),
		JSONDataPath:      c.JSONDataPath,
		MinUpdateInterval: c.MinUpdateInterval,
	}
	switch c.Source {
	case SourceURL:
		raw.URL = c.URL
		raw.Headers = c.Headers
	case SourceCommand:
		raw.CurlCommand = c.Command
	case SourceScript:
		raw.Code = c.Script
		raw.Language = c.Language
	}
	if !c.AutoCreateColumns {
		f := false
		raw.AutoCreateColumns = &f
	}
	if c.hasCSVOptions() {
		hh := c.CSV.HasHeader
		ru := c.CSV.RemoveUnusedColumns
		rawCSV := &rawCSVConfig{
			Separator:       c.CSV.Separator,
			HasHeader:       &hh,
			ColumnNames:     c.CSV.ColumnNames,
			ColumnsToImport: c.CSV.ColumnsToImport,
			RemoveUnusedColumns: &ru,
		}
		if len(c.CSV.ColumnTypes) > 0 {
			rawCSV.ColumnTypes = make(map[string]string, len(c.CSV.ColumnTypes))
			keys := make([]int, 0, len(c.CSV.ColumnTypes))
			for k := range c.CSV.ColumnTypes {
				keys = append(keys, k)
			}
			sort.Ints(keys)
			for _, k := range keys {
				rawCSV.ColumnTypes[strconv.Itoa(k)] = string(c.CSV.ColumnTypes[k])
			}
		}
		raw.CSVConfig = rawCSV
	}
	return json.Marshal(raw)
}

// UnmarshalJSON delegates to ParseUpdateConfig so that every decode path
// applies the same normalization and validation.
func (c *UpdateConfig) UnmarshalJSON(data []byte) error {
	parsed, err := ParseUpdateConfig(data)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

func (c UpdateConfig) hasCSVOptions() bool {
	return c.CSV.Separator != "" || !c.CSV.HasHeader || len(c.CSV.ColumnNames) > 0 ||
		len(c.CSV.ColumnsToImport) > 0 || len(c.CSV.ColumnTypes) > 0 || !c.CSV.RemoveUnusedColumns
}

// URLTimeout returns the effective URL adapter timeout in seconds.
func (c UpdateConfig) URLTimeout() int {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultURLTimeoutSeconds
}

// CommandTimeout returns the effective shell adapter timeout in seconds.
func (c UpdateConfig) CommandTimeout() int {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultCommandTimeoutSeconds
}
