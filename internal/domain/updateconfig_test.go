package domain

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseUpdateConfigURL(t *testing.T) {
	cfg, err := ParseUpdateConfig([]byte(`{
		"source": "url",
		"url": "https://feeds.example.com/blocklist.csv",
		"headers": {"Authorization": "Bearer abc"},
		"timeout": 45
	}`))
	if err != nil {
		t.Fatalf("ParseUpdateConfig: %v", err)
	}
	if cfg.Source != SourceURL {
		t.Errorf("source = %q, want url", cfg.Source)
	}
	if cfg.URL != "https://feeds.example.com/blocklist.csv" {
		t.Errorf("url = %q", cfg.URL)
	}
	if cfg.Headers["Authorization"] != "Bearer abc" {
		t.Errorf("headers = %v", cfg.Headers)
	}
	if cfg.URLTimeout() != 45 {
		t.Errorf("URLTimeout = %d, want 45", cfg.URLTimeout())
	}
	if cfg.MinUpdateInterval != DefaultMinUpdateInterval {
		t.Errorf("MinUpdateInterval = %d, want %d", cfg.MinUpdateInterval, DefaultMinUpdateInterval)
	}
	if !cfg.AutoCreateColumns {
		t.Error("AutoCreateColumns should default to true")
	}
}

func TestParseUpdateConfigAPIAliases(t *testing.T) {
	cfg, err := ParseUpdateConfig([]byte(`{
		"source": "api",
		"api_type": "curl",
		"curl_command": "curl -s https://example.com/data"
	}`))
	if err != nil {
		t.Fatalf("ParseUpdateConfig: %v", err)
	}
	if cfg.Source != SourceCommand {
		t.Errorf("source = %q, want curl", cfg.Source)
	}
	if cfg.Command == "" {
		t.Error("command should be set")
	}
	if cfg.CommandTimeout() != DefaultCommandTimeoutSeconds {
		t.Errorf("CommandTimeout = %d, want %d", cfg.CommandTimeout(), DefaultCommandTimeoutSeconds)
	}

	cfg, err = ParseUpdateConfig([]byte(`{
		"source": "api",
		"api_type": "script",
		"script_content": "print('hi')"
	}`))
	if err != nil {
		t.Fatalf("ParseUpdateConfig: %v", err)
	}
	if cfg.Source != SourceScript {
		t.Errorf("source = %q, want script", cfg.Source)
	}
	if cfg.Script != "print('hi')" {
		t.Errorf("script = %q", cfg.Script)
	}
}

func TestParseUpdateConfigIsJSONAlias(t *testing.T) {
	cfg, err := ParseUpdateConfig([]byte(`{
		"source": "url",
		"url": "https://example.com/items",
		"is_json": true
	}`))
	if err != nil {
		t.Fatalf("ParseUpdateConfig: %v", err)
	}
	if cfg.Format != FormatJSON {
		t.Errorf("format = %q, want json", cfg.Format)
	}
}

func TestParseUpdateConfigCSVOptions(t *testing.T) {
	cfg, err := ParseUpdateConfig([]byte(`{
		"source": "url",
		"url": "https://example.com/report.csv",
		"format": "csv",
		"csv_config": {
			"separator": ";",
			"has_header": false,
			"column_names": ["host", "score"],
			"columns_to_import": [0, 2],
			"column_types": {"1": "number"},
			"remove_unused_columns": false
		}
	}`))
	if err != nil {
		t.Fatalf("ParseUpdateConfig: %v", err)
	}
	if cfg.CSV.Separator != ";" {
		t.Errorf("separator = %q", cfg.CSV.Separator)
	}
	if cfg.CSV.HasHeader {
		t.Error("has_header should be false")
	}
	if len(cfg.CSV.ColumnNames) != 2 || cfg.CSV.ColumnNames[0] != "host" {
		t.Errorf("column_names = %v", cfg.CSV.ColumnNames)
	}
	if cfg.CSV.ColumnTypes[1] != TypeNumber {
		t.Errorf("column_types = %v", cfg.CSV.ColumnTypes)
	}
	if cfg.CSV.RemoveUnusedColumns {
		t.Error("remove_unused_columns should be false")
	}
}

func TestParseUpdateConfigRejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		in   string
	}{
		{"missing source", `{"url": "https://example.com"}`},
		{"unknown source", `{"source": "ftp"}`},
		{"url source without url", `{"source": "url"}`},
		{"curl source without command", `{"source": "curl"}`},
		{"script source without code", `{"source": "script"}`},
		{"unknown api_type", `{"source": "api", "api_type": "soap"}`},
		{"multichar separator", `{"source": "url", "url": "x", "csv_config": {"separator": "||"}}`},
		{"unknown format", `{"source": "url", "url": "x", "format": "xml"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseUpdateConfig([]byte(tc.in))
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("want ConfigError, got %v", err)
			}
		})
	}
}

func TestUpdateConfigRoundTrip(t *testing.T) {
	orig, err := ParseUpdateConfig([]byte(`{
		"source": "url",
		"url": "https://example.com/feed",
		"format": "json",
		"json_data_path": "data.items",
		"min_update_interval": 600,
		"auto_create_columns": false
	}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	blob, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back UpdateConfig
	if err := json.Unmarshal(blob, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Source != SourceURL || back.URL != orig.URL {
		t.Errorf("source round trip: %+v", back)
	}
	if back.Format != FormatJSON || back.JSONDataPath != "data.items" {
		t.Errorf("json settings round trip: %+v", back)
	}
	if back.MinUpdateInterval != 600 {
		t.Errorf("min_update_interval = %d, want 600", back.MinUpdateInterval)
	}
	if back.AutoCreateColumns {
		t.Error("auto_create_columns should stay false")
	}
}

func TestParseUpdateConfigEmpty(t *testing.T) {
	cfg, err := ParseUpdateConfig(nil)
	if err != nil {
		t.Fatalf("empty config should not error at parse: %v", err)
	}
	if cfg.Source != "" {
		t.Errorf("source = %q, want empty", cfg.Source)
	}
}
