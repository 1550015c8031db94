package domain

import "fmt"

// ConfigError reports an invalid or incomplete update configuration.
// It is raised at load time so that adapters never see a half-built config.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "invalid configuration: " + e.Reason
	}
	return fmt.Sprintf("invalid configuration (%s): %s", e.Field, e.Reason)
}

// PathError reports a failed JSON path navigation step: a missing key, an
// out-of-bounds index, or an index applied to a non-list value.
type PathError struct {
	Path    string
	Segment string
	Reason  string
}

func (e *PathError) Error() string {
	return fmt.Sprintf("path %q: segment %q: %s", e.Path, e.Segment, e.Reason)
}

// CommandError reports a shell source whose command exited non-zero. Stderr
// is captured for the import log.
type CommandError struct {
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("command exited with code %d: %s", e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("command exited with code %d", e.ExitCode)
}

// EmptyOutputError reports a source that completed successfully but
// produced nothing to decode.
type EmptyOutputError struct {
	Source SourceType
}

func (e *EmptyOutputError) Error() string {
	return fmt.Sprintf("%s source produced no output", e.Source)
}

// HTTPStatusError reports a URL source that answered with a non-2xx status.
type HTTPStatusError struct {
	StatusCode int
	URL        string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("GET %s returned status %d", e.URL, e.StatusCode)
}

// ValidationError reports a cell value that does not conform to its
// column's declared type. Used on manual row edits; imports coerce instead.
type ValidationError struct {
	Column string
	Value  string
	Type   ColumnType
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("value %q is not a valid %s for column %q", e.Value, e.Type, e.Column)
}
