package domain

import (
	"errors"
	"testing"
)

func TestInferColumnType(t *testing.T) {
	cases := []struct {
		value string
		want  ColumnType
	}{
		{"hello", TypeText},
		{"", TypeText},
		{"42", TypeNumber},
		{"3.14", TypeNumber},
		{"-17", TypeNumber},
		{"true", TypeBoolean},
		{"No", TypeBoolean},
		{"2024-06-15", TypeDate},
		{"15/06/2024", TypeDate},
		{"192.168.1.1", TypeIP},
		{"10.0.0.0/8", TypeIP},
		{"2001:db8::1", TypeIP},
		{"not-an-ip", TypeText},
	}
	for _, tc := range cases {
		if got := InferColumnType(tc.value); got != tc.want {
			t.Errorf("InferColumnType(%q) = %q, want %q", tc.value, got, tc.want)
		}
	}
}

func TestCoerceValue(t *testing.T) {
	cases := []struct {
		value string
		typ   ColumnType
		want  string
	}{
		{"42", TypeNumber, "42"},
		{"3,14", TypeNumber, "3.14"},
		{"abc", TypeNumber, ""},
		{"", TypeNumber, ""},
		{"2024-06-15T10:30:00Z", TypeDate, "2024-06-15"},
		{"15/06/2024", TypeDate, "2024-06-15"},
		{"not a date", TypeDate, "not a date"},
		{"Yes", TypeBoolean, "true"},
		{"off", TypeBoolean, "false"},
		{"maybe", TypeBoolean, "maybe"},
		{"  padded  ", TypeText, "padded"},
	}
	for _, tc := range cases {
		if got := CoerceValue(tc.value, tc.typ); got != tc.want {
			t.Errorf("CoerceValue(%q, %s) = %q, want %q", tc.value, tc.typ, got, tc.want)
		}
	}
}

func TestValidateCellValue(t *testing.T) {
	if err := ValidateCellValue("score", "12.5", TypeNumber); err != nil {
		t.Errorf("valid number rejected: %v", err)
	}
	if err := ValidateCellValue("score", "", TypeNumber); err != nil {
		t.Errorf("empty value rejected: %v", err)
	}
	err := ValidateCellValue("score", "twelve", TypeNumber)
	var valErr *ValidationError
	if !errors.As(err, &valErr) {
		t.Fatalf("want ValidationError, got %v", err)
	}
	if valErr.Column != "score" {
		t.Errorf("column = %q", valErr.Column)
	}
	if err := ValidateCellValue("addr", "10.1.2.3", TypeIP); err != nil {
		t.Errorf("valid ip rejected: %v", err)
	}
	if err := ValidateCellValue("addr", "999.1.2.3", TypeIP); err == nil {
		t.Error("invalid ip accepted")
	}
	if err := ValidateCellValue("seen", "31/12/2023", TypeDate); err != nil {
		t.Errorf("valid date rejected: %v", err)
	}
}

func TestIsIPv4Line(t *testing.T) {
	cases := []struct {
		line string
		want bool
	}{
		{"192.168.1.1", true},
		{"  10.0.0.1  ", true},
		{"10.0.0.0/24", true},
		{"10.0.0.0/33", false},
		{"2001:db8::1", false},
		{"host.example.com", false},
		{"1.2.3", false},
	}
	for _, tc := range cases {
		if got := IsIPv4Line(tc.line); got != tc.want {
			t.Errorf("IsIPv4Line(%q) = %v, want %v", tc.line, got, tc.want)
		}
	}
}

func TestMatchesFilter(t *testing.T) {
	list := &List{
		FilterEnabled: true,
		FilterRules:   []string{"malware", "Phish"},
	}
	keep := Row{ID: 1, Cells: map[string]string{"domain": "phishing-site.example", "category": "fraud"}}
	drop := Row{ID: 2, Cells: map[string]string{"domain": "benign.example", "category": "news"}}
	if !list.MatchesFilter(keep) {
		t.Error("row containing a rule substring should match")
	}
	if list.MatchesFilter(drop) {
		t.Error("row with no rule substring should not match")
	}

	list.FilterRules = nil
	if !list.MatchesFilter(drop) {
		t.Error("empty rule set keeps every row")
	}
}

func TestClassifyError(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorKind
	}{
		{&ConfigError{Field: "url", Reason: "missing"}, ErrConfiguration},
		{&PathError{Path: "a.b", Segment: "b", Reason: "missing key"}, ErrPath},
		{&CommandError{ExitCode: 7}, ErrCommand},
		{&EmptyOutputError{Source: SourceURL}, ErrEmptyOutput},
		{&HTTPStatusError{StatusCode: 502, URL: "https://x"}, ErrHTTPStatus},
		{errors.New("plain"), ErrTransport},
	}
	for _, tc := range cases {
		if got := ClassifyError(tc.err, ErrTransport); got != tc.want {
			t.Errorf("ClassifyError(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}
