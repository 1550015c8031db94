package domain

import (
	"net"
	"strconv"
	"strings"
	"time"
)

// dateLayouts are the formats recognized when inferring or normalizing a
// date value. Output is always YYYY-MM-DD.
var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"02/01/2006",
	"01/02/2006",
	"02-01-2006",
	"2006/01/02",
}

// InferColumnType guesses a column type from a sample value. Precedence:
// boolean, number, date, ip, then text. Empty values infer as text.
func InferColumnType(value string) ColumnType {
	v := strings.TrimSpace(value)
	if v == "" {
		return TypeText
	}
	if isBoolean(v) {
		return TypeBoolean
	}
	if isNumber(v) {
		return TypeNumber
	}
	if _, ok := parseDate(v); ok {
		return TypeDate
	}
	if IsIPValue(v) {
		return TypeIP
	}
	return TypeText
}

// CoerceValue normalizes a raw cell value to its column type at import
// time. Imports never fail on a bad cell: numbers that do not parse become
// empty, dates that parse are normalized to YYYY-MM-DD, everything else
// passes through trimmed.
func CoerceValue(value string, typ ColumnType) string {
	v := strings.TrimSpace(value)
	switch typ {
	case TypeNumber:
		if v == "" {
			return ""
		}
		if _, err := strconv.ParseFloat(strings.ReplaceAll(v, ",", "."), 64); err != nil {
			return ""
		}
		return strings.ReplaceAll(v, ",", ".")
	case TypeDate:
		if v == "" {
			return ""
		}
		if t, ok := parseDate(v); ok {
			return t.Format("2006-01-02")
		}
		return v
	case TypeBoolean:
		if v == "" {
			return ""
		}
		switch strings.ToLower(v) {
		case "true", "1", "yes", "y", "on":
			return "true"
		case "false", "0", "no", "n", "off":
			return "false"
		}
		return v
	default:
		return v
	}
}

// ValidateCellValue checks a manually edited cell against its column type.
// Unlike imports, edits reject invalid values instead of coercing them.
func ValidateCellValue(column string, value string, typ ColumnType) error {
	v := strings.TrimSpace(value)
	if v == "" {
		return nil
	}
	switch typ {
	case TypeNumber:
		if !isNumber(v) {
			return &ValidationError{Column: column, Value: value, Type: typ}
		}
	case TypeDate:
		if _, ok := parseDate(v); !ok {
			return &ValidationError{Column: column, Value: value, Type: typ}
		}
	case TypeIP:
		if !IsIPValue(v) {
			return &ValidationError{Column: column, Value: value, Type: typ}
		}
	case TypeBoolean:
		if !isBoolean(v) {
			return &ValidationError{Column: column, Value: value, Type: typ}
		}
	}
	return nil
}

// IsIPValue reports whether v is an IP address or a CIDR network, v4 or v6.
func IsIPValue(v string) bool {
	if net.ParseIP(v) != nil {
		return true
	}
	if _, _, err := net.ParseCIDR(v); err == nil {
		return true
	}
	return false
}

// IsIPv4Line reports whether a line of a plain-text payload is a bare IPv4
// address or IPv4 CIDR, the fast path for text sources that ship IP feeds.
func IsIPv4Line(line string) bool {
	v := strings.TrimSpace(line)
	addr := v
	if i := strings.IndexByte(v, '/'); i >= 0 {
		addr = v[:i]
		bits, err := strconv.Atoi(v[i+1:])
		if err != nil || bits < 0 || bits > 32 {
			return false
		}
	}
	ip := net.ParseIP(addr)
	return ip != nil && ip.To4() != nil && strings.Count(addr, ".") == 3
}

func isNumber(v string) bool {
	_, err := strconv.ParseFloat(strings.ReplaceAll(v, ",", "."), 64)
	return err == nil
}

func isBoolean(v string) bool {
	switch strings.ToLower(v) {
	case "true", "false", "yes", "no", "y", "n", "on", "off":
		return true
	}
	return false
}

func parseDate(v string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
