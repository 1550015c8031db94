package importer

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/Maneox/List-IQ/internal/domain"
)

// sniffLimit bounds how much of a payload the CSV dialect sniffer examines.
const sniffLimit = 5 * 1024

// Record is one decoded row before schema reconciliation: ordered column
// names with their raw string values. Types carries declared type hints
// (CSV column_types by header name) for columns created during this import.
type Record struct {
	Columns []string
	Values  map[string]string
	Types   map[string]domain.ColumnType
}

// NavigateJSONPath walks a dot-separated path through decoded JSON. Each
// segment is a map key or, on a list, a decimal index. A missing key, a
// non-numeric segment on a list, or an out-of-bounds index is a PathError.
// An empty path returns the document unchanged.
func NavigateJSONPath(doc any, path string) (any, error) {
	if strings.TrimSpace(path) == "" {
		return doc, nil
	}
	cur := doc
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, &domain.PathError{Path: path, Segment: seg, Reason: "key not found"}
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 {
				return nil, &domain.PathError{Path: path, Segment: seg, Reason: "list requires a numeric index"}
			}
			if idx >= len(node) {
				return nil, &domain.PathError{Path: path, Segment: seg, Reason: fmt.Sprintf("index out of range (len %d)", len(node))}
			}
			cur = node[idx]
		default:
			return nil, &domain.PathError{Path: path, Segment: seg, Reason: "cannot descend into scalar"}
		}
	}
	return cur, nil
}

// normalizeJSONValue renders a leaf JSON value as the stored cell string.
// Objects and arrays nest as compact JSON.
func normalizeJSONValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		// json.Unmarshal decodes all numbers as float64; keep integers clean.
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		blob, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(blob)
	}
}

// DecodeJSON turns a JSON payload into records. The data path is applied
// first; then the target is normalized to a list of objects:
//   - a list of objects is used as-is, unless its first element is an
//     envelope carrying the actual row list, which is descended into
//   - a single object becomes a singleton list, with the same envelope
//     descent (common {"items": [...]} shapes)
//   - a scalar or list of scalars wraps each value as {"value": v}
func DecodeJSON(payload []byte, dataPath string) ([]Record, error) {
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	target, err := NavigateJSONPath(doc, dataPath)
	if err != nil {
		return nil, err
	}

	items := normalizeJSONTarget(target)
	records := make([]Record, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			obj = map[string]any{"value": item}
		}
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		rec := Record{Columns: keys, Values: make(map[string]string, len(obj))}
		for k, v := range obj {
			rec.Values[k] = normalizeJSONValue(v)
		}
		records = append(records, rec)
	}
	return records, nil
}

func normalizeJSONTarget(target any) []any {
	switch node := target.(type) {
	case []any:
		if len(node) > 0 {
			if first, ok := node[0].(map[string]any); ok {
				if inner, ok := nestedRowList(first); ok {
					return inner
				}
			}
		}
		return node
	case map[string]any:
		if inner, ok := nestedRowList(node); ok {
			return inner
		}
		return []any{node}
	default:
		return []any{node}
	}
}

// nestedRowList finds a list-of-objects value inside an envelope object,
// e.g. {"count": 2, "people": [...]}. Keys are scanned in sorted order so
// the choice is deterministic when several qualify.
func nestedRowList(node map[string]any) ([]any, bool) {
	keys := make([]string, 0, len(node))
	for k := range node {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if list, ok := node[k].([]any); ok && len(list) > 0 {
			if _, isObj := list[0].(map[string]any); isObj {
				return list, true
			}
		}
	}
	return nil, false
}

// DecodeCSV turns a CSV payload into records. A configured single-character
// separator is used strictly; otherwise the dialect is sniffed from the
// first 5 KB, falling back to comma. Without a header row, names come from
// opts.ColumnNames or are synthesized as Column1..N.
func DecodeCSV(payload []byte, opts domain.CSVOptions) ([]Record, error) {
	sep := ','
	if opts.Separator != "" {
		sep = []rune(opts.Separator)[0]
	} else {
		sep = sniffSeparator(payload)
	}

	r := csv.NewReader(bytes.NewReader(payload))
	r.Comma = sep
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	raw, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("decode csv: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}

	var header []string
	body := raw
	if opts.HasHeader {
		header = trimAll(raw[0])
		body = raw[1:]
	} else if len(opts.ColumnNames) > 0 {
		header = opts.ColumnNames
	}

	width := 0
	for _, row := range raw {
		if len(row) > width {
			width = len(row)
		}
	}
	header = padHeader(header, width)

	keep := map[int]bool{}
	for _, idx := range opts.ColumnsToImport {
		keep[idx] = true
	}

	hints := map[string]domain.ColumnType{}
	for i, name := range header {
		if typ, ok := opts.ColumnTypes[i]; ok {
			hints[name] = typ
		}
	}

	records := make([]Record, 0, len(body))
	for _, row := range body {
		if isBlankRow(row) {
			continue
		}
		rec := Record{Values: make(map[string]string, len(row)), Types: hints}
		for i, name := range header {
			if len(keep) > 0 && !keep[i] {
				continue
			}
			value := ""
			if i < len(row) {
				value = strings.TrimSpace(row[i])
			}
			if typ, ok := opts.ColumnTypes[i]; ok {
				value = domain.CoerceValue(value, typ)
			}
			rec.Columns = append(rec.Columns, name)
			rec.Values[name] = value
		}
		records = append(records, rec)
	}
	return records, nil
}

// DecodeText turns a plain-text payload into one-column records, one per
// non-blank line. Feeds made entirely of IPv4 addresses get an "ip" column,
// everything else a "value" column.
func DecodeText(payload []byte) []Record {
	lines := strings.Split(string(payload), "\n")
	var kept []string
	allIPv4 := true
	for _, line := range lines {
		line = strings.TrimSpace(strings.TrimSuffix(line, "\r"))
		if line == "" {
			continue
		}
		kept = append(kept, line)
		if !domain.IsIPv4Line(line) {
			allIPv4 = false
		}
	}
	name := "value"
	if allIPv4 && len(kept) > 0 {
		name = "ip"
	}
	records := make([]Record, 0, len(kept))
	for _, line := range kept {
		records = append(records, Record{
			Columns: []string{name},
			Values:  map[string]string{name: line},
		})
	}
	return records
}

// DetectAndDecode decodes a payload whose format is not declared: JSON is
// tried first, then CSV, then plain text. Only a syntactically valid JSON
// document counts as JSON.
func DetectAndDecode(payload []byte, cfg domain.UpdateConfig) ([]Record, domain.DataFormat, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') && json.Valid(trimmed) {
		records, err := DecodeJSON(trimmed, cfg.JSONDataPath)
		return records, domain.FormatJSON, err
	}
	if looksLikeCSV(trimmed, cfg.CSV) {
		records, err := DecodeCSV(trimmed, cfg.CSV)
		if err == nil {
			return records, domain.FormatCSV, nil
		}
	}
	return DecodeText(trimmed), domain.FormatCSV, nil
}

// looksLikeCSV reports whether the payload plausibly carries a delimiter,
// either the configured one or any of the sniffable candidates.
func looksLikeCSV(payload []byte, opts domain.CSVOptions) bool {
	head := payload
	if len(head) > sniffLimit {
		head = head[:sniffLimit]
	}
	if opts.Separator != "" {
		return bytes.ContainsRune(head, []rune(opts.Separator)[0])
	}
	for _, c := range []byte{',', ';', '\t', '|'} {
		if bytes.IndexByte(head, c) >= 0 {
			return true
		}
	}
	return false
}

// sniffSeparator picks the candidate delimiter that appears most often and
// most consistently across the first lines of the payload.
func sniffSeparator(payload []byte) rune {
	head := payload
	if len(head) > sniffLimit {
		head = head[:sniffLimit]
	}
	lines := strings.Split(string(head), "\n")
	if len(lines) > 10 {
		lines = lines[:10]
	}

	best := ','
	bestScore := -1
	for _, cand := range []rune{',', ';', '\t', '|'} {
		counts := map[int]int{}
		for _, line := range lines {
			if strings.TrimSpace(line) == "" {
				continue
			}
			counts[strings.Count(line, string(cand))]++
		}
		// Score: the delimiter count seen on the most lines, excluding zero.
		score := 0
		for n, freq := range counts {
			if n > 0 && freq > score {
				score = freq * n
			}
		}
		if score > bestScore {
			bestScore = score
			best = cand
		}
	}
	if bestScore <= 0 {
		return ','
	}
	return best
}

func padHeader(header []string, width int) []string {
	out := make([]string, width)
	for i := 0; i < width; i++ {
		if i < len(header) && strings.TrimSpace(header[i]) != "" {
			out[i] = strings.TrimSpace(header[i])
		} else {
			out[i] = "Column" + strconv.Itoa(i+1)
		}
	}
	return out
}

func trimAll(in []string) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = strings.TrimSpace(v)
	}
	return out
}

func isBlankRow(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

