package record

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"strings"
)

// PayloadKind tags the representation a source responded with.
type PayloadKind int

const (
	PayloadEmpty PayloadKind = iota
	PayloadJSON
	PayloadCSV
)

func (k PayloadKind) String() string {
	switch k {
	case PayloadJSON:
		return "json"
	case PayloadCSV:
		return "csv"
	default:
		return "empty"
	}
}

// Payload is a fetched response body resolved to exactly one representation.
type Payload struct {
	Kind PayloadKind
	JSON any
	CSV  string
}

// DecodeJSON parses body into a JSON payload, keeping numbers exact.
func DecodeJSON(body []byte) (Payload, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return Payload{}, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Payload{}, errors.New("trailing data after JSON value")
	}
	return Payload{Kind: PayloadJSON, JSON: v}, nil
}

// CSVPayload wraps delimited text.
func CSVPayload(text string) Payload {
	return Payload{Kind: PayloadCSV, CSV: text}
}

// Normalize flattens a payload into rows. Shapes it does not recognise
// produce zero rows instead of an error.
func Normalize(p Payload) []Row {
	switch p.Kind {
	case PayloadJSON:
		return normalizeJSON(p.JSON)
	case PayloadCSV:
		return normalizeCSV(p.CSV)
	default:
		return nil
	}
}

func normalizeJSON(v any) []Row {
	switch val := v.(type) {
	case map[string]any:
		for _, key := range []string{"data", "results"} {
			if items, ok := val[key].([]any); ok {
				return rowsFromArray(items)
			}
		}
		return nil
	case []any:
		return rowsFromArray(val)
	default:
		return nil
	}
}

func rowsFromArray(items []any) []Row {
	rows := make([]Row, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		row := make(Row, len(obj))
		flatten(row, "", obj)
		rows = append(rows, row)
	}
	return rows
}

// flatten writes obj into row with nested keys joined by ".".
func flatten(row Row, prefix string, obj map[string]any) {
	for k, v := range obj {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch val := v.(type) {
		case map[string]any:
			if len(val) == 0 {
				row[key] = nil
				continue
			}
			flatten(row, key, val)
		case []any:
			b, err := json.Marshal(val)
			if err != nil {
				row[key] = nil
				continue
			}
			row[key] = string(b)
		case json.Number:
			row[key] = numberValue(val)
		default:
			row[key] = val
		}
	}
}

func numberValue(n json.Number) any {
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

func normalizeCSV(text string) []Row {
	text = strings.TrimPrefix(text, "\ufeff")
	if strings.TrimSpace(text) == "" {
		return nil
	}

	r := csv.NewReader(strings.NewReader(text))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	var rows []Row
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			// A malformed line ends the table; keep what parsed cleanly.
			break
		}
		row := make(Row, len(header))
		empty := true
		for i, name := range header {
			if name == "" {
				continue
			}
			var cell string
			if i < len(rec) {
				cell = rec[i]
			}
			v := cellValue(cell)
			if v != nil {
				empty = false
			}
			row[name] = v
		}
		if empty {
			continue
		}
		rows = append(rows, row)
	}
	return rows
}

// cellValue types a CSV cell the way JSON would have: numbers, booleans,
// strings, and nil for blanks.
func cellValue(s string) any {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	return s
}
