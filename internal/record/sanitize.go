package record

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Type is a logical column type, independent of any SQL dialect.
type Type string

const (
	TypeInteger Type = "INTEGER"
	TypeFloat   Type = "FLOAT"
	TypeBoolean Type = "BOOLEAN"
	TypeString  Type = "STRING"
)

// TypeMap maps column names to logical types.
type TypeMap map[string]Type

// ParseType accepts the logical names and the common SQL spellings.
func ParseType(s string) (Type, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "INTEGER", "INT", "BIGINT", "INT64", "SMALLINT":
		return TypeInteger, nil
	case "FLOAT", "DOUBLE", "REAL", "FLOAT64", "DOUBLE PRECISION", "NUMERIC", "DECIMAL":
		return TypeFloat, nil
	case "BOOLEAN", "BOOL":
		return TypeBoolean, nil
	case "STRING", "TEXT", "VARCHAR", "CHARACTER VARYING":
		return TypeString, nil
	}
	return "", fmt.Errorf("unknown column type %q", s)
}

// Report summarises what Sanitize decided.
type Report struct {
	Observed TypeMap
	Final    TypeMap
}

// Coerced lists columns whose final type differs from what the rows carried,
// formatted as "FROM->TO".
func (r Report) Coerced() map[string]string {
	out := make(map[string]string)
	for col, final := range r.Final {
		if obs, ok := r.Observed[col]; ok && obs != final {
			out[col] = string(obs) + "->" + string(final)
		}
	}
	return out
}

// Sanitize settles one type per column and converts every value to it.
// Columns in pins take the pinned type regardless of content; values that
// cannot be represented in the final type become nil.
func Sanitize(rows []Row, pins TypeMap) ([]Row, Report) {
	observed := Observe(rows)

	final := make(TypeMap, len(observed))
	for col, t := range observed {
		if t == "" {
			t = TypeString
			observed[col] = TypeString
		}
		if IsMetadata(col) {
			t = TypeString
		}
		if pin, ok := pins[col]; ok {
			t = pin
		}
		final[col] = t
	}

	for _, r := range rows {
		for col, v := range r {
			r[col] = convert(v, final[col])
		}
	}
	return rows, Report{Observed: observed, Final: final}
}

// Observe returns the type the non-nil values of each column settle on.
// Columns holding only nils map to the empty Type.
func Observe(rows []Row) TypeMap {
	observed := make(TypeMap)
	for _, r := range rows {
		for col, v := range r {
			t, ok := valueType(v)
			if !ok {
				if _, seen := observed[col]; !seen {
					observed[col] = ""
				}
				continue
			}
			observed[col] = mergeType(observed[col], t)
		}
	}
	return observed
}

// Widen returns the narrowest type that holds values of both a and b without
// loss: INTEGER and FLOAT widen to FLOAT, any other mix to STRING. An empty
// type is unknown and yields the other.
func Widen(a, b Type) Type {
	if b == "" {
		return a
	}
	return mergeType(a, b)
}

func valueType(v any) (Type, bool) {
	switch v.(type) {
	case nil:
		return "", false
	case bool:
		return TypeBoolean, true
	case int64, int:
		return TypeInteger, true
	case float64:
		return TypeFloat, true
	default:
		return TypeString, true
	}
}

func mergeType(a, b Type) Type {
	switch {
	case a == "" || a == b:
		return b
	case (a == TypeInteger && b == TypeFloat) || (a == TypeFloat && b == TypeInteger):
		return TypeFloat
	default:
		return TypeString
	}
}

func convert(v any, t Type) any {
	if v == nil {
		return nil
	}
	switch t {
	case TypeString:
		return FormatValue(v)
	case TypeInteger:
		switch val := v.(type) {
		case int64:
			return val
		case int:
			return int64(val)
		case float64:
			if val == math.Trunc(val) && math.Abs(val) < 1<<63 {
				return int64(val)
			}
		case bool:
			if val {
				return int64(1)
			}
			return int64(0)
		case string:
			if i, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64); err == nil {
				return i
			}
		}
		return nil
	case TypeFloat:
		switch val := v.(type) {
		case float64:
			if math.IsNaN(val) || math.IsInf(val, 0) {
				return nil
			}
			return val
		case int64:
			return float64(val)
		case int:
			return float64(val)
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
				return f
			}
		}
		return nil
	case TypeBoolean:
		switch val := v.(type) {
		case bool:
			return val
		case int64:
			return val != 0
		case int:
			return val != 0
		case string:
			if b, err := strconv.ParseBool(strings.TrimSpace(val)); err == nil {
				return b
			}
		}
		return nil
	}
	return v
}
