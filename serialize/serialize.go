package serialize

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Format selects the encoding used when structured context is injected
// into an LLM request.
type Format string

const (
	FormatJSON Format = "json"
	FormatTOON Format = "toon"
)

func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatJSON, FormatTOON:
		return Format(s), nil
	default:
		return "", fmt.Errorf("unknown context format: %q", s)
	}
}

// Encode renders v in the given format.
func Encode(f Format, v any) (string, error) {
	switch f {
	case FormatTOON:
		return encodeTOON(v, 0), nil
	default:
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}

// Comparison reports the encoded sizes of both formats for the same value.
type Comparison struct {
	JSONBytes   int     `json:"jsonBytes"`
	TOONBytes   int     `json:"toonBytes"`
	SavingsPct  float64 `json:"savingsPct"`
	Recommended Format  `json:"recommended"`
}

func Compare(v any) (Comparison, error) {
	js, err := Encode(FormatJSON, v)
	if err != nil {
		return Comparison{}, err
	}
	tn, err := Encode(FormatTOON, v)
	if err != nil {
		return Comparison{}, err
	}

	c := Comparison{JSONBytes: len(js), TOONBytes: len(tn), Recommended: FormatJSON}
	if c.JSONBytes > 0 {
		c.SavingsPct = float64(c.JSONBytes-c.TOONBytes) / float64(c.JSONBytes) * 100
	}
	if c.TOONBytes < c.JSONBytes {
		c.Recommended = FormatTOON
	}
	return c, nil
}

// encodeTOON renders a compact, indentation-based notation: one "key: value"
// per line, scalar arrays inline, uniform object arrays as tables.
func encodeTOON(v any, depth int) string {
	ind := strings.Repeat("  ", depth)

	switch t := v.(type) {
	case map[string]any:
		if len(t) == 0 {
			return ind + "{}"
		}
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var b strings.Builder
		for i, k := range keys {
			if i > 0 {
				b.WriteString("\n")
			}
			val := t[k]
			if isScalar(val) {
				fmt.Fprintf(&b, "%s%s: %s", ind, k, scalarTOON(val))
				continue
			}
			if row, ok := scalarArray(val); ok {
				fmt.Fprintf(&b, "%s%s[%d]: %s", ind, k, len(row), strings.Join(row, ","))
				continue
			}
			if table, ok := tabularArray(val); ok {
				fmt.Fprintf(&b, "%s%s[%d]{%s}:", ind, k, table.rows, strings.Join(table.fields, ","))
				for _, r := range table.data {
					b.WriteString("\n" + ind + "  " + strings.Join(r, ","))
				}
				continue
			}
			fmt.Fprintf(&b, "%s%s:\n%s", ind, k, encodeTOON(val, depth+1))
		}
		return b.String()

	case []any:
		var b strings.Builder
		for i, e := range t {
			if i > 0 {
				b.WriteString("\n")
			}
			if isScalar(e) {
				fmt.Fprintf(&b, "%s- %s", ind, scalarTOON(e))
			} else {
				fmt.Fprintf(&b, "%s-\n%s", ind, encodeTOON(e, depth+1))
			}
		}
		return b.String()

	default:
		return ind + scalarTOON(v)
	}
}

func isScalar(v any) bool {
	switch v.(type) {
	case nil, bool, string, int, int64, float64:
		return true
	}
	return false
}

func scalarTOON(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		if strings.ContainsAny(t, ",\n:") {
			b, _ := json.Marshal(t)
			return string(b)
		}
		return t
	default:
		return fmt.Sprintf("%v", t)
	}
}

type table struct {
	fields []string
	rows   int
	data   [][]string
}

// scalarArray reports a []any whose entries are all scalars.
func scalarArray(v any) ([]string, bool) {
	arr, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		if !isScalar(e) {
			return nil, false
		}
		out = append(out, scalarTOON(e))
	}
	return out, true
}

// tabularArray reports a []any of flat objects sharing one key set.
func tabularArray(v any) (table, bool) {
	arr, ok := v.([]any)
	if !ok || len(arr) == 0 {
		return table{}, false
	}

	var fields []string
	var data [][]string
	for _, e := range arr {
		obj, isObj := e.(map[string]any)
		if !isObj {
			return table{}, false
		}
		keys := make([]string, 0, len(obj))
		for k, val := range obj {
			if !isScalar(val) {
				return table{}, false
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		if fields == nil {
			fields = keys
		} else if strings.Join(fields, ",") != strings.Join(keys, ",") {
			return table{}, false
		}
		row := make([]string, 0, len(keys))
		for _, k := range keys {
			row = append(row, scalarTOON(obj[k]))
		}
		data = append(data, row)
	}
	return table{fields: fields, rows: len(arr), data: data}, true
}
