package query

import (
	"fmt"
	"math"
	"sort"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// MaxFormattedRows caps how many rows Format prints for a row array.
const MaxFormattedRows = 100

var printer = message.NewPrinter(language.English)

const (
	// maxNestedDepth is how many table levels Format descends before eliding.
	maxNestedDepth = 8
	// maxOutputBytes caps the rendered result handed back to the model.
	maxOutputBytes = 64 * 1024
	elided         = "{…}"
	truncatedNote  = "\n... (output truncated)"
)

// formatter tracks the tables on the current descent path so cyclic or
// very deep results render as "{…}" instead of recursing forever.
type formatter struct {
	seen  map[*lua.LTable]bool
	depth int
	spent int
}

// Format renders a script result for the model: row arrays become a
// tab-separated table, scalar arrays one value per line, and maps sorted
// "key: value" lines.
func Format(v lua.LValue) string {
	f := &formatter{seen: make(map[*lua.LTable]bool)}
	out := f.format(v)
	if len(out) > maxOutputBytes {
		out = strings.ToValidUTF8(out[:maxOutputBytes], "") + truncatedNote
	}
	return out
}

func (f *formatter) format(v lua.LValue) string {
	tbl, ok := v.(*lua.LTable)
	if !ok {
		return f.scalar(v)
	}
	f.seen[tbl] = true
	f.depth++
	defer func() {
		delete(f.seen, tbl)
		f.depth--
	}()

	n := tbl.Len()
	if n == 0 {
		keys := mapKeys(tbl)
		if len(keys) == 0 {
			return "(no rows)"
		}
		var b strings.Builder
		for i, k := range keys {
			if i > 0 {
				b.WriteByte('\n')
			}
			fmt.Fprintf(&b, "%s: %s", k, f.scalar(tbl.RawGetString(k)))
		}
		return b.String()
	}

	if _, isRows := tbl.RawGetInt(1).(*lua.LTable); isRows {
		return f.rows(tbl, n)
	}
	lines := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		lines = append(lines, f.scalar(tbl.RawGetInt(i)))
	}
	return strings.Join(lines, "\n")
}

func (f *formatter) rows(tbl *lua.LTable, n int) string {
	columnSet := make(map[string]bool)
	for i := 1; i <= n; i++ {
		if row, ok := tbl.RawGetInt(i).(*lua.LTable); ok {
			for _, k := range mapKeys(row) {
				columnSet[k] = true
			}
		}
	}
	columns := make([]string, 0, len(columnSet))
	for k := range columnSet {
		columns = append(columns, k)
	}
	sort.Strings(columns)

	var b strings.Builder
	b.WriteString(strings.Join(columns, "\t"))
	shown := min(n, MaxFormattedRows)
	for i := 1; i <= shown; i++ {
		row, ok := tbl.RawGetInt(i).(*lua.LTable)
		b.WriteByte('\n')
		if !ok {
			b.WriteString(f.scalar(tbl.RawGetInt(i)))
			continue
		}
		cells := make([]string, len(columns))
		for j, c := range columns {
			cells[j] = f.scalar(row.RawGetString(c))
		}
		b.WriteString(strings.Join(cells, "\t"))
	}
	if n > shown {
		fmt.Fprintf(&b, "\n... (%d more rows)", n-shown)
	}
	return b.String()
}

func mapKeys(tbl *lua.LTable) []string {
	var keys []string
	tbl.ForEach(func(k, _ lua.LValue) {
		if s, ok := k.(lua.LString); ok {
			keys = append(keys, string(s))
		}
	})
	sort.Strings(keys)
	return keys
}

func (f *formatter) scalar(v lua.LValue) string {
	switch x := v.(type) {
	case lua.LNumber:
		return formatNumber(float64(x))
	case lua.LString:
		return string(x)
	case lua.LBool:
		if x {
			return "true"
		}
		return "false"
	case *lua.LTable:
		if f.seen[x] || f.depth >= maxNestedDepth || f.spent > maxOutputBytes {
			return elided
		}
		nested := "{" + strings.ReplaceAll(f.format(x), "\n", "; ") + "}"
		f.spent += len(nested)
		return nested
	}
	if v == lua.LNil {
		return ""
	}
	return v.String()
}

func formatNumber(f float64) string {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Sprint(f)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return printer.Sprintf("%d", int64(f))
	}
	return printer.Sprintf("%.2f", f)
}
