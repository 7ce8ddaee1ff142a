package query

import (
	"math"
	"sort"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

func registerVerbs(L *lua.LState) {
	verbs := map[string]lua.LGFunction{
		"count":    verbCount,
		"sum":      verbSum,
		"avg":      verbAvg,
		"min":      verbMin,
		"max":      verbMax,
		"where":    verbWhere,
		"pick":     verbPick,
		"sort_by":  verbSortBy,
		"head":     verbHead,
		"group_by": verbGroupBy,
		"join":     verbJoin,
		"distinct": verbDistinct,
		"round":    verbRound,
	}
	for name, fn := range verbs {
		L.SetGlobal(name, L.NewFunction(fn))
	}
}

// rows returns the array part of the table argument at n.
func rows(L *lua.LState, n int) []*lua.LTable {
	tbl := L.CheckTable(n)
	out := make([]*lua.LTable, 0, tbl.Len())
	for i := 1; i <= tbl.Len(); i++ {
		if row, ok := tbl.RawGetInt(i).(*lua.LTable); ok {
			out = append(out, row)
		}
	}
	return out
}

func pushRows(L *lua.LState, rs []*lua.LTable) int {
	out := L.CreateTable(len(rs), 0)
	for _, r := range rs {
		out.Append(r)
	}
	L.Push(out)
	return 1
}

func numbers(rs []*lua.LTable, field string) []float64 {
	var out []float64
	for _, r := range rs {
		if n, ok := r.RawGetString(field).(lua.LNumber); ok {
			out = append(out, float64(n))
		}
	}
	return out
}

func verbCount(L *lua.LState) int {
	L.Push(lua.LNumber(len(rows(L, 1))))
	return 1
}

func verbSum(L *lua.LState) int {
	var total float64
	for _, v := range numbers(rows(L, 1), L.CheckString(2)) {
		total += v
	}
	L.Push(lua.LNumber(total))
	return 1
}

func verbAvg(L *lua.LState) int {
	vals := numbers(rows(L, 1), L.CheckString(2))
	if len(vals) == 0 {
		L.Push(lua.LNil)
		return 1
	}
	var total float64
	for _, v := range vals {
		total += v
	}
	L.Push(lua.LNumber(total / float64(len(vals))))
	return 1
}

func verbMin(L *lua.LState) int {
	return extreme(L, func(a, b float64) bool { return a < b })
}

func verbMax(L *lua.LState) int {
	return extreme(L, func(a, b float64) bool { return a > b })
}

func extreme(L *lua.LState, better func(a, b float64) bool) int {
	vals := numbers(rows(L, 1), L.CheckString(2))
	if len(vals) == 0 {
		L.Push(lua.LNil)
		return 1
	}
	best := vals[0]
	for _, v := range vals[1:] {
		if better(v, best) {
			best = v
		}
	}
	L.Push(lua.LNumber(best))
	return 1
}

// verbWhere filters rows: where(rows, field, op, value). Supported ops are
// ==, ~=, !=, <, <=, >, >=, contains (case-insensitive substring) and in
// (value is an array).
func verbWhere(L *lua.LState) int {
	rs := rows(L, 1)
	field := L.CheckString(2)
	op := L.CheckString(3)
	want := L.CheckAny(4)

	var match func(lua.LValue) bool
	switch op {
	case "==", "=":
		match = func(v lua.LValue) bool { return equalValues(v, want) }
	case "~=", "!=":
		match = func(v lua.LValue) bool { return !equalValues(v, want) }
	case "<", "<=", ">", ">=":
		match = func(v lua.LValue) bool {
			c, ok := compareValues(v, want)
			if !ok {
				return false
			}
			switch op {
			case "<":
				return c < 0
			case "<=":
				return c <= 0
			case ">":
				return c > 0
			default:
				return c >= 0
			}
		}
	case "contains":
		needle := strings.ToLower(lua.LVAsString(want))
		match = func(v lua.LValue) bool {
			s, ok := v.(lua.LString)
			return ok && strings.Contains(strings.ToLower(string(s)), needle)
		}
	case "in":
		set, ok := want.(*lua.LTable)
		if !ok {
			L.ArgError(4, "'in' expects an array of values")
			return 0
		}
		match = func(v lua.LValue) bool {
			for i := 1; i <= set.Len(); i++ {
				if equalValues(v, set.RawGetInt(i)) {
					return true
				}
			}
			return false
		}
	default:
		L.ArgError(3, "unknown operator "+op)
		return 0
	}

	var out []*lua.LTable
	for _, r := range rs {
		if match(r.RawGetString(field)) {
			out = append(out, r)
		}
	}
	return pushRows(L, out)
}

func equalValues(a, b lua.LValue) bool {
	if as, ok := a.(lua.LString); ok {
		if bs, ok := b.(lua.LString); ok {
			return strings.EqualFold(string(as), string(bs))
		}
	}
	return a == b
}

func compareValues(a, b lua.LValue) (int, bool) {
	switch av := a.(type) {
	case lua.LNumber:
		bv, ok := b.(lua.LNumber)
		if !ok {
			return 0, false
		}
		switch {
		case av < bv:
			return -1, true
		case av > bv:
			return 1, true
		}
		return 0, true
	case lua.LString:
		bv, ok := b.(lua.LString)
		if !ok {
			return 0, false
		}
		return strings.Compare(string(av), string(bv)), true
	}
	return 0, false
}

func verbPick(L *lua.LState) int {
	rs := rows(L, 1)
	fieldsTbl := L.CheckTable(2)
	var fields []string
	for i := 1; i <= fieldsTbl.Len(); i++ {
		fields = append(fields, lua.LVAsString(fieldsTbl.RawGetInt(i)))
	}
	out := make([]*lua.LTable, 0, len(rs))
	for _, r := range rs {
		row := L.CreateTable(0, len(fields))
		for _, f := range fields {
			row.RawSetString(f, r.RawGetString(f))
		}
		out = append(out, row)
	}
	return pushRows(L, out)
}

// verbSortBy returns a sorted copy: sort_by(rows, field, desc). Rows missing
// the field sort last.
func verbSortBy(L *lua.LState) int {
	rs := rows(L, 1)
	field := L.CheckString(2)
	desc := L.OptBool(3, false)
	sorted := append([]*lua.LTable(nil), rs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i].RawGetString(field), sorted[j].RawGetString(field)
		if a == lua.LNil {
			return false
		}
		if b == lua.LNil {
			return true
		}
		c, ok := compareValues(a, b)
		if !ok {
			return false
		}
		if desc {
			return c > 0
		}
		return c < 0
	})
	return pushRows(L, sorted)
}

func verbHead(L *lua.LState) int {
	rs := rows(L, 1)
	n := L.OptInt(2, 10)
	if n < 0 {
		n = 0
	}
	if n < len(rs) {
		rs = rs[:n]
	}
	return pushRows(L, rs)
}

// verbGroupBy aggregates rows per key: group_by(rows, key, agg, field) with
// agg one of count, sum, avg, min, max. Each output row carries the key and
// a column named after the aggregate (count, or agg_field).
func verbGroupBy(L *lua.LState) int {
	rs := rows(L, 1)
	key := L.CheckString(2)
	agg := L.OptString(3, "count")
	field := L.OptString(4, "")
	if agg != "count" && field == "" {
		L.ArgError(4, "field is required for "+agg)
		return 0
	}

	type bucket struct {
		key  lua.LValue
		vals []float64
		n    int
	}
	var order []string
	buckets := make(map[string]*bucket)
	for _, r := range rs {
		k := r.RawGetString(key)
		id := k.Type().String() + ":" + lua.LVAsString(k)
		b, ok := buckets[id]
		if !ok {
			b = &bucket{key: k}
			buckets[id] = b
			order = append(order, id)
		}
		b.n++
		if field != "" {
			if v, ok := r.RawGetString(field).(lua.LNumber); ok {
				b.vals = append(b.vals, float64(v))
			}
		}
	}

	column := "count"
	if agg != "count" {
		column = agg + "_" + field
	}
	out := make([]*lua.LTable, 0, len(order))
	for _, id := range order {
		b := buckets[id]
		row := L.CreateTable(0, 2)
		row.RawSetString(key, b.key)
		value, ok := aggregate(agg, b.n, b.vals)
		if !ok {
			L.ArgError(3, "unknown aggregate "+agg)
			return 0
		}
		row.RawSetString(column, value)
		out = append(out, row)
	}
	return pushRows(L, out)
}

func aggregate(agg string, n int, vals []float64) (lua.LValue, bool) {
	switch agg {
	case "count":
		return lua.LNumber(n), true
	case "sum":
		var total float64
		for _, v := range vals {
			total += v
		}
		return lua.LNumber(total), true
	case "avg":
		if len(vals) == 0 {
			return lua.LNil, true
		}
		var total float64
		for _, v := range vals {
			total += v
		}
		return lua.LNumber(total / float64(len(vals))), true
	case "min", "max":
		if len(vals) == 0 {
			return lua.LNil, true
		}
		best := vals[0]
		for _, v := range vals[1:] {
			if (agg == "min" && v < best) || (agg == "max" && v > best) {
				best = v
			}
		}
		return lua.LNumber(best), true
	}
	return lua.LNil, false
}

// verbJoin left-joins right onto left by a shared field: join(left, right, field).
// Columns already present on the left row win.
func verbJoin(L *lua.LState) int {
	left := rows(L, 1)
	right := rows(L, 2)
	field := L.CheckString(3)

	index := make(map[string]*lua.LTable, len(right))
	for _, r := range right {
		k := r.RawGetString(field)
		if k == lua.LNil {
			continue
		}
		id := lua.LVAsString(k)
		if _, dup := index[id]; !dup {
			index[id] = r
		}
	}

	out := make([]*lua.LTable, 0, len(left))
	for _, l := range left {
		row := L.CreateTable(0, 8)
		l.ForEach(func(k, v lua.LValue) { row.RawSet(k, v) })
		if match, ok := index[lua.LVAsString(l.RawGetString(field))]; ok {
			match.ForEach(func(k, v lua.LValue) {
				if row.RawGet(k) == lua.LNil {
					row.RawSet(k, v)
				}
			})
		}
		out = append(out, row)
	}
	return pushRows(L, out)
}

func verbDistinct(L *lua.LState) int {
	rs := rows(L, 1)
	field := L.CheckString(2)
	seen := make(map[string]bool)
	out := L.CreateTable(0, 0)
	for _, r := range rs {
		v := r.RawGetString(field)
		if v == lua.LNil {
			continue
		}
		id := v.Type().String() + ":" + lua.LVAsString(v)
		if seen[id] {
			continue
		}
		seen[id] = true
		out.Append(v)
	}
	L.Push(out)
	return 1
}

func verbRound(L *lua.LState) int {
	x := float64(L.CheckNumber(1))
	digits := L.OptInt(2, 0)
	scale := math.Pow(10, float64(digits))
	L.Push(lua.LNumber(math.Round(x*scale) / scale))
	return 1
}
