// Package listing evaluates list parameters (filters, sort and pagination)
// against in-memory records. The memory and redis providers serve get-list
// with it; the sqlite provider compiles the same conditions into SQL.
package listing

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/burugo/recordsync"
)

// Op is a filter comparison.
type Op string

const (
	OpEq     Op = "="
	OpNeq    Op = "!="
	OpGt     Op = ">"
	OpGte    Op = ">="
	OpLt     Op = "<"
	OpLte    Op = "<="
	OpIn     Op = "IN"
	OpSearch Op = "SEARCH" // "q": case-insensitive substring over every string field
)

// SearchField is the filter key of full-text search.
const SearchField = "q"

var suffixes = []struct {
	suffix string
	op     Op
}{
	{"_gte", OpGte},
	{"_lte", OpLte},
	{"_neq", OpNeq},
	{"_gt", OpGt},
	{"_lt", OpLt},
}

// Condition is one parsed filter entry.
type Condition struct {
	Field string
	Op    Op
	Value interface{}
}

// ParseFilter turns a filter map into conditions, sorted by field so that
// compiled queries are stable. A slice value means IN; the suffixes _gt,
// _gte, _lt, _lte and _neq select a comparison.
func ParseFilter(filter map[string]interface{}) []Condition {
	conds := make([]Condition, 0, len(filter))
	for key, value := range filter {
		if key == SearchField {
			conds = append(conds, Condition{Field: key, Op: OpSearch, Value: value})
			continue
		}
		cond := Condition{Field: key, Op: OpEq, Value: value}
		for _, s := range suffixes {
			if strings.HasSuffix(key, s.suffix) && len(key) > len(s.suffix) {
				cond.Field = strings.TrimSuffix(key, s.suffix)
				cond.Op = s.op
				break
			}
		}
		if cond.Op == OpEq {
			if values, ok := asSlice(value); ok {
				cond.Op = OpIn
				cond.Value = values
			}
		}
		conds = append(conds, cond)
	}
	sort.Slice(conds, func(i, j int) bool {
		if conds[i].Field != conds[j].Field {
			return conds[i].Field < conds[j].Field
		}
		return conds[i].Op < conds[j].Op
	})
	return conds
}

func asSlice(v interface{}) ([]interface{}, bool) {
	switch x := v.(type) {
	case []interface{}:
		return x, true
	case []string:
		out := make([]interface{}, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out, true
	case []recordsync.ID:
		out := make([]interface{}, len(x))
		for i, id := range x {
			out[i] = string(id)
		}
		return out, true
	case []int:
		out := make([]interface{}, len(x))
		for i, n := range x {
			out[i] = n
		}
		return out, true
	}
	return nil, false
}

// Match reports whether rec satisfies every condition.
func Match(rec recordsync.Record, conds []Condition) bool {
	for _, c := range conds {
		if !matchOne(rec, c) {
			return false
		}
	}
	return true
}

func matchOne(rec recordsync.Record, c Condition) bool {
	if c.Op == OpSearch {
		needle := strings.ToLower(fmt.Sprint(c.Value))
		for _, v := range rec {
			if s, ok := v.(string); ok && strings.Contains(strings.ToLower(s), needle) {
				return true
			}
		}
		return false
	}

	actual, present := rec[c.Field]
	switch c.Op {
	case OpEq:
		if values, ok := asSlice(actual); ok {
			// Array fields match when they contain the value.
			for _, v := range values {
				if Equal(v, c.Value) {
					return true
				}
			}
			return false
		}
		return present && Equal(actual, c.Value)
	case OpNeq:
		return !present || !Equal(actual, c.Value)
	case OpIn:
		values, _ := c.Value.([]interface{})
		for _, v := range values {
			if Equal(actual, v) {
				return true
			}
		}
		return false
	case OpGt:
		return present && Compare(actual, c.Value) > 0
	case OpGte:
		return present && Compare(actual, c.Value) >= 0
	case OpLt:
		return present && Compare(actual, c.Value) < 0
	case OpLte:
		return present && Compare(actual, c.Value) <= 0
	}
	return false
}

// Equal compares two scalar values loosely: numbers by value, everything
// else by its string form, so 1 matches "1".
func Equal(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// Compare orders two scalar values. Nil sorts first, numbers numerically,
// booleans false before true and everything else by string form.
func Compare(a, b interface{}) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			}
			return 0
		}
	}
	if ba, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			switch {
			case ba == bb:
				return 0
			case !ba:
				return -1
			}
			return 1
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func toFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	case recordsync.ID:
		f, err := strconv.ParseFloat(string(x), 64)
		return f, err == nil
	}
	return 0, false
}

// SortRecords orders records in place by one field. Ties keep their
// original order.
func SortRecords(records []recordsync.Record, s recordsync.Sort) {
	if s.Field == "" {
		return
	}
	desc := strings.EqualFold(string(s.Order), string(recordsync.SortDesc))
	sort.SliceStable(records, func(i, j int) bool {
		c := Compare(records[i][s.Field], records[j][s.Field])
		if desc {
			return c > 0
		}
		return c < 0
	})
}

// Paginate returns the page of records described by p.
func Paginate(records []recordsync.Record, p recordsync.Pagination) []recordsync.Record {
	if p.PerPage <= 0 {
		return records
	}
	start := p.Offset()
	if start >= len(records) {
		return []recordsync.Record{}
	}
	end := start + p.PerPage
	if end > len(records) {
		end = len(records)
	}
	return records[start:end]
}

// Apply filters, sorts and paginates records. The input slice is not
// reordered.
func Apply(records []recordsync.Record, params recordsync.ListParams) recordsync.ListResult {
	conds := ParseFilter(params.Filter)
	matched := make([]recordsync.Record, 0, len(records))
	for _, rec := range records {
		if Match(rec, conds) {
			matched = append(matched, rec)
		}
	}
	SortRecords(matched, params.Sort)
	return recordsync.ListResult{
		Data:  Paginate(matched, params.Pagination),
		Total: len(matched),
	}
}
