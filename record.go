package recordsync

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"

	"github.com/burugo/recordsync/internal/utils"
)

// IDField is the field every record carries its identifier in.
const IDField = "id"

// ID is the canonical string form of a record identifier. Providers may use
// numeric keys; IDOf folds them into the same form so that 1, int64(1),
// float64(1) and "1" name the same record.
type ID string

// IDOf normalizes an identifier value coming from a provider or a caller.
func IDOf(v interface{}) ID {
	switch x := v.(type) {
	case nil:
		return ""
	case ID:
		return x
	case string:
		return ID(x)
	case []byte:
		return ID(x)
	case int:
		return ID(strconv.Itoa(x))
	case int32:
		return ID(strconv.FormatInt(int64(x), 10))
	case int64:
		return ID(strconv.FormatInt(x, 10))
	case uint:
		return ID(strconv.FormatUint(uint64(x), 10))
	case uint32:
		return ID(strconv.FormatUint(uint64(x), 10))
	case uint64:
		return ID(strconv.FormatUint(x, 10))
	case float32:
		return IDOf(float64(x))
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			return ID(strconv.FormatInt(int64(x), 10))
		}
		return ID(strconv.FormatFloat(x, 'f', -1, 64))
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return ID(strconv.FormatInt(i, 10))
		}
		return ID(x.String())
	case fmt.Stringer:
		return ID(x.String())
	default:
		return ID(fmt.Sprint(v))
	}
}

// IDsOf normalizes a list of identifier values.
func IDsOf(values ...interface{}) []ID {
	ids := make([]ID, 0, len(values))
	for _, v := range values {
		ids = append(ids, IDOf(v))
	}
	return ids
}

func sortedIDs(ids []ID) []ID {
	out := make([]ID, 0, len(ids))
	seen := make(map[ID]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func idSet(ids []ID) map[ID]struct{} {
	set := make(map[ID]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// Record is an immutable snapshot of one resource row. Methods that change a
// record return a new map; a Record handed out by the cache must never be
// written to.
type Record map[string]interface{}

// ID returns the normalized identifier of the record.
func (r Record) ID() ID {
	if r == nil {
		return ""
	}
	return IDOf(r[IDField])
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = utils.CloneValue(v)
	}
	return out
}

// Merge returns a new record holding r overlaid with patch.
func (r Record) Merge(patch Record) Record {
	out := make(Record, len(r)+len(patch))
	for k, v := range r {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = utils.CloneValue(v)
	}
	return out
}

// With returns a new record with field set to value.
func (r Record) With(field string, value interface{}) Record {
	return r.Merge(Record{field: value})
}

// Without returns a copy of the record minus the given fields.
func (r Record) Without(fields ...string) Record {
	out := r.Clone()
	if out == nil {
		out = Record{}
	}
	for _, f := range fields {
		delete(out, f)
	}
	return out
}

// Diff returns the fields of r whose value differs from prev. The id field is
// never part of a diff.
func (r Record) Diff(prev Record) Record {
	changed := Record{}
	for k, v := range r {
		if k == IDField {
			continue
		}
		old, ok := prev[k]
		if !ok || !reflect.DeepEqual(old, v) {
			changed[k] = v
		}
	}
	return changed
}

// Equal reports whether two records hold the same fields and values.
func (r Record) Equal(other Record) bool {
	return reflect.DeepEqual(r, other)
}
