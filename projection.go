package recordsync

import (
	"reflect"
)

// ProjectionID identifies an applied optimistic projection.
type ProjectionID string

// ProjectFunc computes the optimistic version of one record. Returning
// keep=false removes the record from the view. Implementations must not
// modify prev.
type ProjectFunc func(prev Record) (next Record, keep bool)

// MergeProjection overlays data onto every affected record.
func MergeProjection(data Record) ProjectFunc {
	return func(prev Record) (Record, bool) {
		next := prev.Merge(data)
		next[IDField] = prev[IDField]
		return next, true
	}
}

// RemoveProjection drops every affected record from the view.
func RemoveProjection() ProjectFunc {
	return func(Record) (Record, bool) { return nil, false }
}

// projection is an overlay layered over retained server snapshots. It applies
// while pending, and after commit only to entries whose server answer was
// fetched before the commit.
type projection struct {
	id         ProjectionID
	resource   string
	ids        map[ID]struct{}
	fn         ProjectFunc
	seq        uint64
	settledSeq uint64
}

func (p *projection) settled() bool { return p.settledSeq != 0 }

func (p *projection) appliesTo(e *entry) bool {
	if p.resource != e.key.Resource {
		return false
	}
	if !p.settled() {
		return true
	}
	return e.serverSeq < p.settledSeq
}

// apply returns d unchanged when no affected record is present.
func (p *projection) apply(kind QueryKind, d *Data) *Data {
	if d == nil {
		return nil
	}
	switch kind {
	case KindGetOne:
		if d.Record == nil {
			return d
		}
		if _, ok := p.ids[d.Record.ID()]; !ok {
			return d
		}
		next, keep := p.fn(d.Record)
		if !keep {
			return &Data{Total: 0}
		}
		return &Data{Record: next, Total: 1}
	default:
		var out []Record
		removed := 0
		for i, rec := range d.Records {
			if _, ok := p.ids[rec.ID()]; !ok {
				if out != nil {
					out = append(out, rec)
				}
				continue
			}
			if out == nil {
				out = make([]Record, i, len(d.Records))
				copy(out, d.Records[:i])
			}
			next, keep := p.fn(rec)
			if !keep {
				removed++
				continue
			}
			out = append(out, next)
		}
		if out == nil {
			return d
		}
		total := d.Total - removed
		if total < 0 {
			total = 0
		}
		return &Data{Records: out, Total: total}
	}
}

func dataEqual(a, b *Data) bool {
	if a == b {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return reflect.DeepEqual(a, b)
}

// recordsIn returns the affected records visible in d.
func recordsIn(kind QueryKind, d *Data, ids map[ID]struct{}) []Record {
	if d == nil {
		return nil
	}
	if kind == KindGetOne {
		if d.Record != nil {
			if _, ok := ids[d.Record.ID()]; ok {
				return []Record{d.Record}
			}
		}
		return nil
	}
	var out []Record
	for _, rec := range d.Records {
		if _, ok := ids[rec.ID()]; ok {
			out = append(out, rec)
		}
	}
	return out
}
