package refsync

import (
	"context"

	"github.com/deskbridge/deskbridge/internal/datastore/legacy"
)

// relationTargets holds the target record ids of referenced legacy ids,
// keyed by domain.
type relationTargets map[string]map[int64]string

func (r relationTargets) lookup(domain string, id int64) (string, bool) {
	to, ok := r[domain][id]
	return to, ok
}

// resolveRelations looks up, through the referenced domains' ledgers, the
// target records of every relation in rows. Unsynced references are absent
// from the result. Hits are cached; misses are not, since the referenced row
// may be synced later.
func (e *Engine) resolveRelations(ctx context.Context, d *Domain, rows []legacy.ReferenceRow) (relationTargets, error) {
	out := make(relationTargets, len(d.Relations))
	for _, rel := range d.Relations {
		resolved := out[rel.Domain]
		if resolved == nil {
			resolved = make(map[int64]string)
			out[rel.Domain] = resolved
		}

		var lookup []int64
		for i := range rows {
			ref, ok := referencedID(rows[i].Values[rel.SourceKey])
			if !ok {
				continue
			}
			if cached, ok := e.targets.Get(cacheKey(rel.Domain, ref)); ok {
				resolved[ref] = cached.(string)
				continue
			}
			lookup = append(lookup, ref)
		}
		if len(lookup) == 0 {
			continue
		}

		found, err := e.ledger.TargetIDs(ctx, rel.Domain, lookup)
		if err != nil {
			return nil, err
		}
		for ref, to := range found {
			resolved[ref] = to
			e.targets.SetDefault(cacheKey(rel.Domain, ref), to)
		}
	}
	return out, nil
}

func referencedID(v any) (int64, bool) {
	switch id := v.(type) {
	case int64:
		return id, id > 0
	case int:
		return int64(id), id > 0
	default:
		return 0, false
	}
}
