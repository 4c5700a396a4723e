package registry

import (
	"context"
	"strings"
	"time"

	"github.com/vayulabs/vayu-gateway/internal/domain/schema"
)

// SearchFilters narrows a search beyond the free-form query.
type SearchFilters struct {
	Exchange       schema.Exchange
	InstrumentType schema.InstrumentType
	Limit          int
}

// Search runs a fuzzy instrument search. Derivative hints parsed out of the
// query (strike, expiry, option type) filter the candidate set; when the
// filtered set is empty the unfiltered fuzzy candidates are returned so a
// near-miss query still surfaces something useful.
func (r *Registry) Search(ctx context.Context, query string, filters SearchFilters) ([]schema.InstrumentRecord, bool, error) {
	parsed := ParseFOQuery(query)
	limit := filters.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	pattern := parsed.Underlying
	if pattern == "" {
		pattern = strings.TrimSpace(query)
	}
	candidates, err := r.store.SearchLike(ctx, "%"+likeEscape(pattern)+"%", limit*4)
	if err != nil {
		return nil, false, err
	}
	candidates = applyFilters(candidates, filters)

	if !parsed.Parsed() {
		return truncate(candidates, limit), false, nil
	}

	now := time.Now().UTC()
	matched := make([]schema.InstrumentRecord, 0, len(candidates))
	for _, record := range candidates {
		if parsed.Matches(record, now) {
			matched = append(matched, record)
		}
	}
	if len(matched) == 0 {
		// Fuzzy fallback: hints matched nothing, return the loose candidates.
		return truncate(candidates, limit), true, nil
	}
	return truncate(matched, limit), true, nil
}

func applyFilters(records []schema.InstrumentRecord, filters SearchFilters) []schema.InstrumentRecord {
	if filters.Exchange == "" && filters.InstrumentType == "" {
		return records
	}
	kept := records[:0]
	for _, record := range records {
		if filters.Exchange != "" && record.Exchange != filters.Exchange {
			continue
		}
		if filters.InstrumentType != "" && record.InstrumentType != filters.InstrumentType {
			continue
		}
		kept = append(kept, record)
	}
	return kept
}

func truncate(records []schema.InstrumentRecord, limit int) []schema.InstrumentRecord {
	if len(records) > limit {
		return records[:limit]
	}
	return records
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func likeEscape(s string) string { return likeEscaper.Replace(s) }
