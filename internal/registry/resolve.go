package registry

import (
	"context"

	"github.com/vayulabs/vayu-gateway/internal/domain/schema"
	"github.com/vayulabs/vayu-gateway/internal/observability"
)

// ResolveExchange maps tokens to exchanges. Precedence: live instrument
// table, then the mappings table populated by sync, then the hard-coded index
// table. Tokens with no resolution are absent from the result; callers must
// surface them, never default them.
func (r *Registry) ResolveExchange(ctx context.Context, tokens []int32) (map[int32]schema.Exchange, error) {
	resolved := make(map[int32]schema.Exchange, len(tokens))
	if len(tokens) == 0 {
		return resolved, nil
	}

	unique := dedupeTokens(tokens)

	live, err := r.store.ResolveLive(ctx, unique)
	if err != nil {
		return nil, err
	}
	for token, exchange := range live {
		resolved[token] = exchange
	}

	remaining := missing(unique, resolved)
	if len(remaining) > 0 {
		mapped, err := r.store.ResolveMappings(ctx, remaining)
		if err != nil {
			return nil, err
		}
		for token, exchange := range mapped {
			resolved[token] = exchange
		}
	}

	for _, token := range missing(unique, resolved) {
		if exchange, ok := IndexExchange(token); ok {
			resolved[token] = exchange
		}
	}

	if unresolvedCount := len(unique) - len(resolved); unresolvedCount > 0 {
		observability.Log().Debug("tokens left unresolved",
			observability.F("requested", len(unique)),
			observability.F("unresolved", unresolvedCount))
	}
	return resolved, nil
}

func dedupeTokens(tokens []int32) []int32 {
	seen := make(map[int32]struct{}, len(tokens))
	unique := make([]int32, 0, len(tokens))
	for _, token := range tokens {
		if _, dup := seen[token]; dup {
			continue
		}
		seen[token] = struct{}{}
		unique = append(unique, token)
	}
	return unique
}

func missing(tokens []int32, resolved map[int32]schema.Exchange) []int32 {
	var rest []int32
	for _, token := range tokens {
		if _, ok := resolved[token]; !ok {
			rest = append(rest, token)
		}
	}
	return rest
}
