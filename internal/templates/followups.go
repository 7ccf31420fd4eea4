package templates

import (
	"context"
	"errors"
	"log/slog"
)

// FollowUps loads the one-hop follow-up templates of id in declared order.
// Edges whose target no longer exists are skipped.
func FollowUps(ctx context.Context, store Store, id string) ([]Template, error) {
	ids, err := store.ListFollowUps(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]Template, 0, len(ids))
	for _, target := range ids {
		t, err := store.Get(ctx, target)
		if errors.Is(err, ErrNotFound) {
			slog.Debug("templates: dangling follow-up", "source", id, "target", target)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, nil
}

// Visit is called once per reachable template with its hop distance from the
// starting template. Returning false prunes the walk below that template.
type Visit func(t *Template, depth int) bool

// Walk traverses the follow-up graph breadth-first from id, visiting each
// template at most once. The graph may contain cycles. The starting template
// itself is not visited. maxDepth <= 0 means one hop.
func Walk(ctx context.Context, store Store, id string, maxDepth int, fn Visit) error {
	if maxDepth <= 0 {
		maxDepth = 1
	}
	visited := map[string]bool{id: true}
	frontier := []string{id}

	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, src := range frontier {
			if err := ctx.Err(); err != nil {
				return err
			}
			targets, err := store.ListFollowUps(ctx, src)
			if err != nil {
				return err
			}
			for _, target := range targets {
				if visited[target] {
					continue
				}
				visited[target] = true
				t, err := store.Get(ctx, target)
				if errors.Is(err, ErrNotFound) {
					continue
				}
				if err != nil {
					return err
				}
				if fn(t, depth) {
					next = append(next, target)
				}
			}
		}
		frontier = next
	}
	return nil
}
