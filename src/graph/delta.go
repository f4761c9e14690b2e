package graph

import (
	"github.com/thought-machine/querysync/src/query"
)

// ApplyDelta merges the results of a partial query into a previous query summary and builds a
// new graph from the result. Everything in a re-queried or deleted package is replaced wholesale
// by what the partial query returned, so the new graph is the same as one built from a full query.
// The new graph starts with an empty memo.
func ApplyDelta(previous, partial *query.Summary, requeried, deleted []string, kinds Kinds, workspaceRoot string) (*BuildGraph, *query.Summary, error) {
	merged := previous.ApplyDelta(partial, requeried, deleted)
	g, err := Build(merged.Records(), kinds, workspaceRoot)
	if err != nil {
		return nil, nil, err
	}
	log.Info("Updated %d packages and removed %d; graph now has %d labels", len(requeried), len(deleted), len(g.nodes))
	return g, merged, nil
}
