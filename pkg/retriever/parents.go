package retriever

import (
	"context"

	"github.com/contexa/ragengine/pkg/domain"
)

// ParentLookup resolves parent chunk ids to their stored content. The
// ingestion tracker satisfies this.
type ParentLookup interface {
	GetParents(ctx context.Context, tenantID string, parentIDs []string) (map[string]domain.ParentChunk, error)
}

// ExpandParents maps retrieved child chunks to the distinct parent chunks
// they came from, preserving the children's ranking order. Children whose
// parent mapping is missing fall back to their own content so a stale index
// entry cannot blank out the context.
func ExpandParents(ctx context.Context, lookup ParentLookup, tenantID string, chunks []domain.RetrievedChunk) ([]domain.ParentChunk, error) {
	if len(chunks) == 0 {
		return nil, nil
	}

	seen := make(map[string]struct{}, len(chunks))
	ids := make([]string, 0, len(chunks))
	for _, c := range chunks {
		if c.ParentID == "" {
			continue
		}
		if _, ok := seen[c.ParentID]; ok {
			continue
		}
		seen[c.ParentID] = struct{}{}
		ids = append(ids, c.ParentID)
	}

	parents := map[string]domain.ParentChunk{}
	if len(ids) > 0 {
		got, err := lookup.GetParents(ctx, tenantID, ids)
		if err != nil {
			return nil, err
		}
		parents = got
	}

	out := make([]domain.ParentChunk, 0, len(chunks))
	emitted := make(map[string]struct{}, len(chunks))
	for _, c := range chunks {
		if c.ParentID != "" {
			if p, ok := parents[c.ParentID]; ok {
				if _, dup := emitted[c.ParentID]; !dup {
					emitted[c.ParentID] = struct{}{}
					out = append(out, p)
				}
				continue
			}
		}
		key := "chunk:" + c.ChunkID
		if _, dup := emitted[key]; dup {
			continue
		}
		emitted[key] = struct{}{}
		out = append(out, domain.ParentChunk{
			ParentID: c.ParentID,
			TenantID: tenantID,
			Content:  c.Content,
		})
	}
	return out, nil
}
