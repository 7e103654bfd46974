package extract

import (
	"sort"

	"github.com/sells-group/evidence-cli/internal/model"
)

// MergeChunks joins per-query results. Each chunk id appears once, at the
// position of the first query (in declaration order) that returned it;
// within a query chunks are ordered by score desc, then chunk id. The
// result is truncated to total. Inputs are not modified.
func MergeChunks(perQuery [][]model.RetrievedChunk, total int) []model.RetrievedChunk {
	seen := make(map[string]bool)
	var out []model.RetrievedChunk
	for _, chunks := range perQuery {
		sorted := append([]model.RetrievedChunk(nil), chunks...)
		sort.SliceStable(sorted, func(i, j int) bool {
			if sorted[i].Score != sorted[j].Score {
				return sorted[i].Score > sorted[j].Score
			}
			return sorted[i].ChunkID < sorted[j].ChunkID
		})
		for _, c := range sorted {
			if seen[c.ChunkID] {
				continue
			}
			seen[c.ChunkID] = true
			out = append(out, c)
		}
	}
	if total > 0 && len(out) > total {
		out = out[:total]
	}
	if out == nil {
		out = []model.RetrievedChunk{}
	}
	return out
}
