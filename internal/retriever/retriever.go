// Package retriever assembles the markdown context bundle handed to a
// downstream coding agent: the three tier files plus a ranked list of
// chunks relevant to the task at hand.
package retriever

import (
	"fmt"
	"sort"
	"strings"

	"github.com/antigravity-dev/mnemo/internal/config"
	"github.com/antigravity-dev/mnemo/internal/embedding"
	"github.com/antigravity-dev/mnemo/internal/store"
	"github.com/antigravity-dev/mnemo/internal/tier"
)

// SearchFunc is a chunk-search backend override. The shared-backend client
// installs one here so its retry/fallback read path serves retrieval in
// place of the local store.
type SearchFunc func(scope store.Scope, query string, topK int) ([]*store.Chunk, error)

// Retriever assembles context bundles for a task string.
type Retriever struct {
	store  *store.Store
	tier   *tier.Store
	cfg    config.Retrieval
	search SearchFunc
}

func New(st *store.Store, tierStore *tier.Store, cfg config.Retrieval) *Retriever {
	if cfg.Backend == "" {
		cfg.Backend = "fts5"
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.FusionK <= 0 {
		cfg.FusionK = 60
	}
	if cfg.RerankCandidateK <= 0 {
		cfg.RerankCandidateK = 20
	}
	if cfg.EmbeddingDimensions <= 0 {
		cfg.EmbeddingDimensions = embedding.DefaultDimensions
	}
	return &Retriever{store: st, tier: tierStore, cfg: cfg}
}

// WithSearch overrides the FTS search backend and returns r.
func (r *Retriever) WithSearch(fn SearchFunc) *Retriever {
	r.search = fn
	return r
}

func (r *Retriever) searchFTS(scope store.Scope, query string, topK int) ([]*store.Chunk, error) {
	if r.search != nil {
		return r.search(scope, query, topK)
	}
	return r.store.SearchChunksFTS(scope, query, topK)
}

// Assemble builds the full markdown bundle for task.
func (r *Retriever) Assemble(scope store.Scope, task string) (string, error) {
	guardrails, err := r.tier.ReadTier(tier.Guardrails)
	if err != nil {
		return "", err
	}
	style, err := r.tier.ReadTier(tier.Style)
	if err != nil {
		return "", err
	}
	recent, err := r.tier.ReadTier(tier.Recent)
	if err != nil {
		return "", err
	}

	relevant, err := r.Retrieve(scope, task)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Context for: %s\n\n", task)
	fmt.Fprintf(&b, "## Guardrails\n%s\n\n", strings.TrimSpace(guardrails))
	fmt.Fprintf(&b, "## Style\n%s\n\n", strings.TrimSpace(style))
	fmt.Fprintf(&b, "## Recent\n%s\n\n", strings.TrimSpace(recent))
	fmt.Fprintf(&b, "## Relevant to %q\n", task)
	for i, c := range relevant {
		fmt.Fprintf(&b, "%d. (%s) %s [%s]\n", i+1, c.Label, c.Content, strings.Join(c.Tags, ", "))
	}

	return b.String(), nil
}

// Retrieve returns the ranked chunks relevant to task, per the configured
// backend, without the tier preamble.
func (r *Retriever) Retrieve(scope store.Scope, task string) ([]*store.Chunk, error) {
	var ranked []*store.Chunk
	var err error
	switch r.cfg.Backend {
	case "hybrid":
		ranked, err = r.hybridSearch(scope, task)
	default:
		ranked, err = r.searchFTS(scope, task, r.cfg.TopK)
	}
	if err != nil {
		return nil, err
	}

	if r.cfg.RerankEnabled {
		ranked = rerank(ranked, r.cfg.RerankCandidateK, r.cfg.TopK)
	} else if len(ranked) > r.cfg.TopK {
		ranked = ranked[:r.cfg.TopK]
	}
	return ranked, nil
}

// hybridSearch fuses FTS rank with embedding cosine similarity via
// reciprocal-rank-fusion, parameterized by fusion_k.
func (r *Retriever) hybridSearch(scope store.Scope, task string) ([]*store.Chunk, error) {
	ftsResults, err := r.searchFTS(scope, task, r.cfg.RerankCandidateK)
	if err != nil {
		return nil, err
	}

	embedded, err := r.store.ListChunksWithEmbeddings(scope)
	if err != nil {
		return nil, err
	}
	taskVec := embedding.Vector(task, r.cfg.EmbeddingDimensions)
	type scored struct {
		chunk *store.Chunk
		sim   float64
	}
	var bySim []scored
	for _, c := range embedded {
		bySim = append(bySim, scored{chunk: c, sim: embedding.Cosine(taskVec, c.Embedding)})
	}
	sort.SliceStable(bySim, func(i, j int) bool { return bySim[i].sim > bySim[j].sim })

	fused := map[string]float64{}
	byID := map[string]*store.Chunk{}
	for rank, c := range ftsResults {
		fused[c.ID] += 1.0 / float64(r.cfg.FusionK+rank+1)
		byID[c.ID] = c
	}
	for rank, s := range bySim {
		if rank >= r.cfg.RerankCandidateK {
			break
		}
		fused[s.chunk.ID] += 1.0 / float64(r.cfg.FusionK+rank+1)
		byID[s.chunk.ID] = s.chunk
	}

	var ids []string
	for id := range fused {
		ids = append(ids, id)
	}
	sort.SliceStable(ids, func(i, j int) bool { return fused[ids[i]] > fused[ids[j]] })

	out := make([]*store.Chunk, 0, len(ids))
	for _, id := range ids {
		out = append(out, byID[id])
	}
	return out, nil
}

// rerank is a placeholder narrowing step: it keeps the first
// candidateK results (already ranked by the backend) and trims to topK.
// A real cross-encoder reranker would replace this scoring step without
// changing the candidate-gathering contract above it.
func rerank(candidates []*store.Chunk, candidateK, topK int) []*store.Chunk {
	if len(candidates) > candidateK {
		candidates = candidates[:candidateK]
	}
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}
	return candidates
}
