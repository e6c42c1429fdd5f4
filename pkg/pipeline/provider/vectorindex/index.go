// Package vectorindex is an in-process similarity index over metric names.
//
// Names are embedded as character-trigram count vectors and compared by
// cosine similarity. Each datasource has its own catalog.
package vectorindex

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"

	"github.com/randalmurphal/dashflow/pkg/pipeline/provider"
)

// ErrNoCatalog is returned when searching a datasource with nothing indexed.
var ErrNoCatalog = errors.New("no metrics indexed for datasource")

// Index implements provider.MetricSearcher. It is safe for concurrent use.
type Index struct {
	mu       sync.RWMutex
	catalogs map[string]*catalog
}

var _ provider.MetricSearcher = (*Index)(nil)

type catalog struct {
	names   []string
	vectors []vector
	ids     map[string]bool
}

type vector struct {
	grams map[string]float64
	norm  float64
}

// New creates an empty index.
func New() *Index {
	return &Index{catalogs: make(map[string]*catalog)}
}

// Store adds metric names to a datasource's catalog and returns how many
// were new.
func (ix *Index) Store(datasourceID string, metrics []string) int {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	c, ok := ix.catalogs[datasourceID]
	if !ok {
		c = &catalog{ids: make(map[string]bool)}
		ix.catalogs[datasourceID] = c
	}

	added := 0
	for _, m := range metrics {
		if m == "" || c.ids[m] {
			continue
		}
		c.ids[m] = true
		c.names = append(c.names, m)
		c.vectors = append(c.vectors, embed(m))
		added++
	}
	return added
}

// Len returns the number of metrics indexed for a datasource.
func (ix *Index) Len(datasourceID string) int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if c, ok := ix.catalogs[datasourceID]; ok {
		return len(c.names)
	}
	return 0
}

// Delete drops a datasource's catalog. It reports whether one existed.
func (ix *Index) Delete(datasourceID string) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	_, ok := ix.catalogs[datasourceID]
	delete(ix.catalogs, datasourceID)
	return ok
}

type match struct {
	name  string
	score float64
}

// SearchSimilarMetrics returns up to maxResults indexed names per input name,
// best first. Results for later inputs that repeat earlier ones are dropped.
func (ix *Index) SearchSimilarMetrics(ctx context.Context, metricNames []string, datasourceID string, maxResults int) ([]string, error) {
	if maxResults <= 0 {
		return nil, fmt.Errorf("vectorindex: maxResults must be positive, got %d", maxResults)
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	c, ok := ix.catalogs[datasourceID]
	if !ok || len(c.names) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoCatalog, datasourceID)
	}

	seen := make(map[string]bool)
	var out []string
	for _, name := range metricNames {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, m := range c.nearest(embed(name), maxResults) {
			if !seen[m.name] {
				seen[m.name] = true
				out = append(out, m.name)
			}
		}
	}
	return out, nil
}

// nearest ranks the catalog against q. Zero-similarity entries are skipped.
func (c *catalog) nearest(q vector, k int) []match {
	var matches []match
	for i, v := range c.vectors {
		if s := cosine(q, v); s > 0 {
			matches = append(matches, match{name: c.names[i], score: s})
		}
	}
	slices.SortFunc(matches, func(a, b match) int {
		if d := cmp.Compare(b.score, a.score); d != 0 {
			return d
		}
		return cmp.Compare(a.name, b.name)
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches
}

// embed counts the character trigrams of the lowercased, padded name.
func embed(name string) vector {
	padded := "  " + strings.ToLower(strings.TrimSpace(name)) + " "
	runes := []rune(padded)
	grams := make(map[string]float64)
	for i := 0; i+3 <= len(runes); i++ {
		grams[string(runes[i:i+3])]++
	}
	var sum float64
	for _, n := range grams {
		sum += n * n
	}
	return vector{grams: grams, norm: math.Sqrt(sum)}
}

func cosine(a, b vector) float64 {
	if a.norm == 0 || b.norm == 0 {
		return 0
	}
	small, large := a.grams, b.grams
	if len(small) > len(large) {
		small, large = large, small
	}
	var dot float64
	for g, n := range small {
		dot += n * large[g]
	}
	return dot / (a.norm * b.norm)
}
