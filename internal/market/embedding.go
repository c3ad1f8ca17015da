package market

import (
	"hash/fnv"
	"math"
	"strings"
	"sync"
)

// Embedder maps text to a vector for semantic comparison. ok is false when
// no vector is available, which scores as zero similarity.
type Embedder interface {
	Embed(text string) (vec []float64, ok bool)
}

// NoopEmbedder never produces vectors. Matching degrades to text and dates.
type NoopEmbedder struct{}

func (NoopEmbedder) Embed(string) ([]float64, bool) { return nil, false }

// HashedEmbedder is a bag-of-words vectorizer: every normalized token and
// adjacent token pair is hashed into one of Dims buckets.
type HashedEmbedder struct {
	Dims int
}

// NewHashedEmbedder returns a HashedEmbedder with 256 dimensions.
func NewHashedEmbedder() HashedEmbedder { return HashedEmbedder{Dims: 256} }

func (h HashedEmbedder) Embed(text string) ([]float64, bool) {
	dims := h.Dims
	if dims <= 0 {
		dims = 256
	}
	tokens := strings.Fields(NormalizeTitle(text))
	if len(tokens) == 0 {
		return nil, false
	}
	vec := make([]float64, dims)
	add := func(tok string, w float64) {
		f := fnv.New32a()
		_, _ = f.Write([]byte(tok))
		vec[int(f.Sum32()%uint32(dims))] += w
	}
	for i, tok := range tokens {
		add(tok, 1)
		if i > 0 {
			add(tokens[i-1]+" "+tok, 0.5)
		}
	}
	return vec, true
}

// CachingEmbedder memoizes another Embedder per input text.
type CachingEmbedder struct {
	inner Embedder

	mu    sync.Mutex
	cache map[string][]float64
}

// NewCachingEmbedder wraps inner.
func NewCachingEmbedder(inner Embedder) *CachingEmbedder {
	return &CachingEmbedder{inner: inner, cache: make(map[string][]float64)}
}

func (c *CachingEmbedder) Embed(text string) ([]float64, bool) {
	c.mu.Lock()
	v, ok := c.cache[text]
	c.mu.Unlock()
	if ok {
		return v, v != nil
	}
	v, ok = c.inner.Embed(text)
	if !ok {
		v = nil
	}
	c.mu.Lock()
	c.cache[text] = v
	c.mu.Unlock()
	return v, ok
}

// Len returns the number of memoized texts.
func (c *CachingEmbedder) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}

// Cosine returns the cosine similarity of a and b, or 0 when either is empty,
// zero or the lengths differ.
func Cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// NewEmbedder selects an embedder by config name: "hashed" or anything
// else for none.
func NewEmbedder(name string) Embedder {
	if strings.EqualFold(name, "hashed") {
		return NewCachingEmbedder(NewHashedEmbedder())
	}
	return NoopEmbedder{}
}
