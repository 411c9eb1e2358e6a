package embed

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// Local is a deterministic, offline embedding provider using the feature
// hashing trick: tokens (and adjacent bigrams) are hashed into a fixed
// number of signed buckets and the result is L2-normalized. It captures
// lexical overlap only, which is enough for catalog search without an
// external model and keeps tests hermetic.
type Local struct {
	dim int
}

// NewLocal creates a local provider with the given vector width.
func NewLocal(dimension int) *Local {
	return &Local{dim: dimension}
}

// Embed implements Provider.
func (l *Local) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, l.dim)

	tokens := tokenize(text)
	for i, tok := range tokens {
		addFeature(vec, tok)
		if i > 0 {
			addFeature(vec, tokens[i-1]+" "+tok)
		}
	}

	normalize(vec)
	return vec, nil
}

func addFeature(vec []float32, feature string) {
	h := fnv.New64a()
	h.Write([]byte(feature))
	sum := h.Sum64()

	idx := int(sum % uint64(len(vec)))
	if sum>>63 == 1 {
		vec[idx]--
	} else {
		vec[idx]++
	}
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
}

// Dimension implements Provider.
func (l *Local) Dimension() int {
	return l.dim
}

// Model implements Provider.
func (l *Local) Model() string {
	return "feature-hash"
}

// Close implements Provider.
func (l *Local) Close() error {
	return nil
}
