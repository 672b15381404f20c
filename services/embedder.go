package services

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// HashEmbedder produces deterministic vectors by feature-hashing token
// bigrams into a fixed number of dimensions and L2-normalizing the result.
// Similar texts land near each other, which is enough for local search and
// for exercising the vector store without a model server.
type HashEmbedder struct {
	dimensions int
}

// NewHashEmbedder creates an embedder emitting vectors of the given width.
func NewHashEmbedder(dimensions int) *HashEmbedder {
	if dimensions <= 0 {
		dimensions = 768
	}
	return &HashEmbedder{dimensions: dimensions}
}

// Dimensions returns the vector width.
func (e *HashEmbedder) Dimensions() int { return e.dimensions }

// Embed implements stages.EmbeddingService.
func (e *HashEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vectors[i] = e.embedOne(text)
	}
	return vectors, nil
}

func (e *HashEmbedder) embedOne(text string) []float32 {
	v := make([]float32, e.dimensions)
	tokens := tokenize(text)

	for i, tok := range tokens {
		bucket, sign := hashFeature(tok)
		v[bucket%uint32(e.dimensions)] += sign
		if i+1 < len(tokens) {
			bucket, sign = hashFeature(tok + " " + tokens[i+1])
			v[bucket%uint32(e.dimensions)] += sign
		}
	}

	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		v[0] = 1
		return v
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range v {
		v[i] *= scale
	}
	return v
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
}

// hashFeature maps a token to a bucket and a +1/-1 sign, so collisions cancel
// instead of compounding.
func hashFeature(token string) (uint32, float32) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(token))
	sum := h.Sum32()
	sign := float32(1)
	if sum&1 == 1 {
		sign = -1
	}
	return sum >> 1, sign
}
