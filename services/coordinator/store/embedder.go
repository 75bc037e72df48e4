// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"errors"
	"math"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

// HashEmbedder is a deterministic feature-hashing embedder. It stands in
// for a model-backed embedder in the InMemory and Embedded deployment
// modes, where repairs only need a reproducible vector per content.
type HashEmbedder struct {
	dim int
}

// NewHashEmbedder returns an embedder producing dim-sized unit vectors.
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = 64
	}
	return &HashEmbedder{dim: dim}
}

// Dimension implements Embedder.
func (h *HashEmbedder) Dimension() int {
	return h.dim
}

// Embed implements Embedder. Tokens are split on non-alphanumerics, each
// token adds ±1 to one bucket chosen by xxhash, and the result is
// L2-normalized.
func (h *HashEmbedder) Embed(ctx context.Context, content []byte) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if h.dim <= 0 {
		return nil, errors.New("embedder dimension must be positive")
	}
	vec := make([]float32, h.dim)
	tokens := strings.FieldsFunc(string(content), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	for _, tok := range tokens {
		sum := xxhash.Sum64String(strings.ToLower(tok))
		idx := sum % uint64(h.dim)
		if sum&(1<<63) != 0 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}
	var norm float64
	for _, x := range vec {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		vec[0] = 1
		return vec, nil
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec, nil
}
