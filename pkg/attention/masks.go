// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package attention

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

// CausalMask returns a boolean mask shaped `[seqLen, seqLen]` where a query can only attend to keys
// at its own or earlier positions. It can be used with MultiHeadAttentionBuilder.SetQueryKeyMatrixMask.
func CausalMask(g *Graph, seqLen int) *Node {
	return LowerTriangular(g, seqLen)
}

// PaddingMaskFromLengths returns a key padding mask shaped `[batch, maxLen]` from the lengths
// (shaped `[batch]`) of each sequence: positions at or beyond the length are marked true (padded).
func PaddingMaskFromLengths(lengths *Node, maxLen int) *Node {
	if lengths.Rank() != 1 {
		Panicf("lengths must be shaped [batch], got %s", lengths.Shape())
	}
	g := lengths.Graph()
	batchSize := lengths.Shape().Dim(0)
	positions := Iota(g, shapes.Make(dtypes.Int32, batchSize, maxLen), 1)
	lengths = BroadcastToDims(Reshape(ConvertDType(lengths, dtypes.Int32), batchSize, 1), batchSize, maxLen)
	return GreaterOrEqual(positions, lengths)
}
