// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package flows

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/require"
)

// maxAbsDiff reduces two tensors to the largest absolute elementwise
// difference, for bit-exactness checks.
func maxAbsDiff(a, b *Node) *Node {
	return ReduceAllMax(Abs(Sub(a, b)))
}

func TestSqueeze2D(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	t.Run("layout", func(t *testing.T) {
		// One 2x2 patch becomes 4 channels, in row-major patch order.
		got, err := ExecOnce(backend, func(g *Graph) *Node {
			x := IotaFull(g, shapes.Make(dtypes.Float32, 1, 1, 2, 2))
			return Squeeze2D(x, 2)
		})
		require.NoError(t, err)
		require.Equal(t, []int{1, 4, 1, 1}, got.Shape().Dimensions)
		require.Equal(t, []float32{0, 1, 2, 3}, tensors.MustCopyFlatData[float32](got))
	})

	t.Run("shape", func(t *testing.T) {
		got, err := ExecOnce(backend, func(g *Graph) *Node {
			x := IotaFull(g, shapes.Make(dtypes.Float32, 3, 5, 8, 4))
			return Squeeze2D(x, 2)
		})
		require.NoError(t, err)
		require.Equal(t, []int{3, 20, 4, 2}, got.Shape().Dimensions)
	})

	t.Run("round-trip-is-bit-exact", func(t *testing.T) {
		got, err := ExecOnce(backend, func(g *Graph) *Node {
			x := IotaFull(g, shapes.Make(dtypes.Float32, 3, 5, 8, 4))
			return maxAbsDiff(x, Unsqueeze2D(Squeeze2D(x, 2), 2))
		})
		require.NoError(t, err)
		require.Equal(t, float32(0), tensors.ToScalar[float32](got))
	})

	t.Run("factor1-is-identity", func(t *testing.T) {
		got, err := ExecOnce(backend, func(g *Graph) *Node {
			x := IotaFull(g, shapes.Make(dtypes.Float32, 2, 3, 4, 4))
			return Squeeze2D(x, 1)
		})
		require.NoError(t, err)
		require.Equal(t, []int{2, 3, 4, 4}, got.Shape().Dimensions)
	})

	t.Run("indivisible-spatial-panics", func(t *testing.T) {
		_, err := ExecOnce(backend, func(g *Graph) *Node {
			x := IotaFull(g, shapes.Make(dtypes.Float32, 1, 1, 3, 4))
			return Squeeze2D(x, 2)
		})
		require.Error(t, err)
	})

	t.Run("unsqueeze-indivisible-channels-panics", func(t *testing.T) {
		_, err := ExecOnce(backend, func(g *Graph) *Node {
			x := IotaFull(g, shapes.Make(dtypes.Float32, 1, 3, 2, 2))
			return Unsqueeze2D(x, 2)
		})
		require.Error(t, err)
	})
}

func TestSplit2D(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	t.Run("round-trip-is-bit-exact", func(t *testing.T) {
		got, err := ExecOnce(backend, func(g *Graph) *Node {
			x := IotaFull(g, shapes.Make(dtypes.Float32, 2, 5, 3, 3))
			z1, z2 := Split2D(x, 2)
			return maxAbsDiff(x, Unsplit2D(z1, z2))
		})
		require.NoError(t, err)
		require.Equal(t, float32(0), tensors.ToScalar[float32](got))
	})

	t.Run("partition-sizes", func(t *testing.T) {
		z1, err := ExecOnce(backend, func(g *Graph) *Node {
			x := IotaFull(g, shapes.Make(dtypes.Float32, 2, 5, 3, 3))
			z1, _ := Split2D(x, 2)
			return z1
		})
		require.NoError(t, err)
		require.Equal(t, []int{2, 2, 3, 3}, z1.Shape().Dimensions)

		z2, err := ExecOnce(backend, func(g *Graph) *Node {
			x := IotaFull(g, shapes.Make(dtypes.Float32, 2, 5, 3, 3))
			_, z2 := Split2D(x, 2)
			return z2
		})
		require.NoError(t, err)
		require.Equal(t, []int{2, 3, 3, 3}, z2.Shape().Dimensions)
	})

	t.Run("degenerate-split-panics", func(t *testing.T) {
		for _, at := range []int{0, 5, 7} {
			_, err := ExecOnce(backend, func(g *Graph) *Node {
				x := IotaFull(g, shapes.Make(dtypes.Float32, 1, 5, 2, 2))
				z1, _ := Split2D(x, at)
				return z1
			})
			require.Error(t, err)
		}
	})
}
