// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kgraph

import (
	"os"
	"path"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	g, err := New([]string{"cup", "pour", "water"}, []Edge{{0, 1, "used_for"}, {2, 1, "used_for"}})
	require.NoError(t, err)
	assert.Equal(t, 3, g.NumNodes())
	assert.Equal(t, 2, g.NumEdges())
	idx, found := g.NodeIndex("water")
	assert.True(t, found)
	assert.Equal(t, 2, idx)
	assert.Equal(t, []int{0, 2}, g.Neighbors(1))
	assert.Equal(t, "KnowledgeGraph: 3 nodes, 2 edges, 1 relation types", g.String())

	adjacency := g.AdjacencyMatrix()
	assert.InDeltaSlice(t, []float32{0.5, 0.5, 0}, adjacency[0], 1e-6)
	assert.InDeltaSlice(t, []float32{1.0 / 3, 1.0 / 3, 1.0 / 3}, adjacency[1], 1e-6)
	assert.InDeltaSlice(t, []float32{0, 0.5, 0.5}, adjacency[2], 1e-6)

	_, err = New(nil, nil)
	require.Error(t, err)
	_, err = New([]string{"a", "a"}, nil)
	require.Error(t, err)
	_, err = New([]string{"a"}, []Edge{{Source: 0, Target: 1}})
	require.Error(t, err)
}

func TestSaveLoad(t *testing.T) {
	g := Ring(5)
	filePath := path.Join(t.TempDir(), "graph.bin")
	require.NoError(t, g.Save(filePath))

	loaded, err := Load(filePath)
	require.NoError(t, err)
	assert.Equal(t, g.NodeNames, loaded.NodeNames)
	assert.Equal(t, g.Edges, loaded.Edges)
	assert.Equal(t, g.AdjacencyMatrix(), loaded.AdjacencyMatrix())

	_, err = Load(path.Join(t.TempDir(), "missing.bin"))
	require.Error(t, err)
	assert.True(t, os.IsNotExist(err))
}

func TestReadEdgesCSV(t *testing.T) {
	csv := "source,target,relation\n" +
		"knife,cut,used_for\n" +
		"cut,tomato,acts_on\n" +
		"knife,tomato,co_occurs\n"
	g, err := ReadEdgesCSV(strings.NewReader(csv))
	require.NoError(t, err)
	assert.Equal(t, []string{"knife", "cut", "tomato"}, g.NodeNames)
	assert.Equal(t, []Edge{{0, 1, "used_for"}, {1, 2, "acts_on"}, {0, 2, "co_occurs"}}, g.Edges)

	g, err = ReadEdgesCSV(strings.NewReader("source,target\na,b\n"))
	require.NoError(t, err)
	assert.Equal(t, 2, g.NumNodes())
	assert.Equal(t, "", g.Edges[0].Relation)

	_, err = ReadEdgesCSV(strings.NewReader("from,to\na,b\n"))
	require.Error(t, err)

	filePath := path.Join(t.TempDir(), "edges.csv")
	require.NoError(t, os.WriteFile(filePath, []byte(csv), 0o644))
	g, err = LoadEdgesCSV(filePath)
	require.NoError(t, err)
	assert.Equal(t, 3, g.NumEdges())
}
