// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package kgraph holds the knowledge graph used to condition the transformer: its nodes, its
// (optionally typed) edges, and the precomputed global adjacency matrix.
//
// A Graph is immutable once built or loaded: it can be shared by every forward call.
package kgraph

import (
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Edge connects two nodes, given by their indices. Relation is optional.
type Edge struct {
	Source, Target int
	Relation       string
}

// Graph is a knowledge graph. Create it with New, Load or LoadEdgesCSV.
type Graph struct {
	// NodeNames holds one name per node: the node index is its position.
	NodeNames []string

	// Edges of the graph.
	Edges []Edge

	nameToIndex map[string]int
	adjacency   [][]float32
}

// New creates a Graph with the given nodes and edges, and precomputes its adjacency.
func New(nodeNames []string, edges []Edge) (*Graph, error) {
	g := &Graph{
		NodeNames: slices.Clone(nodeNames),
		Edges:     slices.Clone(edges),
	}
	if err := g.build(); err != nil {
		return nil, err
	}
	return g, nil
}

// build validates the graph and computes its derived data.
func (g *Graph) build() error {
	numNodes := len(g.NodeNames)
	if numNodes == 0 {
		return errors.New("knowledge graph has no nodes")
	}
	g.nameToIndex = make(map[string]int, numNodes)
	for ii, name := range g.NodeNames {
		if _, found := g.nameToIndex[name]; found {
			return errors.Errorf("knowledge graph has duplicate node name %q", name)
		}
		g.nameToIndex[name] = ii
	}
	for ii, e := range g.Edges {
		if e.Source < 0 || e.Source >= numNodes || e.Target < 0 || e.Target >= numNodes {
			return errors.Errorf("edge #%d (%d->%d) out of range for knowledge graph with %d nodes",
				ii, e.Source, e.Target, numNodes)
		}
	}
	g.adjacency = computeAdjacency(numNodes, g.Edges)
	return nil
}

// computeAdjacency returns the row-normalized adjacency matrix, with self-loops, where edges
// connect nodes in both directions.
func computeAdjacency(numNodes int, edges []Edge) [][]float32 {
	adjacency := make([][]float32, numNodes)
	for ii := range adjacency {
		adjacency[ii] = make([]float32, numNodes)
		adjacency[ii][ii] = 1
	}
	for _, e := range edges {
		adjacency[e.Source][e.Target] = 1
		adjacency[e.Target][e.Source] = 1
	}
	for _, row := range adjacency {
		var degree float32
		for _, v := range row {
			degree += v
		}
		for jj := range row {
			row[jj] /= degree
		}
	}
	return adjacency
}

// NumNodes in the graph.
func (g *Graph) NumNodes() int { return len(g.NodeNames) }

// NumEdges in the graph.
func (g *Graph) NumEdges() int { return len(g.Edges) }

// NodeIndex returns the index of the node with the given name.
func (g *Graph) NodeIndex(name string) (index int, found bool) {
	index, found = g.nameToIndex[name]
	return
}

// AdjacencyMatrix returns the precomputed `[numNodes, numNodes]` adjacency: row i holds the
// normalized weights of node i's neighbors, including itself. Edges are taken as undirected.
//
// The returned matrix is shared and must not be modified.
func (g *Graph) AdjacencyMatrix() [][]float32 {
	return g.adjacency
}

// Neighbors returns the indices of the nodes connected to node, excluding itself.
func (g *Graph) Neighbors(node int) []int {
	var neighbors []int
	for jj, v := range g.adjacency[node] {
		if jj != node && v > 0 {
			neighbors = append(neighbors, jj)
		}
	}
	return neighbors
}

// String implements fmt.Stringer.
func (g *Graph) String() string {
	relations := make(map[string]bool)
	for _, e := range g.Edges {
		if e.Relation != "" {
			relations[e.Relation] = true
		}
	}
	return fmt.Sprintf("KnowledgeGraph: %s nodes, %s edges, %d relation types",
		humanize.Comma(int64(g.NumNodes())), humanize.Comma(int64(g.NumEdges())), len(relations))
}

// Save the graph to filePath, using gob encoding.
func (g *Graph) Save(filePath string) (err error) {
	f, err := os.Create(filePath)
	if err != nil {
		err = errors.Wrapf(err, "creating %q to save knowledge graph", filePath)
		return
	}
	enc := gob.NewEncoder(f)
	err = enc.Encode(g)
	if err != nil {
		_ = f.Close()
		err = errors.WithMessagef(err, "encoding knowledge graph to save to %q", filePath)
		return
	}
	err = f.Close()
	if err != nil {
		err = errors.Wrapf(err, "close file %q, where knowledge graph was saved", filePath)
		return
	}
	return
}

// Load a graph previously saved with Graph.Save.
// If filePath doesn't exist, it returns an error that can be checked with [os.IsNotExist].
func Load(filePath string) (g *Graph, err error) {
	f, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		err = errors.Wrapf(err, "trying to load knowledge graph from %q", filePath)
		return
	}
	defer func() { _ = f.Close() }()
	dec := gob.NewDecoder(f)
	g = &Graph{}
	err = dec.Decode(g)
	if err != nil {
		g = nil
		err = errors.Wrapf(err, "trying to decode knowledge graph from %q", filePath)
		return
	}
	if err = g.build(); err != nil {
		g = nil
		err = errors.WithMessagef(err, "invalid knowledge graph in %q", filePath)
		return
	}
	klog.V(1).Infof("Loaded %s from %q", g, filePath)
	return
}

// Column names of edge-list CSV files.
const (
	ColSource   = "source"
	ColTarget   = "target"
	ColRelation = "relation"
)

// LoadEdgesCSV reads a graph from a CSV edge list, with a header and columns "source", "target"
// and, optionally, "relation". Nodes are named by the values in source/target, and indexed in
// order of first appearance.
func LoadEdgesCSV(filePath string) (*Graph, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "trying to load knowledge graph edges from %q", filePath)
	}
	defer func() { _ = f.Close() }()
	g, err := ReadEdgesCSV(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "reading knowledge graph edges from %q", filePath)
	}
	klog.V(1).Infof("Loaded %s from %q", g, filePath)
	return g, nil
}

// ReadEdgesCSV reads a graph from a CSV edge list. See LoadEdgesCSV for the format.
func ReadEdgesCSV(r io.Reader) (*Graph, error) {
	df := dataframe.ReadCSV(r, dataframe.HasHeader(true), dataframe.WithTypes(map[string]series.Type{
		ColSource:   series.String,
		ColTarget:   series.String,
		ColRelation: series.String,
	}))
	if df.Err != nil {
		return nil, errors.Wrap(df.Err, "parsing CSV edge list")
	}
	names := df.Names()
	if !slices.Contains(names, ColSource) || !slices.Contains(names, ColTarget) {
		return nil, errors.Errorf("CSV edge list must have columns %q and %q, got %q",
			ColSource, ColTarget, strings.Join(names, ","))
	}
	sources := df.Col(ColSource).Records()
	targets := df.Col(ColTarget).Records()
	var relations []string
	if slices.Contains(names, ColRelation) {
		relations = df.Col(ColRelation).Records()
	}

	var nodeNames []string
	nameToIndex := make(map[string]int)
	indexOf := func(name string) int {
		name = strings.TrimSpace(name)
		idx, found := nameToIndex[name]
		if !found {
			idx = len(nodeNames)
			nameToIndex[name] = idx
			nodeNames = append(nodeNames, name)
		}
		return idx
	}
	edges := make([]Edge, 0, len(sources))
	for row := range sources {
		e := Edge{Source: indexOf(sources[row]), Target: indexOf(targets[row])}
		if relations != nil {
			e.Relation = strings.TrimSpace(relations[row])
		}
		edges = append(edges, e)
	}
	return New(nodeNames, edges)
}

// Ring returns a synthetic graph with numNodes nodes named "node_<i>", each connected to the next.
func Ring(numNodes int) *Graph {
	nodeNames := make([]string, numNodes)
	edges := make([]Edge, 0, numNodes)
	for ii := range numNodes {
		nodeNames[ii] = fmt.Sprintf("node_%d", ii)
		if numNodes > 1 {
			edges = append(edges, Edge{Source: ii, Target: (ii + 1) % numNodes, Relation: "next"})
		}
	}
	g, err := New(nodeNames, edges)
	if err != nil {
		panic(err)
	}
	return g
}
