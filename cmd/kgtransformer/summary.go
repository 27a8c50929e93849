// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/kgtransformer/pkg/kgraph"
	"github.com/gomlx/kgtransformer/pkg/transformer"
)

// Summary prints the model configuration, the knowledge graph and the size of the model.
func Summary(ctx *context.Context, model *transformer.Model, kg *kgraph.Graph) {
	cfg := model.Config()
	fmt.Println(titleStyle.Render("Summary"))
	table := newPlainTable(lipgloss.Right, lipgloss.Left)
	table.Row("knowledge graph", kg.String())
	table.Row("d_model / heads", fmt.Sprintf("%d / %d", cfg.DModel, cfg.NumHeads))
	table.Row("encoder / decoder layers", fmt.Sprintf("%d / %d", cfg.NumEncoderLayers, cfg.NumDecoderLayers))
	table.Row("feed-forward", fmt.Sprintf("%d (%s)", cfg.DimFeedForward, cfg.Activation))
	table.Row("pre-norm", fmt.Sprintf("%v", cfg.NormalizeBefore))
	table.Row("knowledge attention", fmt.Sprintf("%v", cfg.KnowledgeAttention))

	var numVars, totalSize int
	var totalMemory uintptr
	for v := range ctx.IterVariables() {
		numVars++
		totalSize += v.Shape().Size()
		totalMemory += v.Shape().Memory()
	}
	table.Row("# variables", humanize.Comma(int64(numVars)))
	table.Row("# parameters", humanize.Comma(int64(totalSize)))
	table.Row("# bytes", humanize.Bytes(uint64(totalMemory)))
	fmt.Println(table.Render())
}

// ListVariables prints the model variables, sorted by scope and name.
func ListVariables(ctx *context.Context) {
	fmt.Println(titleStyle.Render("Variables"))
	table := newPlainTable(lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Right)
	table.Headers("Scope", "Name", "Shape", "Size", "Bytes")
	var rows [][]string
	for v := range ctx.IterVariables() {
		shape := v.Shape()
		rows = append(rows, []string{
			v.Scope(), v.Name(), shape.String(),
			humanize.Comma(int64(shape.Size())),
			humanize.Bytes(uint64(shape.Memory())),
		})
	}
	slices.SortFunc(rows, func(a, b []string) int {
		if c := strings.Compare(a[0], b[0]); c != 0 {
			return c
		}
		return strings.Compare(a[1], b[1])
	})
	for _, row := range rows {
		table.Row(row...)
	}
	fmt.Println(table.Render())
}

// ReportOutputs prints the shape and a few statistics of each output of the forward pass.
func ReportOutputs(names []string, outputs []*tensors.Tensor) {
	fmt.Println(titleStyle.Render("Outputs"))
	table := newPlainTable(lipgloss.Right, lipgloss.Left)
	table.Headers("Output", "Shape", "Mean", "Min", "Max")
	for ii, output := range outputs {
		values := tensors.MustCopyFlatData[float32](output)
		var mean float64
		minValue, maxValue := values[0], values[0]
		for _, v := range values {
			mean += float64(v)
			minValue = min(minValue, v)
			maxValue = max(maxValue, v)
		}
		mean /= float64(len(values))
		table.Row(names[ii], output.Shape().String(),
			fmt.Sprintf("%.4g", mean), fmt.Sprintf("%.4g", minValue), fmt.Sprintf("%.4g", maxValue))
	}
	fmt.Println(table.Render())
}
