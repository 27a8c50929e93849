// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// kgtransformer builds the knowledge-graph-conditioned transformer, runs it over a synthetic batch
// and reports its outputs and variables. Optionally, it saves the initialized model as a checkpoint.
//
// Hyperparameters are set with -set, e.g.:
//
//	kgtransformer -graph=graph.csv -set="kgt_d_model=128;kgt_num_heads=4;kgt_graph_strategy=graph_attention"
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/kgtransformer/pkg/conditioning"
	"github.com/gomlx/kgtransformer/pkg/kgraph"
	"github.com/gomlx/kgtransformer/pkg/transformer"
	"github.com/google/uuid"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

var (
	flagGraph = flag.String("graph", "", "Knowledge graph file: a \".gob\" file saved by kgraph, or a \".csv\" "+
		"edge list with columns \"source\", \"target\" and \"relation\". If empty, a ring graph with -nodes nodes is used.")
	flagNodes     = flag.Int("nodes", 16, "Number of nodes of the ring graph used if -graph is not set.")
	flagBatch     = flag.Int("batch", 4, "Batch size of the synthetic inputs.")
	flagSourceLen = flag.Int("source_len", 16, "Length of the synthetic source (video) sequence.")
	flagTargetLen = flag.Int("target_len", 4, "Number of decoder queries.")
	flagMode      = flag.String("mode", "inference", "Forward mode: \"train\" or \"inference\".")
	flagRepeat    = flag.Int("repeat", 1, "Number of times to execute the forward pass, for timing.")
	flagVars      = flag.Bool("vars", false, "Lists the model variables.")

	flagCheckpoint     = flag.String("checkpoint", "", "Directory where to save the initialized model.")
	flagCheckpointBase = flag.String("checkpoint_base", "", "If set and -checkpoint is not, the model is "+
		"saved in a new uniquely named run directory under this base directory.")
)

func createDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		transformer.ParamDModel:             64,
		transformer.ParamNumHeads:           4,
		transformer.ParamNumEncoderLayers:   2,
		transformer.ParamNumDecoderLayers:   2,
		transformer.ParamDimFeedForward:     128,
		transformer.ParamDropout:            0.1,
		transformer.ParamActivation:         transformer.ActivationReLU,
		transformer.ParamNormalizeBefore:    false,
		transformer.ParamReturnIntermediate: false,
		transformer.ParamKnowledgeAttention: true,

		conditioning.ParamStrategy:             conditioning.StrategyPropagation.String(),
		conditioning.ParamConditionPropagation: false,
		conditioning.ParamConditionDim:         32,
		conditioning.ParamStateDim:             32,
		conditioning.ParamPropagationSteps:     3,
		conditioning.ParamGATNumHeads:          4,
		conditioning.ParamGATDropout:           0.1,
		conditioning.ParamGATShareWeights:      false,
		conditioning.ParamVideoNumLayers:       2,

		context.ParamInitialSeed: int64(0),
	})
	return ctx
}

func main() {
	klog.InitFlags(nil)
	ctx := createDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	flag.Parse()
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))
	klog.V(1).Infof("Hyperparameters set:\n%s", commandline.SprintModifiedContextSettings(ctx, paramsSet))

	mode := must.M1(transformer.ParseMode(*flagMode))
	kg := must.M1(loadGraph())
	klog.Infof("Loaded %s", kg)
	model := must.M1(buildModel(ctx, kg))

	backend := backends.MustNew()
	batch := newSyntheticBatch(*flagBatch, *flagSourceLen, *flagTargetLen, model.Config().DModel, kg.NumNodes())
	names, outputs := must.M2(run(backend, ctx, model, batch, mode))

	Summary(ctx, model, kg)
	ReportOutputs(names, outputs)
	if *flagVars {
		ListVariables(ctx)
	}
	if dir := checkpointDir(); dir != "" {
		must.M(saveCheckpoint(ctx, dir))
	}
}

func loadGraph() (*kgraph.Graph, error) {
	switch {
	case *flagGraph == "":
		if *flagNodes <= 0 {
			return nil, errors.Errorf("-nodes must be > 0, got %d", *flagNodes)
		}
		return kgraph.Ring(*flagNodes), nil
	case strings.EqualFold(filepath.Ext(*flagGraph), ".csv"):
		return kgraph.LoadEdgesCSV(*flagGraph)
	default:
		return kgraph.Load(*flagGraph)
	}
}

// buildModel creates the model with the hyperparameters in ctx.
func buildModel(ctx *context.Context, kg *kgraph.Graph) (*transformer.Model, error) {
	cfg, err := transformer.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	var provider conditioning.Provider
	if cfg.KnowledgeAttention {
		condCfg, err := conditioning.FromContext(ctx)
		if err != nil {
			return nil, err
		}
		provider, err = conditioning.New(condCfg, kg)
		if err != nil {
			return nil, err
		}
	}
	return transformer.New(cfg, provider)
}

// run executes the forward pass -repeat times, and returns the names and values of the outputs of
// the last execution.
func run(backend backends.Backend, ctx *context.Context, model *transformer.Model, batch *syntheticBatch,
	mode transformer.Mode) (names []string, outputs []*tensors.Tensor, err error) {
	names = []string{"memory", "hidden"}
	exec, err := context.NewExec(backend, ctx.In("model"), func(ctx *context.Context, inputs []*Node) []*Node {
		source, target := inputs[0], inputs[1]
		g, dtype, dModel := source.Graph(), source.DType(), model.Config().DModel
		batchSize := source.Shape().Dim(1)
		result := model.Forward(ctx, &transformer.Inputs{
			Source:        source,
			Target:        target,
			Pos:           transformer.SinusoidalPositions(g, dtype, source.Shape().Dim(0), batchSize, dModel),
			QueryPos:      transformer.SinusoidalPositions(g, dtype, target.Shape().Dim(0), batchSize, dModel),
			SourcePadding: inputs[2],
			Detections:    inputs[3],
			TargetNodes:   inputs[4],
		}, mode)
		graphOutputs := []*Node{result.Memory, result.Hidden}
		if result.ImportanceLoss != nil {
			graphOutputs = append(graphOutputs, result.ImportanceLoss)
		}
		return graphOutputs
	})
	if err != nil {
		return nil, nil, errors.WithMessage(err, "failed to create forward executor")
	}

	repeat := max(*flagRepeat, 1)
	bar := progressbar.NewOptions(repeat,
		progressbar.OptionSetDescription(fmt.Sprintf("Forward (%s)", mode)),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
		progressbar.OptionSetWriter(os.Stderr),
	)
	var firstDuration time.Duration
	start := time.Now()
	for ii := range repeat {
		outputs, err = exec.Exec(batch.Tensors()...)
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "forward pass #%d failed", ii)
		}
		if ii == 0 {
			// The first execution includes the compilation of the graph.
			firstDuration = time.Since(start)
		}
		_ = bar.Add(1)
	}
	_ = bar.Finish()
	fmt.Fprintln(os.Stderr)
	klog.Infof("First forward pass (with compilation): %s", commandline.FormatDuration(firstDuration))
	if repeat > 1 {
		mean := (time.Since(start) - firstDuration) / time.Duration(repeat-1)
		klog.Infof("Mean forward pass after compilation: %s", commandline.FormatDuration(mean))
	}
	if len(outputs) > 2 {
		names = append(names, "importance_loss")
	}
	return names, outputs, nil
}

// checkpointDir returns the directory where to save the model, or "" if it shouldn't be saved.
func checkpointDir() string {
	if *flagCheckpoint != "" {
		return *flagCheckpoint
	}
	if *flagCheckpointBase != "" {
		return filepath.Join(*flagCheckpointBase, "run_"+uuid.NewString())
	}
	return ""
}

func saveCheckpoint(ctx *context.Context, dir string) error {
	checkpoint, err := checkpoints.Build(ctx).Dir(dir).Done()
	if err != nil {
		return errors.WithMessagef(err, "failed to configure checkpoint in %q", dir)
	}
	if err = checkpoint.Save(); err != nil {
		return errors.WithMessagef(err, "failed to save checkpoint in %q", dir)
	}
	klog.Infof("Model saved to %q", dir)
	return nil
}
