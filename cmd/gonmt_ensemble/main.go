// Copyright 2025-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// gonmt_ensemble translates sentences with an ensemble of trained models.
//
// It reads one source sentence per line from stdin and writes one translation
// per line to stdout. Each positional argument is a model directory holding a
// checkpoint and its model_configs.yml.
//
//	gonmt_ensemble -vocab_source=src.vocab -vocab_target=tgt.vocab \
//	    -weights=average model1/ model2/ < input.txt
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gonmt/pkg/configs"
	"github.com/gomlx/gonmt/pkg/data"
	"github.com/gomlx/gonmt/pkg/estimator"
	"github.com/gomlx/gonmt/pkg/models"
	"github.com/gomlx/gonmt/pkg/models/ensemble"
	_ "github.com/gomlx/gonmt/pkg/models/seq2seq"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagVocabSource = flag.String("vocab_source", "", "Path of the source vocabulary file, one token per line.")
	flagVocabTarget = flag.String("vocab_target", "", "Path of the target vocabulary file, one token per line.")
	flagWeights     = flag.String("weights", "average", "Ensemble weight scheme: \"average\" or a comma-separated "+
		"list of one weight per model, e.g. \"0.6,0.4\".")
	flagBeamSize      = flag.Int("beam_size", 4, "Number of decoding beams. 1 means greedy decoding.")
	flagLengthPenalty = flag.Float64("length_penalty", 0.6, "Length penalty exponent used to rank finished beams. 1.0 disables it.")
	flagMaxLength     = flag.Int("max_length", 100, "Maximum decoded target length.")
	flagScores        = flag.Bool("scores", false, "Prefix every translation with its sequence score.")
	flagSummary       = flag.Bool("summary", false, "Print a table of the loaded ensemble members to stderr before translating.")
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)
)

func newMembersTable() *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if row == 1 {
				return headerRowStyle
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			if col <= 1 {
				return s.Align(lipgloss.Right)
			}
			return s.Align(lipgloss.Left)
		})
}

// printSummary renders one row per ensemble member: its variable scope, the
// parameters re-declared under it, and the persisted configuration it was
// rebuilt from.
func printSummary(ctx *context.Context, modelDirs []string) {
	table := newMembersTable()
	table.Row("scope", "# parameters", "model", "directory")
	for i, dir := range modelDirs {
		var numParams int
		ctx.InAbsPath(estimator.EnsembleScope(i)).EnumerateVariablesInScope(func(v *context.Variable) {
			numParams += v.Shape().Size()
		})
		model := "?"
		if mc, err := configs.Load(dir); err == nil {
			model = mc.Model
		}
		table.Row(estimator.EnsembleScope(i), humanize.Comma(int64(numParams)), model, dir)
	}
	fmt.Fprintln(os.Stderr, table.Render())
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	modelDirs := flag.Args()
	if len(modelDirs) == 0 {
		klog.Exitf("Missing model directories to ensemble. See 'gonmt_ensemble -help'.")
	}
	if *flagVocabSource == "" || *flagVocabTarget == "" {
		klog.Exitf("Both -vocab_source and -vocab_target are required.")
	}

	vocabSource := must.M1(data.LoadVocabulary(*flagVocabSource))
	vocabTarget := must.M1(data.LoadVocabulary(*flagVocabTarget))
	ds := data.New(vocabSource, vocabTarget)

	backend := must.M1(backends.New())
	ctx := context.New()

	start := time.Now()
	spec := must.M1(estimator.ModelFnEnsemble(backend, ctx, modelDirs, ds, *flagWeights,
		ensemble.InferenceOptions{
			BeamSize:      *flagBeamSize,
			LengthPenalty: *flagLengthPenalty,
			MaxLength:     *flagMaxLength,
		}))
	klog.V(1).Infof("loaded %d models in %s", len(modelDirs),
		time.Since(start).Round(time.Millisecond))
	if *flagSummary {
		printSummary(ctx, modelDirs)
	}

	var sentences []string
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		sentences = append(sentences, scanner.Text())
	}
	must.M(scanner.Err())
	if len(sentences) == 0 {
		return
	}

	batch := must.M1(ds.MakeBatch(sentences, nil))
	ds.SetBatch(batch)

	start = time.Now()
	predictions := must.M1(spec.Predictions.Predict(batch))
	elapsed := time.Since(start)

	ids := predictions[models.PredictedIDsKey].Value().([][]int32)
	scores := predictions[models.ScoresKey].Value().([]float32)
	tokens := 0
	for i, row := range ids {
		tokens += len(row)
		if *flagScores {
			fmt.Printf("%.4f\t%s\n", scores[i], vocabTarget.DecodeIDs(row))
		} else {
			fmt.Println(vocabTarget.DecodeIDs(row))
		}
	}
	klog.V(1).Infof("translated %d sentences (%s tokens) in %s",
		len(sentences), humanize.Comma(int64(tokens)), elapsed.Round(time.Millisecond))
}
