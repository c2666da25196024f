// Copyright 2025-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Batch holds one materialized batch of examples, already padded and
// converted to tensors. TargetIDs/TargetLengths are nil for inference-only
// batches.
type Batch struct {
	SourceIDs     *tensors.Tensor // Int32, shaped [batch, sourceLen].
	SourceLengths *tensors.Tensor // Int32, shaped [batch].
	TargetIDs     *tensors.Tensor // Int32, shaped [batch, targetLen], or nil.
	TargetLengths *tensors.Tensor // Int32, shaped [batch], or nil.
}

// HasTargets reports whether the batch carries target-side fields, required
// for training and evaluation.
func (b *Batch) HasTargets() bool {
	return b != nil && b.TargetIDs != nil && b.TargetLengths != nil
}

// InputFields are the graph-level bindings of a Batch: the nodes a model
// receives when building its computation graph. Target fields are nil when
// building inference graphs.
type InputFields struct {
	SourceIDs     *graph.Node
	SourceLengths *graph.Node
	TargetIDs     *graph.Node
	TargetLengths *graph.Node
}

// Dataset bundles the source/target vocabularies with the current input
// batch. It is the read-only collaborator handed to model construction:
// models take vocabulary sizes from it, and the estimator feeds its batch to
// the built graph executables.
type Dataset struct {
	VocabSource *Vocabulary
	VocabTarget *Vocabulary

	batch *Batch
}

// New creates a Dataset over the given vocabularies.
func New(vocabSource, vocabTarget *Vocabulary) *Dataset {
	return &Dataset{VocabSource: vocabSource, VocabTarget: vocabTarget}
}

// SetBatch installs the batch whose fields will be fed to built graphs.
func (ds *Dataset) SetBatch(batch *Batch) { ds.batch = batch }

// Batch returns the currently installed batch, or nil.
func (ds *Dataset) Batch() *Batch { return ds.batch }

// MakeBatch tokenizes, encodes and pads sentences with the source vocabulary
// and, if targetSentences is non-nil, the target vocabulary. Source and
// target sides are padded independently to their longest sequence.
func (ds *Dataset) MakeBatch(sourceSentences, targetSentences []string) (*Batch, error) {
	if len(sourceSentences) == 0 {
		return nil, errors.New("cannot make a batch from zero sentences")
	}
	batch := &Batch{}
	batch.SourceIDs, batch.SourceLengths = padAndStack(ds.VocabSource, sourceSentences)
	if targetSentences != nil {
		if len(targetSentences) != len(sourceSentences) {
			return nil, errors.Errorf("source/target sentence counts differ: %d vs %d",
				len(sourceSentences), len(targetSentences))
		}
		batch.TargetIDs, batch.TargetLengths = padAndStack(ds.VocabTarget, targetSentences)
	}
	return batch, nil
}

func padAndStack(vocab *Vocabulary, sentences []string) (ids, lengths *tensors.Tensor) {
	encoded := make([][]int32, len(sentences))
	maxLen := 0
	for ii, sentence := range sentences {
		encoded[ii] = vocab.EncodeSentence(sentence)
		if len(encoded[ii]) > maxLen {
			maxLen = len(encoded[ii])
		}
	}
	flat := make([]int32, 0, len(sentences)*maxLen)
	lens := make([]int32, len(sentences))
	for ii, seq := range encoded {
		lens[ii] = int32(len(seq))
		flat = append(flat, seq...)
		for jj := len(seq); jj < maxLen; jj++ {
			flat = append(flat, int32(vocab.PadID()))
		}
	}
	ids = tensors.FromFlatDataAndDimensions(flat, len(sentences), maxLen)
	lengths = tensors.FromFlatDataAndDimensions(lens, len(sentences))
	return
}
