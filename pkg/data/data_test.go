// Copyright 2025-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVocabularyReservedTokens(t *testing.T) {
	v, err := NewVocabulary([]string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, 7, v.Size())
	assert.Equal(t, 0, v.IDOf("a"))
	assert.Equal(t, v.UnkID(), v.IDOf("never-seen"))
	assert.NotEqual(t, v.PadID(), v.EosID())
	assert.Equal(t, UnkToken, v.TokenOf(-1))
}

func TestVocabularyDuplicate(t *testing.T) {
	_, err := NewVocabulary([]string{"a", "a"})
	require.Error(t, err)
}

func TestLoadVocabularyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vocab.txt")
	require.NoError(t, os.WriteFile(path, []byte("the\t1001\ncat\t17\n\nsat\t5\n"), 0660))
	v, err := LoadVocabulary(path)
	require.NoError(t, err)
	assert.Equal(t, 0, v.IDOf("the"))
	assert.Equal(t, 1, v.IDOf("cat"))
	assert.Equal(t, 2, v.IDOf("sat"))
}

func TestEncodeDecodeSentence(t *testing.T) {
	v, err := NewVocabulary([]string{"the", "cat", "sat"})
	require.NoError(t, err)
	ids := v.EncodeSentence("the cat sat")
	require.Len(t, ids, 4)
	assert.Equal(t, int32(v.EosID()), ids[3])
	assert.Equal(t, "the cat sat", v.DecodeIDs(ids))

	// Everything after EOS is dropped.
	ids = append(ids, int32(v.IDOf("cat")))
	assert.Equal(t, "the cat sat", v.DecodeIDs(ids))
}

func TestMakeBatchPadsPerSide(t *testing.T) {
	vs, err := NewVocabulary([]string{"a", "b", "c"})
	require.NoError(t, err)
	vt, err := NewVocabulary([]string{"x", "y"})
	require.NoError(t, err)
	ds := New(vs, vt)

	batch, err := ds.MakeBatch([]string{"a b c", "a"}, []string{"x", "x y"})
	require.NoError(t, err)
	require.True(t, batch.HasTargets())

	// Source: longest is "a b c" + EOS = 4.
	assert.Equal(t, []int{2, 4}, batch.SourceIDs.Shape().Dimensions)
	// Target: longest is "x y" + EOS = 3.
	assert.Equal(t, []int{2, 3}, batch.TargetIDs.Shape().Dimensions)

	lengths := batch.SourceLengths.Value().([]int32)
	assert.Equal(t, []int32{4, 2}, lengths)
}

func TestMakeBatchMismatchedSides(t *testing.T) {
	vs, _ := NewVocabulary(nil)
	ds := New(vs, vs)
	_, err := ds.MakeBatch([]string{"a", "b"}, []string{"x"})
	require.Error(t, err)
	_, err = ds.MakeBatch(nil, nil)
	require.Error(t, err)
}
