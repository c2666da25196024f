// Copyright 2025-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package data holds the dataset side of model construction: vocabularies
// and the batched input fields models consume when building their graphs.
package data

import (
	"bufio"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// Reserved token strings. They are appended to a vocabulary, in this order,
// if the token file does not already define them.
const (
	PadToken = "<pad>"
	UnkToken = "<unk>"
	BosToken = "<s>"
	EosToken = "</s>"
)

// Vocabulary maps tokens to contiguous ids and back. Ids follow the order of
// the token file (one token per line), with reserved tokens appended if
// missing.
type Vocabulary struct {
	tokens []string
	ids    map[string]int

	padID, unkID, bosID, eosID int
}

// NewVocabulary creates a vocabulary from the given token list, appending any
// missing reserved tokens. Duplicate tokens are an error.
func NewVocabulary(tokens []string) (*Vocabulary, error) {
	v := &Vocabulary{ids: make(map[string]int, len(tokens)+4)}
	for _, token := range tokens {
		if _, found := v.ids[token]; found {
			return nil, errors.Errorf("duplicate token %q in vocabulary", token)
		}
		v.ids[token] = len(v.tokens)
		v.tokens = append(v.tokens, token)
	}
	for _, reserved := range []string{PadToken, UnkToken, BosToken, EosToken} {
		if _, found := v.ids[reserved]; !found {
			v.ids[reserved] = len(v.tokens)
			v.tokens = append(v.tokens, reserved)
		}
	}
	v.padID = v.ids[PadToken]
	v.unkID = v.ids[UnkToken]
	v.bosID = v.ids[BosToken]
	v.eosID = v.ids[EosToken]
	return v, nil
}

// LoadVocabulary reads a token-per-line vocabulary file. Empty lines are
// skipped; a trailing frequency column (token<TAB>count) is ignored.
func LoadVocabulary(path string) (*Vocabulary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open vocabulary file %q", path)
	}
	defer func() { _ = f.Close() }()

	var tokens []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if line == "" {
			continue
		}
		if tab := strings.IndexByte(line, '\t'); tab >= 0 {
			line = line[:tab]
		}
		tokens = append(tokens, line)
	}
	if err = scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed reading vocabulary file %q", path)
	}
	v, err := NewVocabulary(tokens)
	if err != nil {
		return nil, errors.WithMessagef(err, "vocabulary file %q", path)
	}
	return v, nil
}

// Size returns the number of tokens, reserved tokens included.
func (v *Vocabulary) Size() int { return len(v.tokens) }

// IDOf returns the id of token, or the unknown-token id if absent.
func (v *Vocabulary) IDOf(token string) int {
	if id, found := v.ids[token]; found {
		return id
	}
	return v.unkID
}

// TokenOf returns the token for id, or the unknown token for out-of-range ids.
func (v *Vocabulary) TokenOf(id int) string {
	if id < 0 || id >= len(v.tokens) {
		return UnkToken
	}
	return v.tokens[id]
}

// PadID returns the padding token id.
func (v *Vocabulary) PadID() int { return v.padID }

// UnkID returns the unknown token id.
func (v *Vocabulary) UnkID() int { return v.unkID }

// BosID returns the beginning-of-sentence token id.
func (v *Vocabulary) BosID() int { return v.bosID }

// EosID returns the end-of-sentence token id.
func (v *Vocabulary) EosID() int { return v.eosID }

// EncodeSentence maps the whitespace-tokenized sentence to ids, appending the
// end-of-sentence id.
func (v *Vocabulary) EncodeSentence(sentence string) []int32 {
	fields := strings.Fields(sentence)
	ids := make([]int32, 0, len(fields)+1)
	for _, token := range fields {
		ids = append(ids, int32(v.IDOf(token)))
	}
	return append(ids, int32(v.eosID))
}

// DecodeIDs maps ids back to a whitespace-joined sentence, stopping at the
// first end-of-sentence id and skipping padding and beginning-of-sentence.
func (v *Vocabulary) DecodeIDs(ids []int32) string {
	var sb strings.Builder
	for _, id := range ids {
		switch int(id) {
		case v.eosID:
			return sb.String()
		case v.padID, v.bosID:
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(v.TokenOf(int(id)))
	}
	return sb.String()
}
