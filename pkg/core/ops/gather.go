// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"fmt"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/graphfuse/pkg/core/buffers"
	"github.com/gomlx/graphfuse/pkg/core/graph"
	"github.com/pkg/errors"
)

// Gather looks up rows of an embedding table.
//
// Input #0 holds the indices, input #1 the table, read as rows of EmbedDim values. The output
// holds, for each index, its row of the table: it has shape [numIndices, EmbedDim] and kind
// Float32, the kind of the one-hot product it replaces.
//
// Indices that are not integers, or that fall out of the table, produce a row of zeros, the same
// as a one-hot encoding would.
type Gather struct {
	EmbedDim int
}

// NumInputs implements graph.Arity.
func (Gather) NumInputs() int { return 2 }

// OpName implements graph.Namer.
func (op Gather) OpName() string { return fmt.Sprintf("Gather(embed_dim=%d)", op.EmbedDim) }

// Process implements graph.Operator.
func (op Gather) Process(inputs []graph.Input) ([]*buffers.Buffer, error) {
	if err := checkNumInputs("Gather", inputs, 2); err != nil {
		return nil, err
	}
	if op.EmbedDim <= 0 {
		return nil, errors.Errorf("Gather: invalid embed_dim %d", op.EmbedDim)
	}
	readIndex, numIndices, err := reader("Gather", 0, inputs[0], buffers.Kinds)
	if err != nil {
		return nil, err
	}
	readTable, tableSize, err := reader("Gather", 1, inputs[1], buffers.Kinds)
	if err != nil {
		return nil, err
	}
	if tableSize%op.EmbedDim != 0 {
		return nil, errors.Errorf("Gather: table with %d elements is not made of rows of embed_dim=%d", tableSize, op.EmbedDim)
	}
	numRows := tableSize / op.EmbedDim
	out := buffers.Zeros(dtypes.Float32, numIndices*op.EmbedDim)
	store := out.Storer()
	for token := range numIndices {
		value := readIndex(token)
		row := int(value)
		if float64(row) != value || row < 0 || row >= numRows {
			continue
		}
		for dim := range op.EmbedDim {
			store(token*op.EmbedDim+dim, readTable(row*op.EmbedDim+dim))
		}
	}
	return []*buffers.Buffer{out}, nil
}
