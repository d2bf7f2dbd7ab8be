// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package t5

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"math"
	"os"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// tensorEntry is the metadata of one tensor in a safetensors header. The
// offsets are relative to the start of the data section, which follows the
// header.
type tensorEntry struct {
	DType   string   `json:"dtype"`
	Shape   []int    `json:"shape"`
	Offsets [2]int64 `json:"data_offsets"`
}

// loadSafetensors reads a HuggingFace T5 checkpoint (safetensors format) and
// creates the corresponding model variables in ctx, under the scope layout
// used by Forward. Weights stored in float16 or bfloat16 are converted to
// float32.
//
// A safetensors file is an 8 byte little-endian header size, a JSON header
// mapping tensor names to dtype/shape/offsets, and the concatenated raw
// tensor data.
func loadSafetensors(ctx *context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "opening checkpoint %q", path)
	}
	defer func() { _ = f.Close() }()

	var sizeBytes [8]byte
	if _, err := io.ReadFull(f, sizeBytes[:]); err != nil {
		return errors.Wrapf(err, "reading header size of %q", path)
	}
	headerSize := int64(binary.LittleEndian.Uint64(sizeBytes[:]))
	headerBytes := make([]byte, headerSize)
	if _, err := io.ReadFull(f, headerBytes); err != nil {
		return errors.Wrapf(err, "reading header of %q", path)
	}

	var header map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return errors.Wrapf(err, "parsing header of %q", path)
	}

	dataStart := 8 + headerSize
	loaded := 0
	for name, raw := range header {
		if name == "__metadata__" {
			continue
		}
		var entry tensorEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return errors.Wrapf(err, "parsing header entry %q", name)
		}
		scope, varName, transposed, ok := mapCheckpointName(name)
		if !ok {
			continue
		}
		data := make([]byte, entry.Offsets[1]-entry.Offsets[0])
		if _, err := f.ReadAt(data, dataStart+entry.Offsets[0]); err != nil {
			return errors.Wrapf(err, "reading tensor %q", name)
		}
		values, err := decodeFloat32(data, entry.DType)
		if err != nil {
			return errors.WithMessagef(err, "tensor %q", name)
		}
		dims := entry.Shape
		if transposed {
			if len(dims) != 2 {
				return errors.Errorf("tensor %q: expected a matrix to transpose, got shape %v", name, dims)
			}
			values = transpose2D(values, dims[0], dims[1])
			dims = []int{dims[1], dims[0]}
		}
		scopeCtx := ctx
		for _, s := range scope {
			scopeCtx = scopeCtx.In(s)
		}
		scopeCtx.VariableWithValue(varName, tensors.FromFlatDataAndDimensions(values, dims...))
		loaded++
	}
	if loaded == 0 {
		return errors.Errorf("no model tensors recognized in %q", path)
	}
	return nil
}

// mapCheckpointName translates a HuggingFace T5 tensor name to the scope path
// and variable name used by Forward. transposed marks linear-layer weights,
// stored as [outputDim, inputDim] in the checkpoint but expected as
// [inputDim, outputDim] by layers.Dense.
//
// Checkpoint names look like
// "{encoder|decoder}.block.{N}.layer.{M}.{component}.{param}.weight", where
// layer.0 is self-attention, layer.1 is cross-attention (decoder) or the
// feed-forward (encoder), and layer.2 the decoder feed-forward.
func mapCheckpointName(name string) (scope []string, varName string, transposed, ok bool) {
	switch name {
	case "shared.weight":
		return []string{ScopeShared}, "embeddings", false, true
	case "lm_head.weight":
		return []string{ScopeLMHead, "dense"}, "weights", true, true
	case "encoder.embed_tokens.weight", "decoder.embed_tokens.weight":
		// Aliases of shared.weight.
		return nil, "", false, false
	case "encoder.final_layer_norm.weight":
		return []string{ScopeEncoder, "final_norm", "rms_norm"}, "scale", false, true
	case "decoder.final_layer_norm.weight":
		return []string{ScopeDecoder, "final_norm", "rms_norm"}, "scale", false, true
	}

	// All block tensors are weights: T5 linear layers and norms have no biases.
	parts := strings.Split(name, ".")
	if len(parts) < 7 || parts[1] != "block" || parts[3] != "layer" ||
		parts[len(parts)-1] != "weight" ||
		(parts[0] != ScopeEncoder && parts[0] != ScopeDecoder) {
		return nil, "", false, false
	}
	stack, block, layer, component := parts[0], "block_"+parts[2], parts[4], parts[5]

	switch component {
	case "layer_norm":
		if len(parts) != 7 {
			return nil, "", false, false
		}
		norm := "ffn_norm"
		switch {
		case layer == "0":
			norm = "self_attn_norm"
		case layer == "1" && stack == ScopeDecoder:
			norm = "cross_attn_norm"
		}
		return []string{stack, block, norm, "rms_norm"}, "scale", false, true

	case "SelfAttention", "EncDecAttention":
		if len(parts) != 8 {
			return nil, "", false, false
		}
		if parts[6] == "relative_attention_bias" {
			// Only block 0 carries it; the bias is shared by the whole stack.
			return []string{stack, "rel_pos_bias"}, "embeddings", false, true
		}
		attn := "self_attn"
		if component == "EncDecAttention" {
			attn = "cross_attn"
		}
		var proj string
		switch parts[6] {
		case "q":
			proj = "query"
		case "k":
			proj = "key"
		case "v":
			proj = "value"
		case "o":
			proj = "output"
		default:
			return nil, "", false, false
		}
		return []string{stack, block, attn, proj, "dense"}, "weights", true, true

	case "DenseReluDense":
		if len(parts) != 8 {
			return nil, "", false, false
		}
		switch parts[6] {
		case "wi", "wi_0", "wi_1", "wo":
			return []string{stack, block, "ffn", parts[6], "dense"}, "weights", true, true
		}
	}
	return nil, "", false, false
}

// decodeFloat32 decodes the little-endian raw tensor data into float32
// values, upcasting the half-precision formats.
func decodeFloat32(data []byte, dtype string) ([]float32, error) {
	switch dtype {
	case "F32":
		values := make([]float32, len(data)/4)
		for i := range values {
			values[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
		}
		return values, nil
	case "F16":
		values := make([]float32, len(data)/2)
		for i := range values {
			values[i] = float16.Frombits(binary.LittleEndian.Uint16(data[2*i:])).Float32()
		}
		return values, nil
	case "BF16":
		values := make([]float32, len(data)/2)
		for i := range values {
			values[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(data[2*i:])) << 16)
		}
		return values, nil
	}
	return nil, errors.Errorf("unsupported safetensors dtype %q", dtype)
}

func transpose2D(values []float32, rows, cols int) []float32 {
	transposed := make([]float32, len(values))
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			transposed[j*rows+i] = values[i*cols+j]
		}
	}
	return transposed
}
