package rules

import "github.com/tensorgraph/runtime/rterrors"

// ReverseSequence reverses, for each index b along batchAxis, the first
// seqLengths[b] positions of flat along seqAxis, leaving the remaining
// positions unchanged. flat is a row-major flattening of a tensor with
// the given dims.
//
// spec.md §9 notes the source system carries both a stub and a complete
// implementation of this operator and declares the complete one (the
// contract exercised in spec.md §8's end-to-end scenario) authoritative;
// this is that complete implementation, exported so the reference CPU
// provider's ReverseSequence kernel calls it instead of duplicating the
// algorithm. Constant-folding does not fold ReverseSequence.
func ReverseSequence(flat []float64, dims []int64, seqLengths []int64, batchAxis, seqAxis int) ([]float64, error) {
	rank := len(dims)
	if batchAxis < 0 || batchAxis >= rank || seqAxis < 0 || seqAxis >= rank || batchAxis == seqAxis {
		return nil, rterrors.Errorf(rterrors.InvalidArgument, "ReverseSequence: invalid batch_axis=%d seq_axis=%d for rank %d", batchAxis, seqAxis, rank)
	}
	if int64(len(seqLengths)) != dims[batchAxis] {
		return nil, rterrors.Errorf(rterrors.InvalidArgument, "ReverseSequence: seq_lengths has %d entries, batch axis has size %d", len(seqLengths), dims[batchAxis])
	}

	strides := rowMajorStrides(dims)
	total := int64(1)
	for _, d := range dims {
		total *= d
	}

	out := make([]float64, total)
	idx := make([]int64, rank)
	for flatIdx := int64(0); flatIdx < total; flatIdx++ {
		unravel(flatIdx, dims, idx)
		b := idx[batchAxis]
		s := idx[seqAxis]
		seqLen := seqLengths[b]
		if s >= seqLen {
			out[flatIdx] = flat[flatIdx]
			continue
		}
		mirrored := append([]int64(nil), idx...)
		mirrored[seqAxis] = seqLen - 1 - s
		out[flatIdx] = flat[ravel(mirrored, strides)]
	}
	return out, nil
}

func rowMajorStrides(dims []int64) []int64 {
	strides := make([]int64, len(dims))
	stride := int64(1)
	for i := len(dims) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= dims[i]
	}
	return strides
}

func unravel(flatIdx int64, dims []int64, out []int64) {
	for i := len(dims) - 1; i >= 0; i-- {
		out[i] = flatIdx % dims[i]
		flatIdx /= dims[i]
	}
}

func ravel(idx []int64, strides []int64) int64 {
	var flat int64
	for i, s := range strides {
		flat += idx[i] * s
	}
	return flat
}
