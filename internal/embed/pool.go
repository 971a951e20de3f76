package embed

// meanPool averages hidden states [n, seqLen, dims] over attended tokens and
// normalizes each row to unit length.
func meanPool(hidden []float32, mask []int64, n, seqLen, dims int) [][]float32 {
	out := make([][]float32, n)
	for i := 0; i < n; i++ {
		vec := make([]float32, dims)
		attended := 0
		for j := 0; j < seqLen; j++ {
			if mask[i*seqLen+j] == 0 {
				continue
			}
			attended++
			offset := (i*seqLen + j) * dims
			for k := 0; k < dims; k++ {
				vec[k] += hidden[offset+k]
			}
		}
		if attended > 0 {
			for k := range vec {
				vec[k] /= float32(attended)
			}
		}
		out[i] = normalize(vec)
	}
	return out
}
