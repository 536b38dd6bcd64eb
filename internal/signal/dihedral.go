package signal

// Dihedral identifies one of the eight symmetries of the square.
type Dihedral int

// The seven non-identity variants are listed in the order Rotations yields them.
const (
	Original Dihedral = iota
	Rotate90
	Rotate180
	Rotate270
	FlipX
	FlipY
	FlipPlus1
	FlipMinus1
)

var dihedralNames = [...]string{"original", "rot90", "rot180", "rot270", "flipx", "flipy", "flip_plus1", "flip_minus1"}

func (d Dihedral) String() string {
	if d < 0 || int(d) >= len(dihedralNames) {
		return "unknown"
	}
	return dihedralNames[d]
}

// dihedralRule describes how a transform acts on the 16x16 DCT output:
// the coefficient at (i, j) moves to (j, i) when transpose is set and
// changes sign when negate(i, j) is true.
type dihedralRule struct {
	transpose bool
	negate    func(i, j int) bool
}

var dihedralRules = [...]dihedralRule{
	Original:   {false, func(i, j int) bool { return false }},
	Rotate90:   {true, func(i, j int) bool { return j&1 == 0 }},
	Rotate180:  {false, func(i, j int) bool { return (i+j)&1 == 1 }},
	Rotate270:  {true, func(i, j int) bool { return i&1 == 0 }},
	FlipX:      {false, func(i, j int) bool { return i&1 == 0 }},
	FlipY:      {false, func(i, j int) bool { return j&1 == 0 }},
	FlipPlus1:  {true, func(i, j int) bool { return false }},
	FlipMinus1: {true, func(i, j int) bool { return (i+j)&1 == 1 }},
}

// applyDCT writes the transformed coefficients of in to out.
func (d Dihedral) applyDCT(in, out *[dctSize][dctSize]float64) {
	r := dihedralRules[d]
	for i := 0; i < dctSize; i++ {
		for j := 0; j < dctSize; j++ {
			v := in[i][j]
			if r.negate(i, j) {
				v = -v
			}
			if r.transpose {
				out[j][i] = v
			} else {
				out[i][j] = v
			}
		}
	}
}

// Apply maps a code to the code of the transformed image.
//
// Transposition is exact. A sign change of a coefficient is approximated by
// inverting its bit, which holds while the coefficient is far from the median;
// use PDQHasher.HashDihedral for exact variants when the pixels are available.
func (d Dihedral) Apply(h Hash256) Hash256 {
	r := dihedralRules[d]
	var out Hash256
	for i := 0; i < dctSize; i++ {
		for j := 0; j < dctSize; j++ {
			set := h.Bit(i*dctSize + j)
			if r.negate(i, j) {
				set = !set
			}
			dst := i*dctSize + j
			if r.transpose {
				dst = j*dctSize + i
			}
			if set {
				out.SetBit(dst)
			}
		}
	}
	return out
}

// Rotations yields the seven non-identity dihedral variants of h in the fixed
// order rot90, rot180, rot270, flipx, flipy, flip_plus1, flip_minus1.
func Rotations(h Hash256) []Hash256 {
	out := make([]Hash256, 0, 7)
	for d := Rotate90; d <= FlipMinus1; d++ {
		out = append(out, d.Apply(h))
	}
	return out
}
