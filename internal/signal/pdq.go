package signal

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"math"
	"sort"

	// Registered decoders for HashImage.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/timmy/mediamatch/internal/domain"
)

const (
	maxThumbnailSide   = 512
	decimatedSize      = 64
	dctSize            = 16
	jaroszPasses       = 2
	jaroszWindowDivide = 128

	lumaR = 0.299
	lumaG = 0.587
	lumaB = 0.114

	// minLumaVariance separates real images from flat ones once downscaled.
	minLumaVariance = 1e-6
)

// PDQResult is a PDQ hash with its quality score in [0, 100].
type PDQResult struct {
	Hash    Hash256
	Quality int
}

// PDQHasher computes PDQ perceptual hashes. It holds only the DCT matrix and
// is safe for concurrent use.
type PDQHasher struct {
	dct [dctSize][decimatedSize]float64
}

// NewPDQHasher precomputes the 16x64 DCT-II matrix.
func NewPDQHasher() *PDQHasher {
	h := &PDQHasher{}
	scale := math.Sqrt(2.0 / decimatedSize)
	for i := 0; i < dctSize; i++ {
		for j := 0; j < decimatedSize; j++ {
			h.dct[i][j] = scale * math.Cos((math.Pi/2/decimatedSize)*float64(i+1)*float64(2*j+1))
		}
	}
	return h
}

// HashImage decodes data and returns its PDQ hash.
func (p *PDQHasher) HashImage(data []byte) (PDQResult, error) {
	coeffs, quality, err := p.coefficients(data)
	if err != nil {
		return PDQResult{}, err
	}
	return PDQResult{Hash: coeffsToHash(&coeffs), Quality: quality}, nil
}

// HashDihedral returns the hashes of all eight dihedral transforms of the
// image, indexed by Dihedral. These are exact, unlike Dihedral.Apply.
func (p *PDQHasher) HashDihedral(data []byte) ([8]Hash256, int, error) {
	var out [8]Hash256
	coeffs, quality, err := p.coefficients(data)
	if err != nil {
		return out, 0, err
	}
	var buf [dctSize][dctSize]float64
	for d := Original; d <= FlipMinus1; d++ {
		d.applyDCT(&coeffs, &buf)
		out[d] = coeffsToHash(&buf)
	}
	return out, quality, nil
}

func (p *PDQHasher) coefficients(data []byte) ([dctSize][dctSize]float64, int, error) {
	var coeffs [dctSize][dctSize]float64

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			return coeffs, 0, fmt.Errorf("%w: %v", domain.ErrUnsupportedType, err)
		}
		return coeffs, 0, fmt.Errorf("%w: %v", domain.ErrDecode, err)
	}

	luma, rows, cols := lumaFromImage(thumbnail(img))
	if rows == 0 || cols == 0 {
		return coeffs, 0, fmt.Errorf("%w: empty image", domain.ErrDecode)
	}

	scratch := make([]float64, len(luma))
	jaroszFilter(luma, scratch, rows, cols, windowSize(cols), windowSize(rows))

	var small [decimatedSize][decimatedSize]float64
	decimate(luma, rows, cols, &small)
	if variance(&small) < minLumaVariance {
		return coeffs, 0, fmt.Errorf("%w: luminance is flat", domain.ErrHash)
	}

	quality := imageQuality(&small)
	p.dct64To16(&small, &coeffs)
	return coeffs, quality, nil
}

// thumbnail shrinks img so neither side exceeds 512 pixels, keeping aspect ratio.
func thumbnail(img image.Image) *image.NRGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w > maxThumbnailSide || h > maxThumbnailSide {
		ratio := math.Min(float64(maxThumbnailSide)/float64(w), float64(maxThumbnailSide)/float64(h))
		nw := max(1, int(math.Round(float64(w)*ratio)))
		nh := max(1, int(math.Round(float64(h)*ratio)))
		dst := image.NewNRGBA(image.Rect(0, 0, nw, nh))
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
		return dst
	}
	if n, ok := img.(*image.NRGBA); ok && b.Min == (image.Point{}) {
		return n
	}
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

func lumaFromImage(img *image.NRGBA) ([]float64, int, int) {
	b := img.Bounds()
	rows, cols := b.Dy(), b.Dx()
	luma := make([]float64, rows*cols)
	for y := 0; y < rows; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < cols; x++ {
			px := row[x*4:]
			luma[y*cols+x] = lumaR*float64(px[0]) + lumaG*float64(px[1]) + lumaB*float64(px[2])
		}
	}
	return luma, rows, cols
}

func windowSize(dimension int) int {
	return (dimension + jaroszWindowDivide - 1) / jaroszWindowDivide
}

// jaroszFilter applies two X,Y passes of 1-D box filters, which approximates
// a tent filter. The result is left in buf.
func jaroszFilter(buf, scratch []float64, rows, cols, windowAlongRows, windowAlongCols int) {
	for pass := 0; pass < jaroszPasses; pass++ {
		for i := 0; i < rows; i++ {
			box1D(buf, i*cols, scratch, i*cols, cols, 1, windowAlongRows)
		}
		for j := 0; j < cols; j++ {
			box1D(scratch, j, buf, j, rows, cols, windowAlongCols)
		}
	}
}

// box1D is a running-sum box filter over a strided vector. The window is
// centred, so it grows at the leading edge and shrinks at the trailing edge.
func box1D(in []float64, inOff int, out []float64, outOff, length, stride, window int) {
	half := (window + 2) / 2
	grow := half - 1
	lead := window - half + 1
	full := length - window
	tail := half - 1

	var sum float64
	n := 0
	li, ri, oi := 0, 0, 0

	for i := 0; i < grow; i++ {
		sum += in[inOff+ri]
		n++
		ri += stride
	}
	for i := 0; i < lead; i++ {
		sum += in[inOff+ri]
		n++
		out[outOff+oi] = sum / float64(n)
		ri += stride
		oi += stride
	}
	for i := 0; i < full; i++ {
		sum += in[inOff+ri]
		sum -= in[inOff+li]
		out[outOff+oi] = sum / float64(n)
		li += stride
		ri += stride
		oi += stride
	}
	for i := 0; i < tail; i++ {
		sum -= in[inOff+li]
		n--
		out[outOff+oi] = sum / float64(n)
		li += stride
		oi += stride
	}
}

func decimate(in []float64, rows, cols int, out *[decimatedSize][decimatedSize]float64) {
	for i := 0; i < decimatedSize; i++ {
		ini := int((float64(i) + 0.5) * float64(rows) / decimatedSize)
		for j := 0; j < decimatedSize; j++ {
			inj := int((float64(j) + 0.5) * float64(cols) / decimatedSize)
			out[i][j] = in[ini*cols+inj]
		}
	}
}

func variance(buf *[decimatedSize][decimatedSize]float64) float64 {
	var sum, sumSq float64
	for i := range buf {
		for _, v := range buf[i] {
			sum += v
			sumSq += v * v
		}
	}
	n := float64(decimatedSize * decimatedSize)
	mean := sum / n
	return sumSq/n - mean*mean
}

// imageQuality counts significant gradients between neighbouring pixels.
func imageQuality(buf *[decimatedSize][decimatedSize]float64) int {
	gradients := 0
	for i := 0; i < decimatedSize-1; i++ {
		for j := 0; j < decimatedSize; j++ {
			d := int((buf[i][j] - buf[i+1][j]) * 100 / 255)
			gradients += absInt(d)
		}
	}
	for i := 0; i < decimatedSize; i++ {
		for j := 0; j < decimatedSize-1; j++ {
			d := int((buf[i][j] - buf[i][j+1]) * 100 / 255)
			gradients += absInt(d)
		}
	}
	return min(gradients/90, 100)
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// dct64To16 computes out = D * in * Dt, keeping only the 16x16 low-frequency block.
func (p *PDQHasher) dct64To16(in *[decimatedSize][decimatedSize]float64, out *[dctSize][dctSize]float64) {
	var t [dctSize][decimatedSize]float64
	for i := 0; i < dctSize; i++ {
		for j := 0; j < decimatedSize; j++ {
			var s float64
			for k := 0; k < decimatedSize; k++ {
				s += p.dct[i][k] * in[k][j]
			}
			t[i][j] = s
		}
	}
	for i := 0; i < dctSize; i++ {
		for j := 0; j < dctSize; j++ {
			var s float64
			for k := 0; k < decimatedSize; k++ {
				s += t[i][k] * p.dct[j][k]
			}
			out[i][j] = s
		}
	}
}

// coeffsToHash sets bit i*16+j when coefficient (i, j) exceeds the median.
func coeffsToHash(coeffs *[dctSize][dctSize]float64) Hash256 {
	sorted := make([]float64, 0, dctSize*dctSize)
	for i := range coeffs {
		sorted = append(sorted, coeffs[i][:]...)
	}
	sort.Float64s(sorted)
	median := sorted[len(sorted)/2-1]

	var h Hash256
	for i := 0; i < dctSize; i++ {
		for j := 0; j < dctSize; j++ {
			if coeffs[i][j] > median {
				h.SetBit(i*dctSize + j)
			}
		}
	}
	return h
}
