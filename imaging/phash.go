package imaging

import (
	"image"
	"math/bits"

	"golang.org/x/image/draw"
)

// phashEdge is the side length of the downsample grid; the fingerprint holds
// one bit per grid cell.
const phashEdge = 32

// FingerprintBits is the number of bits in a Fingerprint.
const FingerprintBits = phashEdge * phashEdge

// Fingerprint is an average-luminance perceptual hash: the image is scaled to
// a 32x32 grid, converted to grayscale, and each cell contributes one bit
// (1 = above the mean luminance). It is a coarse similarity signal, not a
// cryptographic digest.
type Fingerprint [FingerprintBits / 64]uint64

// FingerprintImage computes the perceptual fingerprint of a decoded image.
func FingerprintImage(img image.Image) Fingerprint {
	small := image.NewGray(image.Rect(0, 0, phashEdge, phashEdge))
	draw.ApproxBiLinear.Scale(small, small.Bounds(), img, img.Bounds(), draw.Src, nil)

	var sum uint64
	for _, px := range small.Pix {
		sum += uint64(px)
	}
	mean := uint8(sum / uint64(len(small.Pix)))

	var fp Fingerprint
	for i, px := range small.Pix {
		if px > mean {
			fp[i/64] |= 1 << uint(i%64)
		}
	}
	return fp
}

// FingerprintBytes decodes raw image bytes and fingerprints them.
func FingerprintBytes(data []byte) (Fingerprint, error) {
	img, err := Decode(data)
	if err != nil {
		return Fingerprint{}, err
	}
	return FingerprintImage(img), nil
}

// Distance returns the Hamming distance between two fingerprints: the number
// of grid cells on which they disagree, in [0, FingerprintBits].
func Distance(a, b Fingerprint) int {
	d := 0
	for i := range a {
		d += bits.OnesCount64(a[i] ^ b[i])
	}
	return d
}
