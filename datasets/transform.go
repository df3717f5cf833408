package datasets

import (
	"image"
	"image/color"
	"math"
	"math/rand"

	"golang.org/x/image/draw"
)

// JitterParams are the ImageJitter enhancement strengths. Each factor is
// drawn uniformly from [1-p, 1+p].
type JitterParams struct {
	Brightness float64
	Contrast   float64
	Color      float64
}

// TransformLoader builds the image transforms used by the data loaders.
type TransformLoader struct {
	ImageSize int
	Mean      [3]float32
	Std       [3]float32
	Jitter    JitterParams
}

// NewTransformLoader returns a TransformLoader with ImageNet normalization
// and the default 0.4 jitter strengths.
func NewTransformLoader(imageSize int) *TransformLoader {
	return &TransformLoader{
		ImageSize: imageSize,
		Mean:      [3]float32{0.485, 0.456, 0.406},
		Std:       [3]float32{0.229, 0.224, 0.225},
		Jitter:    JitterParams{Brightness: 0.4, Contrast: 0.4, Color: 0.4},
	}
}

// imageStep is a single image-to-image stage of a Transform.
type imageStep func(img *image.RGBA, rng *rand.Rand) *image.RGBA

// Transform converts a decoded image into a normalized CHW float32 buffer.
type Transform struct {
	steps   []imageStep
	size    int
	mean    [3]float32
	std     [3]float32
	augment bool
}

// Composed returns the transform pipeline. With aug the pipeline is
// RandomResizedCrop, ImageJitter, RandomHorizontalFlip; without it a plain
// resize to 1.15x the image size. Both end with ToTensor and Normalize.
func (t *TransformLoader) Composed(aug bool) *Transform {
	tr := &Transform{mean: t.Mean, std: t.Std, augment: aug}
	if aug {
		tr.size = t.ImageSize
		tr.steps = []imageStep{
			randomResizedCrop(t.ImageSize, [2]float64{0.08, 1.0}, [2]float64{3.0 / 4.0, 4.0 / 3.0}),
			imageJitter(t.Jitter),
			randomHorizontalFlip(0.5),
		}
	} else {
		tr.size = int(float64(t.ImageSize) * 1.15)
		tr.steps = []imageStep{resize(tr.size, tr.size)}
	}
	return tr
}

// Shape returns the (channels, height, width) of the produced buffers.
func (t *Transform) Shape() [3]int { return [3]int{3, t.size, t.size} }

// Random reports whether the output depends on the rng. Deterministic
// outputs may be cached.
func (t *Transform) Random() bool { return t.augment }

// Apply runs the pipeline. rng may be nil for deterministic transforms.
func (t *Transform) Apply(img image.Image, rng *rand.Rand) []float32 {
	rgba := toRGBA(img)
	for _, step := range t.steps {
		rgba = step(rgba, rng)
	}
	return t.toTensor(rgba)
}

// toTensor scales to [0,1] and normalizes per channel, CHW layout.
func (t *Transform) toTensor(img *image.RGBA) []float32 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	plane := w * h
	out := make([]float32, 3*plane)
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			px := row[x*4 : x*4+3]
			for c := 0; c < 3; c++ {
				v := float32(px[c]) / 255
				out[c*plane+y*w+x] = (v - t.mean[c]) / t.std[c]
			}
		}
	}
	return out
}

func toRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

func resize(w, h int) imageStep {
	return func(img *image.RGBA, _ *rand.Rand) *image.RGBA {
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
		return dst
	}
}

// randomResizedCrop crops a random area/aspect-ratio region and resizes it
// to size x size. After 10 failed draws it falls back to a center crop.
func randomResizedCrop(size int, scale, ratio [2]float64) imageStep {
	logRatio := [2]float64{math.Log(ratio[0]), math.Log(ratio[1])}
	return func(img *image.RGBA, rng *rand.Rand) *image.RGBA {
		b := img.Bounds()
		width, height := b.Dx(), b.Dy()
		area := float64(width * height)

		crop := image.Rectangle{}
		for range 10 {
			targetArea := area * (scale[0] + rng.Float64()*(scale[1]-scale[0]))
			aspect := math.Exp(logRatio[0] + rng.Float64()*(logRatio[1]-logRatio[0]))
			w := int(math.Round(math.Sqrt(targetArea * aspect)))
			h := int(math.Round(math.Sqrt(targetArea / aspect)))
			if w > 0 && h > 0 && w <= width && h <= height {
				top := rng.Intn(height - h + 1)
				left := rng.Intn(width - w + 1)
				crop = image.Rect(left, top, left+w, top+h)
				break
			}
		}
		if crop.Empty() {
			w, h := width, height
			inRatio := float64(width) / float64(height)
			if inRatio < ratio[0] {
				h = int(math.Round(float64(w) / ratio[0]))
			} else if inRatio > ratio[1] {
				w = int(math.Round(float64(h) * ratio[1]))
			}
			top := (height - h) / 2
			left := (width - w) / 2
			crop = image.Rect(left, top, left+w, top+h)
		}

		dst := image.NewRGBA(image.Rect(0, 0, size, size))
		draw.BiLinear.Scale(dst, dst.Bounds(), img, crop.Add(b.Min), draw.Src, nil)
		return dst
	}
}

func randomHorizontalFlip(p float64) imageStep {
	return func(img *image.RGBA, rng *rand.Rand) *image.RGBA {
		if rng.Float64() >= p {
			return img
		}
		b := img.Bounds()
		w := b.Dx()
		for y := 0; y < b.Dy(); y++ {
			row := img.Pix[y*img.Stride : y*img.Stride+w*4]
			for l, r := 0, w-1; l < r; l, r = l+1, r-1 {
				for c := 0; c < 4; c++ {
					row[l*4+c], row[r*4+c] = row[r*4+c], row[l*4+c]
				}
			}
		}
		return img
	}
}

// imageJitter applies brightness, contrast and color enhancement in that
// order. Each enhancement blends the image with a degenerate version of
// itself: black, the mean gray level, and the grayscale image respectively.
func imageJitter(p JitterParams) imageStep {
	return func(img *image.RGBA, rng *rand.Rand) *image.RGBA {
		if p.Brightness > 0 {
			f := p.Brightness*(rng.Float64()*2-1) + 1
			blendPixels(img, f, func(_, _, _ uint8) color.RGBA { return color.RGBA{} })
		}
		if p.Contrast > 0 {
			f := p.Contrast*(rng.Float64()*2-1) + 1
			m := uint8(math.Round(meanLuma(img)))
			blendPixels(img, f, func(_, _, _ uint8) color.RGBA { return color.RGBA{R: m, G: m, B: m} })
		}
		if p.Color > 0 {
			f := p.Color*(rng.Float64()*2-1) + 1
			blendPixels(img, f, func(r, g, b uint8) color.RGBA {
				l := luma(r, g, b)
				return color.RGBA{R: l, G: l, B: l}
			})
		}
		return img
	}
}

// blendPixels sets every pixel to degenerate + f*(pixel-degenerate), clipped.
func blendPixels(img *image.RGBA, f float64, degenerate func(r, g, b uint8) color.RGBA) {
	b := img.Bounds()
	for y := 0; y < b.Dy(); y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < b.Dx(); x++ {
			px := row[x*4 : x*4+3]
			d := degenerate(px[0], px[1], px[2])
			px[0] = blendChannel(d.R, px[0], f)
			px[1] = blendChannel(d.G, px[1], f)
			px[2] = blendChannel(d.B, px[2], f)
		}
	}
}

func blendChannel(d, v uint8, f float64) uint8 {
	out := float64(d) + f*(float64(v)-float64(d))
	return uint8(math.Max(0, math.Min(255, math.Round(out))))
}

// luma is the ITU-R 601-2 grayscale conversion.
func luma(r, g, b uint8) uint8 {
	return uint8((int(r)*299 + int(g)*587 + int(b)*114 + 500) / 1000)
}

func meanLuma(img *image.RGBA) float64 {
	b := img.Bounds()
	n := b.Dx() * b.Dy()
	if n == 0 {
		return 0
	}
	var sum float64
	for y := 0; y < b.Dy(); y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < b.Dx(); x++ {
			sum += float64(luma(row[x*4], row[x*4+1], row[x*4+2]))
		}
	}
	return sum / float64(n)
}
