// Package preprocessing turns encoded images into the flattened,
// normalized float32 vectors the training pipeline consumes.
package preprocessing

import (
	"fmt"
	"image"
	"image/draw"
	"io"
	"math"
	"os"

	_ "image/jpeg"
	_ "image/png"
)

// Config describes the target tensor layout. Mean and Std are per-channel
// RGB statistics applied after scaling pixels to [0, 1].
type Config struct {
	TargetSize int
	Mean       [3]float32
	Std        [3]float32
}

// DefaultConfig returns the standard 224x224 layout with the usual
// ImageNet channel statistics, matching what pretrained backbones expect.
func DefaultConfig() Config {
	return Config{
		TargetSize: 224,
		Mean:       [3]float32{0.485, 0.456, 0.406},
		Std:        [3]float32{0.229, 0.224, 0.225},
	}
}

// Processor decodes and resizes images to a fixed square size and emits
// normalized CHW float32 data. It is stateless after construction and
// safe for concurrent use.
type Processor struct {
	size int
	mean [3]float32
	std  [3]float32
}

// NewProcessor creates a Processor.
func NewProcessor(cfg Config) (*Processor, error) {
	if cfg.TargetSize <= 0 {
		return nil, fmt.Errorf("target size must be positive, got %d", cfg.TargetSize)
	}
	for c, s := range cfg.Std {
		if s <= 0 {
			return nil, fmt.Errorf("std for channel %d must be positive, got %v", c, s)
		}
	}
	return &Processor{size: cfg.TargetSize, mean: cfg.Mean, std: cfg.Std}, nil
}

// Dim returns the flattened output length: 3 channels by size by size.
func (p *Processor) Dim() int { return 3 * p.size * p.size }

// ProcessFile decodes and preprocesses the image at path.
func (p *Processor) ProcessFile(path string) ([]float32, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %v", err)
	}
	defer file.Close()
	data, err := p.Process(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", path, err)
	}
	return data, nil
}

// Process decodes a JPEG or PNG image, resizes it to the target square
// with bilinear sampling, and returns normalized CHW float32 data.
func (p *Processor) Process(r io.Reader) ([]float32, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %v", err)
	}
	return p.FromImage(img), nil
}

// FromImage preprocesses an already decoded image.
func (p *Processor) FromImage(img image.Image) []float32 {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	// Normalize the source to RGBA so pixel access is a flat byte slice
	// instead of a per-pixel interface call.
	rgba, ok := img.(*image.RGBA)
	if !ok {
		rgba = image.NewRGBA(image.Rect(0, 0, width, height))
		draw.Draw(rgba, rgba.Bounds(), img, bounds.Min, draw.Src)
	}

	size := p.size
	plane := size * size
	out := make([]float32, 3*plane)

	scaleX := float64(width) / float64(size)
	scaleY := float64(height) / float64(size)

	for y := 0; y < size; y++ {
		srcY := (float64(y)+0.5)*scaleY - 0.5
		y0, y1, fy := bilinearAxis(srcY, height)
		for x := 0; x < size; x++ {
			srcX := (float64(x)+0.5)*scaleX - 0.5
			x0, x1, fx := bilinearAxis(srcX, width)

			p00 := rgba.PixOffset(rgba.Rect.Min.X+x0, rgba.Rect.Min.Y+y0)
			p01 := rgba.PixOffset(rgba.Rect.Min.X+x1, rgba.Rect.Min.Y+y0)
			p10 := rgba.PixOffset(rgba.Rect.Min.X+x0, rgba.Rect.Min.Y+y1)
			p11 := rgba.PixOffset(rgba.Rect.Min.X+x1, rgba.Rect.Min.Y+y1)

			idx := y*size + x
			for c := 0; c < 3; c++ {
				top := (1-fx)*float64(rgba.Pix[p00+c]) + fx*float64(rgba.Pix[p01+c])
				bottom := (1-fx)*float64(rgba.Pix[p10+c]) + fx*float64(rgba.Pix[p11+c])
				v := float32((1-fy)*top+fy*bottom) / 255.0
				out[c*plane+idx] = (v - p.mean[c]) / p.std[c]
			}
		}
	}
	return out
}

// bilinearAxis clamps a continuous source coordinate to the image and
// returns the two neighboring integer coordinates and the interpolation
// weight toward the second.
func bilinearAxis(src float64, limit int) (lo, hi int, frac float64) {
	if src < 0 {
		src = 0
	}
	lo = int(math.Floor(src))
	if lo > limit-1 {
		lo = limit - 1
	}
	hi = lo + 1
	if hi > limit-1 {
		hi = limit - 1
	}
	return lo, hi, src - float64(lo)
}
