package rendering

import (
	"bytes"
	"context"
	"hash/fnv"
	"image"
	"image/color"
	"image/png"
	"math/rand/v2"
	"time"
)

// Placeholder draws a deterministic gradient-and-noise image from the prompt and seed.
// It stands in for a diffusion model in development and tests: identical requests
// yield identical bytes, and a different seed yields a different image.
type Placeholder struct {
	// MaxSize caps the drawn edge length; zero draws at the requested size.
	MaxSize int
	// StepDelay is slept once per step to mimic inference time.
	StepDelay time.Duration
}

// NewPlaceholder returns a placeholder renderer capped at 256px with no step delay.
func NewPlaceholder() *Placeholder {
	return &Placeholder{MaxSize: 256}
}

// Render implements Renderer.
func (p *Placeholder) Render(ctx context.Context, req Request) ([]byte, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	if p.StepDelay > 0 {
		ticker := time.NewTicker(p.StepDelay)
		defer ticker.Stop()
		for step := 0; step < req.Steps; step++ {
			select {
			case <-ctx.Done():
				return nil, &RenderError{Message: "render cancelled", Cause: ctx.Err()}
			case <-ticker.C:
			}
		}
	} else if err := ctx.Err(); err != nil {
		return nil, &RenderError{Message: "render cancelled", Cause: err}
	}

	size := req.Size
	if p.MaxSize > 0 && size > p.MaxSize {
		size = p.MaxSize
	}

	h := fnv.New64a()
	h.Write([]byte(req.Prompt))
	rng := rand.New(rand.NewPCG(uint64(req.Seed), h.Sum64()))

	from := color.RGBA{R: uint8(rng.IntN(256)), G: uint8(rng.IntN(256)), B: uint8(rng.IntN(256)), A: 255}
	to := color.RGBA{R: uint8(rng.IntN(256)), G: uint8(rng.IntN(256)), B: uint8(rng.IntN(256)), A: 255}
	// more steps, less noise
	noise := 64 / req.Steps
	if noise < 1 {
		noise = 1
	}

	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			t := float64(x+y) / float64(2*size)
			img.SetRGBA(x, y, color.RGBA{
				R: jitter(lerp(from.R, to.R, t), rng.IntN(2*noise+1)-noise),
				G: jitter(lerp(from.G, to.G, t), rng.IntN(2*noise+1)-noise),
				B: jitter(lerp(from.B, to.B, t), rng.IntN(2*noise+1)-noise),
				A: 255,
			})
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, &RenderError{Message: "failed to encode PNG", Cause: err}
	}
	return buf.Bytes(), nil
}

func lerp(a, b uint8, t float64) int {
	return int(float64(a) + (float64(b)-float64(a))*t)
}

func jitter(v, d int) uint8 {
	v += d
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}
