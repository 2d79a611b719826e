package rendering

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jonathan/persona-imagegen/internal/config"
)

// Request describes one render.
type Request struct {
	Prompt string
	Seed   int64
	Size   int
	Steps  int
}

// Renderer produces PNG bytes for a request. Implementations must honor ctx
// cancellation and must not write any file the artifact store owns.
type Renderer interface {
	Render(ctx context.Context, req Request) ([]byte, error)
}

// RendererFunc adapts a function to the Renderer interface.
type RendererFunc func(ctx context.Context, req Request) ([]byte, error)

// Render calls f.
func (f RendererFunc) Render(ctx context.Context, req Request) ([]byte, error) {
	return f(ctx, req)
}

// New builds the renderer selected by cfg.
func New(cfg config.RendererConfig, logger *slog.Logger) (Renderer, error) {
	switch cfg.Kind {
	case config.RendererPlaceholder, "":
		return NewPlaceholder(), nil
	case config.RendererCommand:
		return NewCommand(cfg.Command, cfg.Args, cfg.Timeout, logger)
	default:
		return nil, fmt.Errorf("unknown renderer kind %q", cfg.Kind)
	}
}

func validateRequest(req Request) error {
	if req.Prompt == "" {
		return &RenderError{Message: "empty prompt"}
	}
	if req.Size <= 0 || req.Steps <= 0 {
		return &RenderError{Message: fmt.Sprintf("invalid size %d or steps %d", req.Size, req.Steps)}
	}
	return nil
}
