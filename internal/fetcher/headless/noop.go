package headless

import (
	"context"
	"fmt"

	"github.com/JakeFAU/oem-monitor/internal/crawler"
)

// Noop implements crawler.Renderer for deployments without Chrome. Every
// render fails, which the pipeline treats like any other render error.
type Noop struct{}

// NewNoop creates a new Noop renderer.
func NewNoop() *Noop {
	return &Noop{}
}

// Render always returns an error wrapping crawler.ErrRender.
func (Noop) Render(_ context.Context, request crawler.FetchRequest) (crawler.RenderResponse, error) {
	return crawler.RenderResponse{}, fmt.Errorf("%w: %s: renderer not configured", crawler.ErrRender, request.URL)
}
