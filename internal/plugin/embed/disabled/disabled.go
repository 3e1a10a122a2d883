package disabled

import (
	"context"
	"fmt"

	"github.com/threadvault/threadvault/internal/registry/embed"
)

func init() {
	embed.Register(embed.Plugin{
		Name: "none",
		Loader: func(ctx context.Context) (embed.Embedder, error) {
			return &disabledEmbedder{}, nil
		},
	})
}

// disabledEmbedder is the default when no embedding model is configured.
// The indexer checks the vector store before embedding, so this error only
// surfaces on misconfiguration.
type disabledEmbedder struct{}

func (d *disabledEmbedder) EmbedTexts(_ context.Context, _ []string) ([][]float32, error) {
	return nil, fmt.Errorf("no embedder configured")
}

func (d *disabledEmbedder) ModelName() string { return "none" }
func (d *disabledEmbedder) Dimension() int    { return 0 }

var _ embed.Embedder = (*disabledEmbedder)(nil)
