// Package ollama provides an embedding backend for duplicate detection using
// a locally running ollama server.
package ollama

import (
	"context"
	"fmt"

	"github.com/ollama/ollama/api"

	"github.com/chrysalis-ai/memsync/memory"
)

type Model string

const (
	ModelMXBAI Model = "mxbai-embed-large"
)

type embedder struct {
	client *api.Client
	model  Model
}

// NewEmbedder connects to the ollama server named by the environment and
// returns an embedder for the given model.
func NewEmbedder(model Model) (memory.Embedder, error) {
	cli, err := api.ClientFromEnvironment()
	if err != nil {
		return nil, err
	}
	return &embedder{client: cli, model: model}, nil
}

func (e *embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.Embed(ctx, &api.EmbedRequest{
		Model: string(e.model),
		Input: text,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to embed text: %w", err)
	}
	return resp.Embeddings[0], nil
}
