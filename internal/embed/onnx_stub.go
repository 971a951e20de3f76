//go:build !onnx

package embed

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/Napageneral/isearch/internal/config"
)

func newONNX(cfg config.EmbedderConfig, logger zerolog.Logger) (Embedder, error) {
	return nil, fmt.Errorf("embed: onnx provider not compiled in (rebuild with -tags onnx, or set embedder.provider: hash)")
}
