//go:build onnx

package embed

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/Napageneral/isearch/internal/config"
)

var (
	ortOnce sync.Once
	ortErr  error
)

func initRuntime(libraryPath string) error {
	ortOnce.Do(func() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		ortErr = ort.InitializeEnvironment()
	})
	return ortErr
}

// ONNXEmbedder runs all-MiniLM-L6-v2 through ONNX Runtime with mean pooling
// and L2 normalization.
type ONNXEmbedder struct {
	session    *ort.DynamicAdvancedSession
	tokenizer  *Tokenizer
	dimensions int
	logger     zerolog.Logger
}

func newONNX(cfg config.EmbedderConfig, logger zerolog.Logger) (Embedder, error) {
	return NewONNX(cfg, logger)
}

// NewONNX loads the model and tokenizer named by cfg.
func NewONNX(cfg config.EmbedderConfig, logger zerolog.Logger) (*ONNXEmbedder, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("embed: model_path is required")
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = config.DefaultDimensions
	}
	if err := initRuntime(cfg.LibraryPath); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX runtime: %w", err)
	}

	tokenizer, err := LoadTokenizer(cfg.TokenizerPath)
	if err != nil {
		return nil, err
	}

	inputNames := []string{"input_ids", "attention_mask", "token_type_ids"}
	outputNames := []string{"last_hidden_state"}
	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath, inputNames, outputNames, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	logger.Info().Str("model", cfg.ModelPath).Int("dimensions", cfg.Dimensions).Msg("loaded ONNX embedder")
	return &ONNXEmbedder{
		session:    session,
		tokenizer:  tokenizer,
		dimensions: cfg.Dimensions,
		logger:     logger,
	}, nil
}

// Embed runs one inference over all texts, padded to the longest sequence.
func (e *ONNXEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	encoded := make([][]int64, len(texts))
	seqLen := 0
	for i, text := range texts {
		encoded[i] = e.tokenizer.Encode(text)
		if len(encoded[i]) > seqLen {
			seqLen = len(encoded[i])
		}
	}

	n := len(texts)
	inputIDs := make([]int64, n*seqLen)
	attentionMask := make([]int64, n*seqLen)
	tokenTypeIDs := make([]int64, n*seqLen)
	for i, ids := range encoded {
		row := i * seqLen
		for j := 0; j < seqLen; j++ {
			if j < len(ids) {
				inputIDs[row+j] = ids[j]
				attentionMask[row+j] = 1
			} else {
				inputIDs[row+j] = e.tokenizer.padToken
			}
		}
	}

	shape := ort.NewShape(int64(n), int64(seqLen))
	inputIDsTensor, err := ort.NewTensor(shape, inputIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to create input_ids tensor: %w", err)
	}
	defer inputIDsTensor.Destroy()
	attentionMaskTensor, err := ort.NewTensor(shape, attentionMask)
	if err != nil {
		return nil, fmt.Errorf("failed to create attention_mask tensor: %w", err)
	}
	defer attentionMaskTensor.Destroy()
	tokenTypeIDsTensor, err := ort.NewTensor(shape, tokenTypeIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to create token_type_ids tensor: %w", err)
	}
	defer tokenTypeIDsTensor.Destroy()

	// Outputs are allocated by Run.
	outputs := []ort.Value{nil}
	if err := e.session.Run([]ort.Value{inputIDsTensor, attentionMaskTensor, tokenTypeIDsTensor}, outputs); err != nil {
		return nil, fmt.Errorf("ONNX inference failed: %w", err)
	}
	defer func() {
		for _, out := range outputs {
			if out != nil {
				out.Destroy()
			}
		}
	}()

	hidden, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output tensor type")
	}
	outShape := hidden.GetShape()
	if len(outShape) != 3 || outShape[0] != int64(n) || outShape[1] != int64(seqLen) || outShape[2] != int64(e.dimensions) {
		return nil, fmt.Errorf("unexpected output shape: %v", outShape)
	}
	e.logger.Debug().Int("texts", n).Int("seq_len", seqLen).Msg("onnx inference")
	return meanPool(hidden.GetData(), attentionMask, n, seqLen, e.dimensions), nil
}

// Dimensions returns the embedding vector size.
func (e *ONNXEmbedder) Dimensions() int {
	return e.dimensions
}

// Close releases ONNX resources.
func (e *ONNXEmbedder) Close() error {
	if e.session != nil {
		return e.session.Destroy()
	}
	return nil
}
