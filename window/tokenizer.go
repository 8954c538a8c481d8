package window

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"

	"github.com/mnemo-ai/mnemo/types"
)

// TiktokenCounter counts tokens with a real BPE encoding. Initialization
// is lazy because the encoding data may be fetched on first use; if it
// fails, counting falls back to the character estimator so the window
// never stops working.
type TiktokenCounter struct {
	encoding string
	logger   *zap.Logger

	once     sync.Once
	enc      *tiktoken.Tiktoken
	fallback types.Tokenizer
}

// NewTiktokenCounter builds a counter for the given encoding, defaulting
// to cl100k_base.
func NewTiktokenCounter(encoding string, logger *zap.Logger) *TiktokenCounter {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TiktokenCounter{
		encoding: encoding,
		logger:   logger.With(zap.String("component", "tiktoken_counter")),
		fallback: types.NewEstimateTokenizer(types.DefaultCharsPerToken),
	}
}

// CountTokens implements types.Tokenizer.
func (t *TiktokenCounter) CountTokens(text string) int {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.logger.Warn("tiktoken init failed, using estimator",
				zap.String("encoding", t.encoding), zap.Error(err))
			return
		}
		t.enc = enc
	})
	if t.enc == nil {
		return t.fallback.CountTokens(text)
	}
	return len(t.enc.Encode(text, nil, nil))
}
