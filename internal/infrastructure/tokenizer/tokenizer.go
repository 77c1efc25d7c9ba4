package tokenizer

import (
	"fmt"
	"log/slog"
	"sync"
	"unicode"

	"github.com/pkoukk/tiktoken-go"

	"github.com/kirillkom/graphrag-assistant/internal/core/ports"
)

var (
	_ ports.TokenEstimator = Heuristic{}
	_ ports.TokenEstimator = (*Tiktoken)(nil)
)

const DefaultEncoding = "cl100k_base"

// Heuristic estimates tokens without any vocabulary: CJK text at about 1.5 characters per
// token, everything else at about 4. Both parts round up.
type Heuristic struct{}

func (Heuristic) Name() string { return "heuristic" }

func (Heuristic) Count(text string) int {
	var cjk, other int
	for _, r := range text {
		if isCJK(r) {
			cjk++
		} else {
			other++
		}
	}
	return (2*cjk+2)/3 + (other+3)/4
}

func isCJK(r rune) bool {
	return unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul) ||
		(r >= 0x3000 && r <= 0x303F) || (r >= 0xFF00 && r <= 0xFFEF)
}

// Tiktoken counts with a BPE vocabulary and never reports fewer tokens than Heuristic, since
// the generation model's own vocabulary is usually less efficient on Japanese text.
// The encoding is loaded on first use; if that fails the heuristic is used from then on.
type Tiktoken struct {
	encoding string
	logger   *slog.Logger

	once    sync.Once
	encode  func(string) int
	initErr error
}

func NewTiktoken(encoding string, logger *slog.Logger) *Tiktoken {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tiktoken{encoding: encoding, logger: logger}
}

func (t *Tiktoken) Name() string {
	if t.init() != nil {
		return Heuristic{}.Name()
	}
	return "tiktoken:" + t.encoding
}

func (t *Tiktoken) Count(text string) int {
	if text == "" {
		return 0
	}
	estimate := Heuristic{}.Count(text)
	if t.init() != nil {
		return estimate
	}
	return max(t.encode(text), estimate)
}

func (t *Tiktoken) init() error {
	t.once.Do(func() {
		if t.encode != nil {
			return
		}
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.initErr = fmt.Errorf("load tiktoken encoding %s: %w", t.encoding, err)
			t.logger.Warn("tokenizer_fallback_heuristic", "encoding", t.encoding, "error", err)
			return
		}
		t.encode = func(text string) int {
			return len(enc.Encode(text, nil, nil))
		}
	})
	return t.initErr
}
