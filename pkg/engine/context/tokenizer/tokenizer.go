// Package tokenizer counts tokens for context-budget accounting. It is
// deliberately decoupled from any one provider's wire format: the context
// curator only needs a stable, monotonic notion of "how many tokens would
// this text cost," not provider-exact counts.
package tokenizer

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkoukk/tiktoken-go"

	"AgentEngine/pkg/logger"
)

// Counter is the pluggable token-counting contract the context curator
// depends on, so the model-specific tokenizer can be swapped without
// touching curator logic.
type Counter interface {
	Count(text string) int
}

// byteHeuristicCounter approximates token count as roughly one token per
// four bytes of UTF-8 text, the commonly cited ratio for English prose
// under BPE tokenizers. Used when a real tokenizer can't be loaded, so the
// curator always has a usable (if approximate) signal.
type byteHeuristicCounter struct{}

func (byteHeuristicCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}

// TiktokenCounter counts tokens using a cl100k-family BPE encoding, with an
// LRU cache so re-counting an unchanged history prefix (as happens every
// model round) doesn't re-run the encoder.
type TiktokenCounter struct {
	enc   *tiktoken.Tiktoken
	cache *lru.Cache[string, int]
	mu    sync.Mutex
}

// NewTiktokenCounter loads the named encoding (e.g. "cl100k_base") with an
// LRU result cache of cacheSize entries. Falls back to a byte-heuristic
// counter if the encoding can't be loaded (e.g. no network access to fetch
// the BPE ranks file on first use).
func NewTiktokenCounter(encodingName string, cacheSize int) Counter {
	if encodingName == "" {
		encodingName = "cl100k_base"
	}
	if cacheSize <= 0 {
		cacheSize = 1024
	}

	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		logger.Warn("Tokenizer", "falling back to byte-heuristic counter", map[string]interface{}{
			"encoding": encodingName,
			"error":    err.Error(),
		})
		return byteHeuristicCounter{}
	}

	cache, err := lru.New[string, int](cacheSize)
	if err != nil {
		// Cache construction failing (bad size) is a programmer error, not
		// a runtime condition; degrade to uncached rather than panic.
		cache = nil
	}

	return &TiktokenCounter{enc: enc, cache: cache}
}

func (c *TiktokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}

	if c.cache != nil {
		c.mu.Lock()
		if n, ok := c.cache.Get(text); ok {
			c.mu.Unlock()
			return n
		}
		c.mu.Unlock()
	}

	n := len(c.enc.Encode(text, nil, nil))

	if c.cache != nil {
		c.mu.Lock()
		c.cache.Add(text, n)
		c.mu.Unlock()
	}
	return n
}
