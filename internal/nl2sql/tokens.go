package nl2sql

import (
	"sync"

	"github.com/weaviate/tiktoken-go"
)

var (
	encoderOnce sync.Once
	encoder     *tiktoken.Tiktoken
)

// CountTokens counts cl100k_base tokens in text. When the encoding cannot be
// loaded (it is fetched on first use) it estimates four bytes per token.
func CountTokens(text string) int {
	encoderOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoder = enc
		}
	})
	if encoder != nil {
		return len(encoder.Encode(text, nil, nil))
	}
	return (len(text) + 3) / 4
}
