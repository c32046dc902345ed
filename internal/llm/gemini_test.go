// internal/llm/gemini_test.go
package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"github.com/kestrelworks/sitewright/internal/config"
)

func TestNewGeminiClientRequiresAPIKey(t *testing.T) {
	_, err := NewGeminiClient(context.Background(), config.LLMConfig{}, zaptest.NewLogger(t))
	assert.ErrorContains(t, err, "llm.api_key")
}
