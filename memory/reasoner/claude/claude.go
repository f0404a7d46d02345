// Package claude implements the memory.Reasoner contract on the
// Anthropic Messages API.
package claude

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/sirupsen/logrus"
)

// Config configures the Claude reasoner.
type Config struct {
	// Model is the Claude model to use.
	Model string

	// ScoringMaxTokens bounds relevance-scoring responses; the reply is
	// a single number, so the budget stays small.
	ScoringMaxTokens int64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Model:            "claude-sonnet-4-20250514",
		ScoringMaxTokens: 16,
	}
}

// Reasoner calls the Anthropic Messages API for generation and
// pointwise relevance scoring.
type Reasoner struct {
	client *anthropic.Client
	config *Config
	logger *logrus.Logger
}

// New creates a Reasoner around an existing Anthropic client.
func New(client *anthropic.Client, config *Config, logger *logrus.Logger) *Reasoner {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Reasoner{client: client, config: config, logger: logger}
}

// Generate returns generated text for the prompt.
func (r *Reasoner) Generate(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error) {
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	resp, err := r.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(r.config.Model),
		MaxTokens:   int64(maxTokens),
		Temperature: anthropic.Float(temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("claude generate: %w", err)
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return text, nil
}

// ScoreRelevance rates document relevance to query in [0,1] by asking
// the model for a bare number and parsing the reply.
func (r *Reasoner) ScoreRelevance(ctx context.Context, query, document string) (float64, error) {
	prompt := fmt.Sprintf(
		"Rate how relevant the document is to the query on a scale from 0.0 to 1.0.\n"+
			"Reply with only the number.\n\nQuery: %s\n\nDocument: %s",
		query, document)

	resp, err := r.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(r.config.Model),
		MaxTokens: r.config.ScoringMaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return 0, fmt.Errorf("claude score: %w", err)
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	score, err := parseScore(text)
	if err != nil {
		r.logger.WithFields(logrus.Fields{
			"component": "reasoner",
			"reply":     text,
		}).Warn("unparseable relevance score, defaulting to 0.5")
		return 0.5, nil
	}
	return score, nil
}

// parseScore extracts the first float in the reply and clamps to [0,1].
func parseScore(text string) (float64, error) {
	for _, field := range strings.Fields(text) {
		field = strings.Trim(field, ".,:;")
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			continue
		}
		if v < 0 {
			v = 0
		}
		if v > 1 {
			v = 1
		}
		return v, nil
	}
	return 0, fmt.Errorf("no number in reply %q", text)
}
