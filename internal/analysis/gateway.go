// Package analysis turns a seed product and its scraped competitors into a
// structured competitive report using the Anthropic API.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/Bh3ky/price-atlas/internal/model"
	"github.com/Bh3ky/price-atlas/pkg/anthropic"
)

// Sentinel failures. ErrInsufficientInput, ErrMalformed, and
// ErrInvalidRequest are permanent; ErrProviderUnavailable is worth retrying.
var (
	ErrInsufficientInput   = eris.New("analysis: no competitors to analyze")
	ErrMalformed           = eris.New("analysis: malformed model output")
	ErrInvalidRequest      = eris.New("analysis: provider rejected the request")
	ErrProviderUnavailable = eris.New("analysis: provider unavailable")
)

// Analyzer is the analysis surface the pipeline depends on.
type Analyzer interface {
	Analyze(ctx context.Context, seed *model.Product, competitors []model.Product) (*model.AnalysisReport, error)
}

const defaultMaxTokens = 4096

// AnthropicAnalyzer implements Analyzer over the messages API.
type AnthropicAnalyzer struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

func NewAnthropicAnalyzer(client anthropic.Client, modelID string, maxTokens int64) *AnthropicAnalyzer {
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &AnthropicAnalyzer{client: client, model: modelID, maxTokens: maxTokens}
}

func (a *AnthropicAnalyzer) Analyze(ctx context.Context, seed *model.Product, competitors []model.Product) (*model.AnalysisReport, error) {
	if len(competitors) == 0 {
		return nil, eris.Wrapf(ErrInsufficientInput, "seed %s", seed.ASIN)
	}

	prompt, err := buildPrompt(seed, competitors)
	if err != nil {
		return nil, eris.Wrap(err, "analysis: build prompt")
	}

	temp := 0.0
	resp, err := a.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       a.model,
		MaxTokens:   a.maxTokens,
		System:      systemPrompt,
		Messages:    []anthropic.Message{{Role: "user", Content: prompt}},
		Temperature: &temp,
	})
	if err != nil {
		return nil, classify(seed.ASIN, err)
	}
	resp.Usage.LogUsage(resp.Model, "analyze")

	var content model.ReportContent
	if err := json.Unmarshal([]byte(cleanJSON(resp.Text)), &content); err != nil {
		zap.L().Debug("failed to parse analysis JSON",
			zap.String("seed", seed.ASIN),
			zap.Error(err))
		return nil, eris.Wrapf(ErrMalformed, "seed %s: %v", seed.ASIN, err)
	}
	if content.Summary == "" {
		return nil, eris.Wrapf(ErrMalformed, "seed %s: empty summary", seed.ASIN)
	}

	asins := make([]string, len(competitors))
	for i, c := range competitors {
		asins[i] = c.ASIN
	}

	return &model.AnalysisReport{
		SeedASIN:        seed.ASIN,
		CompetitorASINs: asins,
		Content:         content,
		ModelVersion:    resp.Model,
		InputTokens:     resp.Usage.InputTokens,
		OutputTokens:    resp.Usage.OutputTokens,
		GeneratedAt:     time.Now().UTC(),
	}, nil
}

func classify(seedASIN string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	status := anthropic.StatusCode(err)
	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		return eris.Wrapf(ErrProviderUnavailable, "seed %s: HTTP %d", seedASIN, status)
	case status >= 400:
		// 4xx other than 429 means the request itself is bad; retrying
		// the same payload cannot help.
		return eris.Wrapf(ErrInvalidRequest, "seed %s: HTTP %d", seedASIN, status)
	}
	return eris.Wrapf(ErrProviderUnavailable, "seed %s: %v", seedASIN, err)
}
