package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"google.golang.org/genai"

	"github.com/JakeFAU/procurement-enricher/internal/clock/system"
	"github.com/JakeFAU/procurement-enricher/internal/enrich"
)

const (
	defaultModel     = "gemini-2.0-flash"
	defaultTimeout   = 60 * time.Second
	defaultQuotaWait = time.Minute
)

// Generator produces a text completion for prompt using the given secret.
type Generator interface {
	Generate(ctx context.Context, secret, prompt string) (string, error)
}

// GeminiConfig configures the Gemini generator.
type GeminiConfig struct {
	Model       string
	Temperature float32
	Timeout     time.Duration
	// QuotaWait is the reset delay assumed when a quota error carries none.
	QuotaWait time.Duration
	Clock     enrich.Clock
}

// GeminiGenerator calls the Gemini API. It keeps one client per credential
// secret so failover between credentials does not rebuild clients.
type GeminiGenerator struct {
	cfg GeminiConfig

	mu      sync.Mutex
	clients map[string]*genai.Client
}

// NewGeminiGenerator builds a generator with defaults applied.
func NewGeminiGenerator(cfg GeminiConfig) *GeminiGenerator {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.QuotaWait <= 0 {
		cfg.QuotaWait = defaultQuotaWait
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	return &GeminiGenerator{cfg: cfg, clients: make(map[string]*genai.Client)}
}

// Generate sends a single-turn prompt and returns the response text.
func (g *GeminiGenerator) Generate(ctx context.Context, secret, prompt string) (string, error) {
	client, err := g.client(ctx, secret)
	if err != nil {
		return "", err
	}
	callCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	contents := []*genai.Content{{
		Role:  genai.RoleUser,
		Parts: []*genai.Part{genai.NewPartFromText(prompt)},
	}}
	resp, err := client.Models.GenerateContent(callCtx, g.cfg.Model, contents, &genai.GenerateContentConfig{
		Temperature: genai.Ptr(g.cfg.Temperature),
	})
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return "", &TransientError{Err: fmt.Errorf("gemini call timed out after %s: %w", g.cfg.Timeout, err)}
		}
		return "", classify(err, g.cfg.Clock.Now(), g.cfg.QuotaWait)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", eris.Wrap(ErrEmptyResponse, "gemini generate content")
	}
	return text, nil
}

func (g *GeminiGenerator) client(ctx context.Context, secret string) (*genai.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.clients[secret]; ok {
		return c, nil
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  secret,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, eris.Wrap(err, "create gemini client")
	}
	g.clients[secret] = c
	return c, nil
}

// classify maps a provider error onto the quota/transient taxonomy.
func classify(err error, now time.Time, quotaWait time.Duration) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	code, status, msg := apiErrorFields(err)
	if code == 429 || status == "RESOURCE_EXHAUSTED" || (code == 0 && isQuotaMessage(msg)) {
		wait := RetryDelay(msg)
		if wait <= 0 {
			wait = quotaWait
		}
		return &QuotaError{ResetAt: now.Add(wait), Err: eris.Wrap(err, "gemini quota")}
	}
	if IsTransientStatus(code) {
		return &TransientError{Err: eris.Wrap(err, "gemini unavailable"), StatusCode: code}
	}
	return eris.Wrap(err, "gemini generate content")
}

func apiErrorFields(err error) (int, string, string) {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code, apiErr.Status, apiErr.Message
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return apiErrPtr.Code, apiErrPtr.Status, apiErrPtr.Message
	}
	return 0, "", err.Error()
}
