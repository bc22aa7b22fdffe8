package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"dny/pkg/config"
	"dny/pkg/logging"
)

const systemPrompt = "You are a security expert analyzing domains for potential harm or unethical content. Provide a concise analysis."

// OpenAI classifies domains through an OpenAI-compatible chat-completions
// endpoint. Successful verdicts are cached per domain, so a name that has
// been classified is not sent again; failed attempts are not cached, and
// concurrent first lookups of the same name each reach the endpoint.
type OpenAI struct {
	cfg    *config.ClassifierConfig
	client *http.Client
	logger *logging.Logger
	cache  map[string]Verdict
	mu     sync.Mutex
}

// NewOpenAI creates the HTTP-backed classifier. The API key is read from
// cfg and is never logged.
func NewOpenAI(cfg *config.ClassifierConfig, logger *logging.Logger) *OpenAI {
	return &OpenAI{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
		cache:  make(map[string]Verdict),
	}
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Classify implements Classifier. Timeouts, transport errors, and malformed
// replies all return a safe verdict alongside the error.
func (o *OpenAI) Classify(ctx context.Context, domain string) (Verdict, error) {
	if !o.cfg.Enabled {
		return safeVerdict("content checking disabled"), nil
	}
	if o.cfg.APIKey == "" {
		return safeVerdict("content checking disabled - no API key"), nil
	}

	o.mu.Lock()
	if v, ok := o.cache[domain]; ok {
		o.mu.Unlock()
		return v, nil
	}
	o.mu.Unlock()

	verdict, err := o.classify(ctx, domain)
	if err != nil {
		o.logger.Debug("Domain classification failed", "domain", domain, "error", err)
		return safeVerdict("classification failed"), err
	}

	o.mu.Lock()
	o.cache[domain] = verdict
	o.mu.Unlock()

	return verdict, nil
}

func (o *OpenAI) classify(ctx context.Context, domain string) (Verdict, error) {
	prompt := fmt.Sprintf(
		"Analyze the domain %s for potential harm, unethical content, or security risks. "+
			"Consider factors like malware, phishing, scams, inappropriate content, and privacy concerns.\n\n"+
			"Respond with:\nRisk Level: <low|medium|high>\n"+
			"Category: <social|shopping|gambling|gaming|news|education|entertainment|business|technology|health|finance|adult|malicious|search|cloud|government|nonprofit|other>\n"+
			"Reason: <short explanation>",
		domain)

	body, err := json.Marshal(chatRequest{
		Model: o.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		MaxTokens: 150,
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Verdict{}, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)

	resp, err := o.client.Do(req)
	if err != nil {
		return Verdict{}, fmt.Errorf("classifier request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return Verdict{}, fmt.Errorf("classifier returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Verdict{}, fmt.Errorf("failed to read classifier reply: %w", err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return Verdict{}, fmt.Errorf("failed to decode classifier reply: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return Verdict{}, fmt.Errorf("classifier reply had no choices")
	}

	return parseVerdict(parsed.Choices[0].Message.Content), nil
}

// parseVerdict extracts the structured Risk Level / Category / Reason lines
// from the model reply. Anything unparseable is treated as safe.
func parseVerdict(analysis string) Verdict {
	risk := "unknown"
	category := CategoryUnknown
	reason := ""

	for _, line := range strings.Split(analysis, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(strings.ToLower(line), "risk level:"):
			risk = strings.ToLower(strings.TrimSpace(line[len("risk level:"):]))
		case strings.HasPrefix(strings.ToLower(line), "category:"):
			category = normalizeCategory(strings.TrimSpace(line[len("category:"):]))
		case strings.HasPrefix(strings.ToLower(line), "reason:"):
			reason = strings.TrimSpace(line[len("reason:"):])
		}
	}

	inappropriate := risk == "high" ||
		category == CategoryAdult ||
		category == CategoryMalicious ||
		category == CategoryGambling

	if reason == "" {
		reason = fmt.Sprintf("risk level %s", risk)
	}

	return Verdict{
		Safe:     !inappropriate,
		Reason:   reason,
		Category: category,
	}
}

func normalizeCategory(s string) Category {
	switch c := Category(strings.ToLower(s)); c {
	case CategorySocial, CategoryShopping, CategoryGambling, CategoryGaming,
		CategoryNews, CategoryEducation, CategoryEntertainment, CategoryBusiness,
		CategoryTechnology, CategoryHealth, CategoryFinance, CategoryAdult,
		CategoryMalicious, CategorySearch, CategoryCloud, CategoryGovernment,
		CategoryNonprofit, CategoryOther:
		return c
	default:
		return CategoryUnknown
	}
}
