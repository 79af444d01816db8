package actions

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/BTreeMap/IntakePipe/internal/models"
)

const (
	// ActionDetectPlatform classifies the platform a website is built on.
	ActionDetectPlatform = "detect_platform"
	// ActionAnalyzeBusiness summarises a business from its crawled website.
	ActionAnalyzeBusiness = "analyze_business"
	// ActionSummarizeInterview summarises all collected responses.
	ActionSummarizeInterview = "summarize_interview"
)

// PromptGenerator produces text from a system and user prompt.
type PromptGenerator interface {
	GeneratePrompt(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// BuiltinOptions carries the collaborators of the built-in actions.
type BuiltinOptions struct {
	HTTPClient *http.Client
	// Generator is optional; without it the language-model actions report a failure.
	Generator PromptGenerator
}

// RegisterBuiltins registers the built-in actions on reg.
func RegisterBuiltins(reg *Registry, opts BuiltinOptions) error {
	crawler := NewCrawler(opts.HTTPClient)
	urlSchema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{"type": "string", "description": "Website address, e.g. https://example.com"},
		},
		"required": []string{"url"},
	}

	if err := reg.RegisterTool(Definition{
		Name:        ActionCrawlWebsite,
		Description: "Fetch a website and return its title, description, headings and visible text.",
		Parameters:  urlSchema,
	}, crawler); err != nil {
		return err
	}
	if err := reg.RegisterTool(Definition{
		Name:        ActionDetectPlatform,
		Description: "Detect which platform (WordPress, Shopify, Wix, Squarespace, Webflow or custom) a website runs on.",
		Parameters:  urlSchema,
	}, &PlatformDetector{crawler: crawler}); err != nil {
		return err
	}
	if err := reg.RegisterTool(Definition{
		Name:        ActionAnalyzeBusiness,
		Description: "Summarise what a business does, who it serves and how it positions itself, based on its website.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url":   map[string]any{"type": "string", "description": "Website address, used when the site has not been crawled yet"},
				"focus": map[string]any{"type": "string", "description": "Optional aspect to focus on"},
			},
		},
	}, &BusinessAnalyzer{gen: opts.Generator, crawler: crawler}); err != nil {
		return err
	}
	return reg.Register(ActionSummarizeInterview, &InterviewSummarizer{gen: opts.Generator})
}

// crawlData returns the stored crawl_website payload, crawling rawURL when none is stored.
func crawlData(ctx context.Context, crawler *Crawler, actx Context, rawURL string) (map[string]any, error) {
	if data, ok := actx.ExternalData[ActionCrawlWebsite].(map[string]any); ok && len(data) > 0 {
		if rawURL == "" || sameSite(rawURL, data["url"]) {
			return data, nil
		}
	}
	if rawURL == "" {
		return nil, fmt.Errorf("no website data available, provide a url")
	}
	page, err := crawler.Crawl(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	return page.Data(), nil
}

func sameSite(rawURL string, stored any) bool {
	s, _ := stored.(string)
	a, err := NormalizeURL(rawURL)
	return err == nil && strings.TrimSuffix(a, "/") == strings.TrimSuffix(s, "/")
}

type platformRule struct {
	platform string
	needles  []string
}

var platformRules = []platformRule{
	{"wordpress", []string{"wordpress", "wp-content", "wp-includes", "woocommerce"}},
	{"shopify", []string{"shopify", "cdn.shopify.com", "myshopify.com"}},
	{"wix", []string{"wix.com", "wixstatic.com", "parastorage.com"}},
	{"squarespace", []string{"squarespace", "sqspcdn.com"}},
	{"webflow", []string{"webflow"}},
}

// DetectPlatform classifies a site from its generator meta tag and asset references.
// It returns "custom" with no signals when nothing matches.
func DetectPlatform(generator string, assets []string) (platform string, signals []string) {
	haystack := append([]string{strings.ToLower(generator)}, lowerAll(assets)...)
	best, bestHits := "custom", 0
	for _, rule := range platformRules {
		var hits []string
		for _, needle := range rule.needles {
			for _, h := range haystack {
				if h != "" && strings.Contains(h, needle) {
					hits = append(hits, needle)
					break
				}
			}
		}
		if len(hits) > bestHits {
			best, bestHits, signals = rule.platform, len(hits), hits
		}
	}
	return best, signals
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}

func stringsOf(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// PlatformDetector implements detect_platform. Parameters: url (optional when the
// site was already crawled in this session).
type PlatformDetector struct {
	crawler *Crawler
}

// Execute classifies the site.
func (d *PlatformDetector) Execute(ctx context.Context, params map[string]any, actx Context) models.ActionResult {
	data, err := crawlData(ctx, d.crawler, actx, StringParam(params, "url"))
	if err != nil {
		return models.ActionFailed(err.Error())
	}
	generator, _ := data["generator"].(string)
	platform, signals := DetectPlatform(generator, stringsOf(data["assets"]))
	confidence := "low"
	if len(signals) > 1 || (len(signals) == 1 && generator != "") {
		confidence = "high"
	}
	return models.ActionOK(map[string]any{
		"platform":   platform,
		"confidence": confidence,
		"signals":    toAnyList(signals),
	})
}

const analyzeSystemPrompt = `You are a business analyst helping onboard a new client.
Given the content of the client's website, write a concise summary (at most 120 words) of what the business does,
who its customers are and how it positions itself. Do not invent facts that are not supported by the content.`

// BusinessAnalyzer implements analyze_business. Parameters: url, focus (both optional).
type BusinessAnalyzer struct {
	gen     PromptGenerator
	crawler *Crawler
}

// Execute asks the language model for a business summary.
func (a *BusinessAnalyzer) Execute(ctx context.Context, params map[string]any, actx Context) models.ActionResult {
	if a.gen == nil {
		return models.ActionFailed("language model is not configured")
	}
	data, err := crawlData(ctx, a.crawler, actx, StringParam(params, "url"))
	if err != nil {
		return models.ActionFailed(err.Error())
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Website: %v\n", data["url"])
	if title, _ := data["title"].(string); title != "" {
		fmt.Fprintf(&b, "Title: %s\n", title)
	}
	if desc, _ := data["description"].(string); desc != "" {
		fmt.Fprintf(&b, "Description: %s\n", desc)
	}
	if headings := stringsOf(data["headings"]); len(headings) > 0 {
		fmt.Fprintf(&b, "Headings: %s\n", strings.Join(headings, " | "))
	}
	if text, _ := data["text"].(string); text != "" {
		fmt.Fprintf(&b, "Content:\n%s\n", text)
	}
	if focus := StringParam(params, "focus"); focus != "" {
		fmt.Fprintf(&b, "Focus on: %s\n", focus)
	}

	summary, err := a.gen.GeneratePrompt(ctx, analyzeSystemPrompt, b.String())
	if err != nil {
		slog.Warn("BusinessAnalyzer.Execute: generation failed", "sessionID", actx.SessionID, "error", err)
		return models.ActionFailed(fmt.Sprintf("analysis failed: %v", err))
	}
	return models.ActionOK(map[string]any{
		"summary": strings.TrimSpace(summary),
		"url":     data["url"],
	})
}

const summarizeSystemPrompt = `You summarise completed onboarding interviews for the account team.
Write a short brief (at most 150 words) covering the client's business, goals, constraints and anything that needs follow-up.`

// InterviewSummarizer implements summarize_interview, run when an interview completes.
type InterviewSummarizer struct {
	gen PromptGenerator
}

// Execute summarises every collected response.
func (s *InterviewSummarizer) Execute(ctx context.Context, params map[string]any, actx Context) models.ActionResult {
	if s.gen == nil {
		return models.ActionFailed("language model is not configured")
	}
	if len(actx.Responses) == 0 {
		return models.ActionOK(map[string]any{"summary": ""})
	}
	summary, err := s.gen.GeneratePrompt(ctx, summarizeSystemPrompt, FormatResponses(actx.Responses))
	if err != nil {
		slog.Warn("InterviewSummarizer.Execute: generation failed", "sessionID", actx.SessionID, "error", err)
		return models.ActionFailed(fmt.Sprintf("summary failed: %v", err))
	}
	return models.ActionOK(map[string]any{"summary": strings.TrimSpace(summary)})
}

// FormatResponses renders responses as "- key: value" lines sorted by key.
func FormatResponses(responses map[string]any) string {
	keys := make([]string, 0, len(responses))
	for k := range responses {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "- %s: %s\n", k, textOf(responses[k]))
	}
	return b.String()
}
