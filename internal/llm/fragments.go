package llm

import (
	"context"
	"strings"

	"github.com/garen0616/us-equity-analyzer-pro/internal/domain"
)

// fallbackFilingSummary turns an MD&A excerpt into a deterministic
// placeholder when the LLM is unavailable or returns garbage. It must never
// fail: fragments.FilingSummaryBuilder treats a non-nil error here as fatal
// to the whole filing.
func fallbackFilingSummary(mdaText string) string {
	trimmed := strings.TrimSpace(mdaText)
	if trimmed == "" {
		return "no MD&A text available for this filing"
	}
	return truncate(trimmed, 280)
}

// SummarizeFiling implements fragments.FilingSummarizer. Any failure —
// network, parse, or an empty model response — is absorbed here and
// reported back as a fallback-kind summary rather than an error, since the
// caller treats an error as fatal to the filing.
func (c *Client) SummarizeFiling(ctx context.Context, ticker, form, mdaText string) (string, domain.SummaryKind, error) {
	if strings.TrimSpace(mdaText) == "" {
		return fallbackFilingSummary(mdaText), domain.SummaryKindFallback, nil
	}

	model := c.cfg.SecondaryModel
	if model == "" {
		model = c.cfg.PrimaryModel
	}

	var out struct {
		Summary string `json:"summary"`
	}
	userPrompt := "Ticker: " + ticker + "\nForm: " + form + "\n\n" + truncate(mdaText, 6000)
	if err := c.callJSON(ctx, model, filingSummaryPrompt, userPrompt, &out); err != nil {
		c.log.Warn().Err(err).Str("ticker", ticker).Str("form", form).Msg("filing summarization failed, using excerpt fallback")
		return fallbackFilingSummary(mdaText), domain.SummaryKindFallback, nil
	}
	if strings.TrimSpace(out.Summary) == "" {
		return fallbackFilingSummary(mdaText), domain.SummaryKindFallback, nil
	}
	return out.Summary, domain.SummaryKindLLM, nil
}

// fallbackTranscriptSummary mirrors fallbackFilingSummary for transcripts.
func fallbackTranscriptSummary(text string) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "no transcript text available for this quarter"
	}
	return truncate(trimmed, 280)
}

// SummarizeTranscript implements fragments.TranscriptSummarizer. Like
// SummarizeFiling, fragments.EarningsCallBuilder treats a non-nil error as
// fatal, so failures fall back to a deterministic excerpt with no bullets
// rather than propagating.
func (c *Client) SummarizeTranscript(ctx context.Context, ticker, quarter, text string) (string, []string, error) {
	if strings.TrimSpace(text) == "" {
		return fallbackTranscriptSummary(text), nil, nil
	}

	model := c.cfg.SecondaryModel
	if model == "" {
		model = c.cfg.PrimaryModel
	}

	var out struct {
		Summary string   `json:"summary"`
		Bullets []string `json:"bullets"`
	}
	userPrompt := "Ticker: " + ticker + "\nQuarter: " + quarter + "\n\n" + truncate(text, 8000)
	if err := c.callJSON(ctx, model, transcriptSummaryPrompt, userPrompt, &out); err != nil {
		c.log.Warn().Err(err).Str("ticker", ticker).Str("quarter", quarter).Msg("transcript summarization failed, using excerpt fallback")
		return fallbackTranscriptSummary(text), nil, nil
	}
	if strings.TrimSpace(out.Summary) == "" {
		return fallbackTranscriptSummary(text), nil, nil
	}
	return out.Summary, out.Bullets, nil
}

// GenerateKeywords implements fragments.KeywordGenerator.
// fragments.NewsBuilder treats an error (or an empty result) as a signal to
// fall back to its own static keyword list, so it is safe to propagate
// failures here.
func (c *Client) GenerateKeywords(ctx context.Context, ticker string) ([]string, error) {
	model := c.cfg.SecondaryModel
	if model == "" {
		model = c.cfg.PrimaryModel
	}
	var out struct {
		Keywords []string `json:"keywords"`
	}
	if err := c.callJSON(ctx, model, keywordPrompt, ticker, &out); err != nil {
		return nil, err
	}
	return out.Keywords, nil
}

// ScoreSentiment implements fragments.SentimentScorer.
// fragments.NewsBuilder logs and keeps its neutral default on error, so
// failures propagate rather than being absorbed here.
func (c *Client) ScoreSentiment(ctx context.Context, ticker string, articles []domain.NewsArticle) (domain.NewsSentimentLabel, string, []string, error) {
	titles := make([]string, 0, len(articles))
	for _, a := range articles {
		titles = append(titles, a.Title)
	}

	model := c.cfg.SecondaryModel
	if model == "" {
		model = c.cfg.PrimaryModel
	}

	var out struct {
		SentimentLabel   string   `json:"sentiment_label"`
		Summary          string   `json:"summary"`
		SupportingEvents []string `json:"supporting_events"`
	}
	userPrompt := "Ticker: " + ticker + "\nHeadlines:\n- " + strings.Join(titles, "\n- ")
	if err := c.callJSON(ctx, model, newsSentimentPrompt, userPrompt, &out); err != nil {
		return domain.SentimentNeutral, "", nil, err
	}

	label := domain.NewsSentimentLabel(out.SentimentLabel)
	switch label {
	case domain.SentimentOptimistic, domain.SentimentNeutral, domain.SentimentPessimistic:
	default:
		label = domain.SentimentNeutral
	}
	return label, out.Summary, out.SupportingEvents, nil
}
