// Package parser extracts one-time passcodes from message text and locates
// provider links for the rendered-page fallback.
package parser

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/mixelka/otpgate/internal/policy"
)

// Renderer loads a URL in an isolated browser context and returns the
// resulting page content. Acquired per call, never pooled.
type Renderer interface {
	Render(ctx context.Context, url string) (string, error)
}

// Extractor performs code extraction with an optional link-rendering fallback
type Extractor struct {
	renderer Renderer
	logger   *slog.Logger
}

// Code patterns, first match wins; each yields at most one code per call.
var codePatterns = []*regexp.Regexp{
	// Trigger word shortly before a 4-8 digit code
	regexp.MustCompile(`(?i)(?:otp|code|verification|password|pin|passcode|security code)[^\d]{0,10}(\d{4,8})`),
	// Code followed by "is/as/for your otp/code" phrasing
	regexp.MustCompile(`(?i)(\d{4,8})\s*(?:is your|as your|for your) (?:otp|code)`),
}

// NewExtractor creates an extractor. The renderer may be nil when no policy
// with link fallback is in use.
func NewExtractor(renderer Renderer, logger *slog.Logger) *Extractor {
	return &Extractor{
		renderer: renderer,
		logger:   logger.With("component", "extractor"),
	}
}

// ExtractCode returns the first code found in text, or "" when none matches
func ExtractCode(text string) string {
	for _, re := range codePatterns {
		if m := re.FindStringSubmatch(text); len(m) > 1 {
			return m[1]
		}
	}
	return ""
}

// ExtractLink returns the first http(s) URL whose text contains marker,
// case-insensitive, or "" when none is present
func ExtractLink(body, marker string) string {
	re, err := regexp.Compile(`(?i)https?://(?:www\.)?[^\s"]*` + regexp.QuoteMeta(marker) + `[^\s">]*`)
	if err != nil {
		return ""
	}
	return re.FindString(body)
}

// ResolveMessage applies a sub-policy to one fetched message and returns the
// extracted code, or "" when the message is irrelevant or yields nothing.
// Link fallback runs only when the sub-policy permits it and the text stage
// found no code; a renderer failure counts as "not found via link".
func (e *Extractor) ResolveMessage(ctx context.Context, subject, body string, pol policy.Policy, sub policy.SubPolicy) (string, error) {
	text := body
	if LooksLikeHTML(body) {
		text = HTMLToText(body)
	}

	if !sub.Matches(subject, text) && !sub.Matches(subject, body) {
		return "", nil
	}

	if code := ExtractCode(text); code != "" {
		return code, nil
	}

	if !sub.LinkFallback {
		return "", nil
	}

	// Links live in href attributes, so search the raw body
	link := ExtractLink(body, pol.LinkMarker)
	if link == "" {
		return "", nil
	}
	if e.renderer == nil {
		return "", fmt.Errorf("link fallback requested but no renderer configured")
	}

	content, err := e.renderer.Render(ctx, link)
	if err != nil {
		e.logger.Warn("link rendering failed", "url", link, "error", err)
		return "", nil
	}

	return ExtractCode(HTMLToText(content)), nil
}
