// Package render loads URLs in a throwaway headless browser and returns the
// resulting page content. Used as the second extraction stage when a code only
// exists behind a link embedded in the message.
package render

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/playwright-community/playwright-go"
)

// LinkRenderer renders URLs with headless chromium. The browser is launched
// and torn down per call: render work is rare and bursty, a resident browser
// is not worth keeping.
type LinkRenderer struct {
	timeout time.Duration
	logger  *slog.Logger
}

// NewLinkRenderer creates a renderer with a per-page load timeout
func NewLinkRenderer(timeout time.Duration, logger *slog.Logger) *LinkRenderer {
	return &LinkRenderer{
		timeout: timeout,
		logger:  logger.With("component", "link_renderer"),
	}
}

// Install ensures the playwright driver and chromium are available. Called
// once at startup; rendering calls fail fast if it was skipped and the driver
// is missing.
func Install() error {
	return playwright.Install(&playwright.RunOptions{Browsers: []string{"chromium"}})
}

// Render loads the URL and returns the fully-loaded page content
func (r *LinkRenderer) Render(ctx context.Context, url string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	pw, err := playwright.Run()
	if err != nil {
		return "", fmt.Errorf("failed to start playwright: %w", err)
	}
	defer pw.Stop()

	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(true),
		Args:     []string{"--no-sandbox", "--disable-setuid-sandbox"},
	})
	if err != nil {
		return "", fmt.Errorf("failed to launch browser: %w", err)
	}
	defer browser.Close()

	page, err := browser.NewPage()
	if err != nil {
		return "", fmt.Errorf("failed to create page: %w", err)
	}
	defer page.Close()

	r.logger.Debug("rendering link", "url", url)

	if _, err := page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(float64(r.timeout.Milliseconds())),
	}); err != nil {
		return "", fmt.Errorf("failed to load page: %w", err)
	}

	content, err := page.Content()
	if err != nil {
		return "", fmt.Errorf("failed to read page content: %w", err)
	}
	return content, nil
}
