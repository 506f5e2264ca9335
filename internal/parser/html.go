package parser

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var (
	whitespaceRegex = regexp.MustCompile(`[^\S\n]+`)
	newlineRegex    = regexp.MustCompile(`\n{3,}`)
	// Invisible Unicode characters (zero-width spaces etc.) that mail senders
	// pad codes with
	invisibleRegex = regexp.MustCompile(`[\x{200B}-\x{200D}\x{FEFF}\x{00AD}\x{2060}-\x{2064}\x{206A}-\x{206F}]+`)
	htmlTagRegex   = regexp.MustCompile(`(?i)<\s*(html|body|div|table|br|p|a|span|td)[\s>/]`)
)

// LooksLikeHTML reports whether a body should be reduced to text before
// pattern matching
func LooksLikeHTML(body string) bool {
	return htmlTagRegex.MatchString(body)
}

// HTMLToText converts an HTML document to clean plain text. On a parse
// failure the input is returned unchanged so extraction can still run on the
// raw markup.
func HTMLToText(html string) string {
	if html == "" {
		return ""
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return html
	}

	doc.Find("script, style, head, meta, link").Remove()

	// Block elements become line breaks so codes on their own line survive
	doc.Find("p, div, br, h1, h2, h3, h4, h5, h6, li, tr").Each(func(i int, s *goquery.Selection) {
		s.PrependHtml("\n")
	})

	text := doc.Text()
	text = invisibleRegex.ReplaceAllString(text, "")
	text = whitespaceRegex.ReplaceAllString(text, " ")

	lines := strings.Split(text, "\n")
	clean := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line != "" {
			clean = append(clean, line)
		}
	}
	text = strings.Join(clean, "\n")
	text = newlineRegex.ReplaceAllString(text, "\n\n")

	return strings.TrimSpace(text)
}
