package attachments

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	readability "github.com/go-shiori/go-readability"
)

const truncationMarker = "[truncated]"

var blankLines = regexp.MustCompile(`\n{3,}`)

// truncateWords caps text at max words, appending a marker when
// anything was cut. Text within the limit is returned verbatim; in the
// truncated branch whitespace runs collapse to single spaces.
func truncateWords(text string, max int) string {
	words := strings.Fields(text)
	if len(words) <= max {
		return text
	}
	return strings.Join(words[:max], " ") + "\n" + truncationMarker
}

// truncateChars caps text at max runes, appending a marker when
// anything was cut.
func truncateChars(text string, max int) string {
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max]) + "\n" + truncationMarker
}

// extractArticle pulls the primary article out of an HTML page and
// renders it as markdown, bounded by maxChars.
func extractArticle(raw []byte, sourceURL string, maxChars int) (string, error) {
	pageURL, err := url.Parse(sourceURL)
	if err != nil {
		pageURL = &url.URL{}
	}
	article, err := readability.FromReader(bytes.NewReader(raw), pageURL)
	if err != nil {
		return "", fmt.Errorf("extract article: %w", err)
	}
	conv := md.NewConverter("", true, nil)
	markdown, err := conv.ConvertString(article.Content)
	if err != nil {
		return "", fmt.Errorf("render article markdown: %w", err)
	}
	markdown = blankLines.ReplaceAllString(markdown, "\n\n")
	markdown = strings.TrimSpace(markdown)
	return truncateChars(markdown, maxChars), nil
}
