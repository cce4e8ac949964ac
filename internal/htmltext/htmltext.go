// Package htmltext flattens markup into plain text suitable for
// fingerprinting and storage.
package htmltext

import (
	"strings"

	"golang.org/x/net/html"
)

// Elements whose entire subtree is dropped, text included.
var droppedElements = map[string]struct{}{
	"script":   {},
	"style":    {},
	"head":     {},
	"noscript": {},
	"template": {},
	"iframe":   {},
}

// Elements that end a block of text. Each occurrence becomes a newline
// so paragraph structure survives the flattening.
var blockElements = map[string]struct{}{
	"p": {}, "div": {}, "br": {}, "li": {}, "ul": {}, "ol": {},
	"h1": {}, "h2": {}, "h3": {}, "h4": {}, "h5": {}, "h6": {},
	"tr": {}, "table": {}, "section": {}, "article": {}, "header": {},
	"footer": {}, "blockquote": {}, "pre": {}, "hr": {},
}

// Flatten strips markup from s and returns plain text. Block elements
// become newlines, scripts/styles/head/comments are dropped entirely,
// entities are decoded, runs of blank lines collapse to one, and every
// line plus the whole result is trimmed.
//
// Flatten never fails: malformed or unterminated markup degrades to
// best-effort extraction, and input without any markup passes through
// (trimmed) unchanged.
func Flatten(s string) string {
	if s == "" {
		return ""
	}

	var (
		b         strings.Builder
		z         = html.NewTokenizer(strings.NewReader(s))
		skipTag   string
		skipDepth int
	)
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			// io.EOF or malformed input; either way we keep what we
			// extracted so far.
			return collapse(b.String())
		}

		switch tt {
		case html.TextToken:
			if skipDepth == 0 {
				b.Write(z.Text())
			}
		case html.StartTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if skipDepth > 0 {
				if tag == skipTag {
					skipDepth++
				}
				continue
			}
			if _, ok := droppedElements[tag]; ok {
				skipTag = tag
				skipDepth = 1
				continue
			}
			if _, ok := blockElements[tag]; ok {
				b.WriteByte('\n')
			}
		case html.SelfClosingTagToken:
			name, _ := z.TagName()
			if _, ok := blockElements[string(name)]; ok && skipDepth == 0 {
				b.WriteByte('\n')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if skipDepth > 0 {
				if tag == skipTag {
					skipDepth--
				}
				continue
			}
			if _, ok := blockElements[tag]; ok {
				b.WriteByte('\n')
			}
		}
	}
}

// collapse trims each line, collapses runs of blank lines to a single
// blank line, and trims the result.
func collapse(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			blank = true
			continue
		}
		if blank && len(out) > 0 {
			out = append(out, "")
		}
		blank = false
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
