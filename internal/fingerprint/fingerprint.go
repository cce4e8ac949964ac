// Package fingerprint computes the two dedup keys for collected items:
// an exact sha256 fingerprint over the normalized title+URL pair, and a
// 64-bit simhash over the content for near-duplicate detection.
package fingerprint

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math/bits"
	"net/url"
	"strings"
	"unicode"
)

// DefaultHammingThreshold is the simhash distance at or under which two
// contents are considered near-duplicates. Tunable, not a contract.
const DefaultHammingThreshold = 3

// Tokens dropped before simhashing. Short function words dominate prose
// and would wash out the signal bits.
var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "are": {}, "but": {}, "not": {},
	"you": {}, "all": {}, "can": {}, "had": {}, "has": {}, "have": {},
	"was": {}, "were": {}, "will": {}, "with": {}, "this": {}, "that": {},
	"from": {}, "they": {}, "them": {}, "their": {}, "there": {},
	"what": {}, "when": {}, "where": {}, "which": {}, "while": {},
	"been": {}, "being": {}, "into": {}, "than": {}, "then": {},
	"its": {}, "also": {}, "more": {}, "some": {}, "such": {},
	"only": {}, "other": {}, "about": {}, "after": {}, "over": {},
	"said": {}, "would": {}, "could": {}, "should": {},
}

// Exact returns the exact dedup key for a (title, url) pair: a sha256
// hex digest over the normalized forms. Query strings, fragments, case,
// punctuation, and trailing slashes do not affect the result.
func Exact(title, rawURL string) string {
	sum := sha256.Sum256([]byte(normalizeTitle(title) + "|" + normalizeURL(rawURL)))
	return hex.EncodeToString(sum[:])
}

func normalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	parsed, err := url.Parse(raw)
	if err != nil {
		// Unparseable URLs still participate in dedup; fall back to the
		// cheap transforms.
		return strings.TrimSuffix(strings.ToLower(raw), "/")
	}
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return strings.TrimSuffix(strings.ToLower(parsed.String()), "/")
}

func normalizeTitle(title string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(title)) {
		if unicode.IsPunct(r) || unicode.IsSymbol(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Simhash computes the 64-bit fuzzy content fingerprint. Empty content
// (or content with no usable tokens) yields 0, which callers must treat
// as "no fingerprint" rather than a valid signature.
func Simhash(content string) uint64 {
	tokens := tokenize(content)
	if len(tokens) == 0 {
		return 0
	}

	var weights [64]int
	for _, token := range tokens {
		h := hashToken(token)
		for bit := 0; bit < 64; bit++ {
			if h&(uint64(1)<<bit) != 0 {
				weights[bit]++
			} else {
				weights[bit]--
			}
		}
	}

	var result uint64
	for bit := 0; bit < 64; bit++ {
		// Ties resolve to 0.
		if weights[bit] > 0 {
			result |= uint64(1) << bit
		}
	}
	return result
}

// HammingDistance counts differing bits between two fingerprints.
func HammingDistance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// tokenize lowercases, strips punctuation, splits on whitespace, and
// drops tokens shorter than 3 runes plus stopwords.
func tokenize(content string) []string {
	parts := strings.FieldsFunc(strings.ToLower(content), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})

	tokens := make([]string, 0, len(parts))
	for _, p := range parts {
		if len([]rune(p)) < 3 {
			continue
		}
		if _, ok := stopwords[p]; ok {
			continue
		}
		tokens = append(tokens, p)
	}
	return tokens
}

// hashToken derives a 64-bit hash from the first 8 bytes of the token's
// MD5 digest.
func hashToken(token string) uint64 {
	sum := md5.Sum([]byte(token))
	return binary.BigEndian.Uint64(sum[:8])
}
