package storefront

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/net/html"

	"github.com/tendant/keyclaim/pkg/domain"
)

// loginTokenField is the hidden form field carrying the login token.
const loginTokenField = "_le_csrf_token"

// TokenStrategy pulls a token value out of a page body.
type TokenStrategy interface {
	Name() string
	Extract(body []byte) (string, bool)
}

// TokenExtractor tries its strategies in order and returns the first match.
type TokenExtractor struct {
	strategies []TokenStrategy
}

// NewTokenExtractor builds the default cascade for field, followed by any
// extra strategies.
//
// The login page ships the field in several shapes: plain markup with the
// name before or after the value, markup embedded in a JSON string with
// unicode-escaped quotes, and assignments in inline scripts.
func NewTokenExtractor(field string, extra ...TokenStrategy) *TokenExtractor {
	f := regexp.QuoteMeta(field)
	q := `(?:\\u0022|\\")`
	strategies := []TokenStrategy{
		regexStrategy{
			name: "name-then-value",
			re:   regexp.MustCompile(`name=["']` + f + `["'][^<>]*?\bvalue=["']([^"']+)["']`),
		},
		regexStrategy{
			name: "value-then-name",
			re:   regexp.MustCompile(`value=["']([^"']+)["'][^<>]*?\bname=["']` + f + `["']`),
		},
		regexStrategy{
			name: "escaped-markup",
			re:   regexp.MustCompile(`name=` + q + f + q + `.*?value=` + q + `([^"\\]+)` + q),
		},
		htmlInputStrategy{field: field},
		regexStrategy{
			name: "loose",
			re:   regexp.MustCompile(f + `["']?\s*[:=]\s*["']([A-Za-z0-9_\-:.+/=]+)["']`),
		},
	}
	return &TokenExtractor{strategies: append(strategies, extra...)}
}

// Extract returns the token or an error wrapping domain.ErrCsrfNotFound.
func (e *TokenExtractor) Extract(body []byte) (string, error) {
	for _, s := range e.strategies {
		if token, ok := s.Extract(body); ok {
			return token, nil
		}
	}
	return "", fmt.Errorf("%w: tried %d patterns", domain.ErrCsrfNotFound, len(e.strategies))
}

// Strategies lists strategy names in evaluation order.
func (e *TokenExtractor) Strategies() []string {
	names := make([]string, len(e.strategies))
	for i, s := range e.strategies {
		names[i] = s.Name()
	}
	return names
}

type regexStrategy struct {
	name string
	re   *regexp.Regexp
}

func (s regexStrategy) Name() string { return s.name }

func (s regexStrategy) Extract(body []byte) (string, bool) {
	m := s.re.FindSubmatch(body)
	if m == nil || len(m[1]) == 0 {
		return "", false
	}
	return string(m[1]), true
}

// htmlInputStrategy walks the markup for an <input> with the field name.
type htmlInputStrategy struct {
	field string
}

func (s htmlInputStrategy) Name() string { return "html-input" }

func (s htmlInputStrategy) Extract(body []byte) (string, bool) {
	z := html.NewTokenizer(bytes.NewReader(body))
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			return "", false
		}
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			continue
		}
		tok := z.Token()
		if tok.Data != "input" {
			continue
		}
		var name, value string
		for _, a := range tok.Attr {
			switch strings.ToLower(a.Key) {
			case "name":
				name = a.Val
			case "value":
				value = a.Val
			}
		}
		if name == s.field && value != "" {
			return value, true
		}
	}
}
