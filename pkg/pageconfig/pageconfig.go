// Package pageconfig extracts the configuration blob that the App Store web
// frontend embeds in every app page. The blob is URL-encoded JSON stored in
// the content attribute of a named meta tag and carries, among other things,
// the bearer token for the catalog API.
package pageconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// MetaName is the name of the meta tag holding the environment config.
const MetaName = "web-experience-app/config/environment"

// TokenPath is the location of the catalog API token inside the config.
var TokenPath = []string{"MEDIA_API", "token"}

// ErrConfigNotFound is returned when the page has no config meta tag.
var ErrConfigNotFound = errors.New("embedded config not found")

// Extract finds the config meta tag in page and decodes its content.
func Extract(page string) (map[string]any, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	content, ok := doc.Find(fmt.Sprintf("meta[name=%q]", MetaName)).First().Attr("content")
	if !ok {
		return nil, ErrConfigNotFound
	}

	var cfg map[string]any
	if err := json.Unmarshal([]byte(unescape(content)), &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// unescape decodes %XX sequences. A '%' that does not start a valid
// sequence is kept literally, and '+' is not treated as a space.
func unescape(s string) string {
	if !strings.Contains(s, "%") {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) {
			if v, err := strconv.ParseUint(s[i+1:i+3], 16, 8); err == nil {
				b.WriteByte(byte(v))
				i += 2
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// Lookup walks nested JSON objects along path.
func Lookup(cfg map[string]any, path ...string) (any, bool) {
	var current any = cfg
	for _, key := range path {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// LookupString is Lookup for non-empty string leaves.
func LookupString(cfg map[string]any, path ...string) (string, bool) {
	v, ok := Lookup(cfg, path...)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// Token extracts the catalog API token from an app page.
func Token(page string) (string, error) {
	cfg, err := Extract(page)
	if err != nil {
		return "", err
	}
	token, ok := LookupString(cfg, TokenPath...)
	if !ok {
		return "", fmt.Errorf("%s missing from config", strings.Join(TokenPath, "."))
	}
	return token, nil
}
