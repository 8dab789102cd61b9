package moderation

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/bluesky-social/fedmod/moderation/models"

	"golang.org/x/net/idna"
)

var domainProfile = idna.New(
	idna.MapForLookup(),
	idna.Transitional(false),
	idna.StrictDomainName(false),
)

// NormalizeDomain turns administrator input into the canonical hostname used as the block key: lower-case, ASCII (punycode), no scheme, port, path or trailing dot.
func NormalizeDomain(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDomain)
	}

	// tolerate a pasted URL
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return "", fmt.Errorf("%w: %s", ErrInvalidDomain, raw)
		}
		s = u.Host
	}
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	s = strings.TrimSuffix(s, ".")

	ascii, err := domainProfile.ToASCII(s)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrInvalidDomain, raw, err)
	}
	ascii = strings.ToLower(ascii)
	if ascii == "" || strings.ContainsAny(ascii, " @:") || strings.HasPrefix(ascii, ".") || strings.Contains(ascii, "..") {
		return "", fmt.Errorf("%w: %s", ErrInvalidDomain, raw)
	}
	return ascii, nil
}

// Returns the hostname followed by each parent domain, most specific first. Single-label suffixes (TLDs) are not included, unless the hostname itself is a single label.
func domainSuffixes(hostname string) []string {
	segments := strings.Split(hostname, ".")
	if len(segments) == 1 {
		return []string{hostname}
	}
	out := make([]string, 0, len(segments)-1)
	for i := 0; i < len(segments)-1; i++ {
		out = append(out, strings.Join(segments[i:], "."))
	}
	return out
}

// PublicDomain is the form of a blocked domain shown in public block lists. When obfuscated, characters in the middle of the name are masked; dots and about a quarter of the name at each end stay visible.
func PublicDomain(block *models.DomainBlock) string {
	if !block.Obfuscate {
		return block.Domain
	}
	chars := []rune(block.Domain)
	n := len(chars)
	visible := n / 4
	for i, c := range chars {
		if i > visible && i < n-visible && c != '.' {
			chars[i] = '*'
		}
	}
	return string(chars)
}
