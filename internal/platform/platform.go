// Package platform classifies media URLs by their source site, used to route
// requests to providers that declare support for that site.
package platform

import (
	"net/url"
	"strings"
)

// Platform is a coarse classification of the site a URL belongs to.
type Platform string

// Known platforms.
const (
	YouTube   Platform = "youtube"
	TikTok    Platform = "tiktok"
	Instagram Platform = "instagram"
	Twitter   Platform = "twitter"
	// Unknown is the bucket for URLs that match no known platform.
	// Routing is permissive for this bucket: general-purpose providers
	// can attempt arbitrary URLs.
	Unknown Platform = "unknown"
)

// hostSuffixes maps registrable host suffixes to platforms.
//
//nolint:gochecknoglobals // detection lookup table
var hostSuffixes = map[string]Platform{
	"youtube.com":   YouTube,
	"youtu.be":      YouTube,
	"tiktok.com":    TikTok,
	"instagram.com": Instagram,
	"twitter.com":   Twitter,
	"x.com":         Twitter,
}

// Detect returns the platform a URL belongs to. It is purely syntactic and
// performs no network I/O.
func Detect(rawURL string) Platform {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Unknown
	}

	host := strings.ToLower(u.Hostname())
	for suffix, p := range hostSuffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return p
		}
	}

	return Unknown
}

// ValidURL reports whether a URL is well-formed enough to hand to a provider:
// absolute, http or https, with a non-empty host.
func ValidURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
