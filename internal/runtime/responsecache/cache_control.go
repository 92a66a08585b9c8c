package responsecache

import (
	"strconv"
	"strings"
	"time"
)

// cacheControlDirective is the parsed view of an upstream response's
// Cache-Control header. The response cache honors it as a ceiling on top of
// its configured TTL: an upstream that says no-store/no-cache/private keeps
// its response out of the cache entirely, and a max-age/s-maxage shorter
// than the configured TTL shortens the entry's life.
type cacheControlDirective struct {
	maxAge  *int
	sMaxAge *int
	noStore bool
}

// parseCacheControl extracts the directives relevant to a shared response
// cache. Unknown directives are ignored; no-cache and private are treated
// the same as no-store since this cache serves responses without
// revalidation.
func parseCacheControl(header string) cacheControlDirective {
	var d cacheControlDirective
	if header == "" {
		return d
	}
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if key, value, found := strings.Cut(part, "="); found {
			seconds, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || seconds < 0 {
				continue
			}
			switch strings.ToLower(strings.TrimSpace(key)) {
			case "max-age":
				d.maxAge = &seconds
			case "s-maxage":
				d.sMaxAge = &seconds
			}
			continue
		}
		switch strings.ToLower(part) {
		case "no-store", "no-cache", "private":
			d.noStore = true
		}
	}
	return d
}

// effectiveTTL applies the directive to the cache's configured TTL,
// returning 0 when the response must not be stored. s-maxage wins over
// max-age (shared-cache preference); absent directives leave the configured
// TTL untouched.
func (d cacheControlDirective) effectiveTTL(configured time.Duration) time.Duration {
	if d.noStore {
		return 0
	}
	upstream := -1
	if d.sMaxAge != nil {
		upstream = *d.sMaxAge
	} else if d.maxAge != nil {
		upstream = *d.maxAge
	}
	if upstream < 0 {
		return configured
	}
	if upstream == 0 {
		return 0
	}
	ttl := time.Duration(upstream) * time.Second
	if ttl < configured {
		return ttl
	}
	return configured
}
