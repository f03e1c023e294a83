package diag

import (
	"net/url"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// Cors builds the CORS middleware for the diagnostics API.
// The allow-list semantics:
// - empty: only local origins (localhost/127.0.0.1/::1), for local tooling
// - "*": every origin
// - comma-separated list: exact origins, host:port pairs, or bare hostnames
func Cors(allowOrigins string) gin.HandlerFunc {
	config := cors.DefaultConfig()
	config.AllowCredentials = true
	config.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	config.AllowHeaders = []string{"*"}
	config.AllowOriginFunc = func(origin string) bool {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			return false
		}

		allowed := strings.TrimSpace(allowOrigins)
		if allowed == "" {
			return isLocalOrigin(origin)
		}
		if allowed == "*" {
			return true
		}
		for _, item := range strings.Split(allowed, ",") {
			item = strings.TrimSpace(item)
			if item == "" {
				continue
			}
			if isOriginMatched(origin, item) {
				return true
			}
		}
		return false
	}
	return cors.New(config)
}

func isOriginMatched(origin, allowed string) bool {
	parsedOrigin, err := url.Parse(origin)
	if err != nil {
		return false
	}

	originScheme := strings.ToLower(parsedOrigin.Scheme)
	originHost := strings.ToLower(parsedOrigin.Host)
	originHostname := strings.ToLower(parsedOrigin.Hostname())
	if originScheme == "" || originHost == "" || originHostname == "" {
		return false
	}

	allowed = strings.ToLower(strings.TrimSpace(strings.TrimRight(allowed, "/")))
	if allowed == "" {
		return false
	}

	// full origin: scheme://host[:port]
	if strings.Contains(allowed, "://") {
		parsedAllowed, err := url.Parse(allowed)
		if err != nil {
			return false
		}
		return originScheme == strings.ToLower(parsedAllowed.Scheme) &&
			originHost == strings.ToLower(parsedAllowed.Host)
	}

	// host:port
	if strings.Contains(allowed, ":") {
		return originHost == allowed
	}

	// bare hostname
	return originHostname == allowed
}

func isLocalOrigin(origin string) bool {
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch strings.ToLower(parsed.Hostname()) {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
