package proxy

import (
	"net/http"
	"strconv"
	"time"
)

// ParseRetryAfter accepts plain numeric seconds, Go duration-like strings
// ("Xh", "Xm", "Xs", "Xms", and combinations like "1m30s"), and treats "" or
// "0" as no explicit duration. The duration syntax matters because xAI and
// Groq rate-limit headers use it; OpenAI's use bare seconds.
func ParseRetryAfter(s string) time.Duration {
	if s == "" || s == "0" {
		return 0
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return 0
}

// rateLimitResetHeaders lists provider-specific reset headers to check
// ahead of the generic Retry-After; the shortest present value wins.
var rateLimitResetHeaders = []string{
	"x-ratelimit-reset-requests",
	"x-ratelimit-reset-tokens",
	"x-ratelimit-reset",
}

// ShortestRetryAfter scans the provider-specific reset headers plus the
// generic Retry-After header and returns the shortest non-zero duration
// found, or 0 if none parse.
func ShortestRetryAfter(h http.Header) time.Duration {
	var shortest time.Duration
	consider := func(raw string) {
		d := ParseRetryAfter(raw)
		if d <= 0 {
			return
		}
		if shortest == 0 || d < shortest {
			shortest = d
		}
	}
	for _, name := range rateLimitResetHeaders {
		consider(h.Get(name))
	}
	consider(h.Get("Retry-After"))
	return shortest
}
