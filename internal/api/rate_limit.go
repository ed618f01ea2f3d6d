package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// unixTimestampThreshold separates Unix timestamps from relative seconds in
// reset headers.
const unixTimestampThreshold = 1_000_000_000

// RateLimitInfo holds the last rate limit headers the server sent.
type RateLimitInfo struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// LastRateLimit returns the most recent rate limit info, or nil when the
// server never sent any.
func (c *Client) LastRateLimit() *RateLimitInfo {
	c.rateLimitMu.Lock()
	defer c.rateLimitMu.Unlock()
	if c.lastRateLimit == nil {
		return nil
	}
	info := *c.lastRateLimit
	return &info
}

func (c *Client) recordRateLimit(h http.Header) {
	info := parseRateLimitInfo(h, time.Now())
	if info == nil {
		return
	}
	c.rateLimitMu.Lock()
	c.lastRateLimit = info
	c.rateLimitMu.Unlock()
}

func parseRateLimitInfo(h http.Header, now time.Time) *RateLimitInfo {
	limitVal := firstHeader(h, "X-RateLimit-Limit", "RateLimit-Limit")
	remainingVal := firstHeader(h, "X-RateLimit-Remaining", "RateLimit-Remaining")
	resetVal := firstHeader(h, "X-RateLimit-Reset", "RateLimit-Reset")
	if limitVal == "" && remainingVal == "" && resetVal == "" {
		return nil
	}

	info := &RateLimitInfo{Limit: -1, Remaining: -1}
	if v, err := strconv.Atoi(limitVal); err == nil {
		info.Limit = v
	}
	if v, err := strconv.Atoi(remainingVal); err == nil {
		info.Remaining = v
	}
	if secs, err := strconv.ParseInt(resetVal, 10, 64); err == nil {
		switch {
		case secs > unixTimestampThreshold:
			info.ResetAt = time.Unix(secs, 0).UTC()
		case secs >= 0:
			info.ResetAt = now.Add(time.Duration(secs) * time.Second).UTC()
		}
	} else if t, err := http.ParseTime(resetVal); err == nil {
		info.ResetAt = t.UTC()
	}
	return info
}

func firstHeader(h http.Header, keys ...string) string {
	for _, key := range keys {
		if value := strings.TrimSpace(h.Get(key)); value != "" {
			return value
		}
	}
	return ""
}
