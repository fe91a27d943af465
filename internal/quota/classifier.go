package quota

import "strings"

// englishQuotaMarkers are matched case-insensitively as substrings.
var englishQuotaMarkers = []string{
	"rate limit",
	"rate_limit",
	"ratelimit",
	"quota exceeded",
	"quota_exceeded",
	"too many requests",
	"request limit",
	"usage limit",
	"daily limit",
	"weekly limit",
	"monthly limit",
}

// vendorQuotaMarkers are vendor-specific phrases matched byte-exact.
var vendorQuotaMarkers = []string{
	"额度已用尽",
	"额度用尽",
	"本周额度",
	"本日额度",
	"本月额度",
	"额度不足",
	"额度耗尽",
	"临时提额",
	"使用详情",
}

// IsQuotaExhausted decides whether an upstream failure should be treated as
// quota exhaustion and trigger the hybrid failover.
func IsQuotaExhausted(status int, body string) bool {
	if status == 429 {
		return true
	}
	lower := strings.ToLower(body)
	for _, m := range englishQuotaMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	for _, m := range vendorQuotaMarkers {
		if strings.Contains(body, m) {
			return true
		}
	}
	return false
}
