/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package security keeps credential material out of login attempt details,
// log fields and API responses. Portal error pages and redirect URLs often
// echo submitted form values back, so every free-form string recorded about
// a login passes through here first.
package security

import (
	"net/url"
	"regexp"
	"strings"
)

// redactedPlaceholder replaces sensitive values.
const redactedPlaceholder = "[REDACTED]"

// credentialKeys are substrings of form field or query names that carry secrets.
var credentialKeys = []string{"pass", "pwd", "secret", "token", "magic", "auth_key", "credential", "voucher"}

var sensitivePatterns = []*regexp.Regexp{
	// Bearer tokens
	regexp.MustCompile(`(?i)(bearer\s+)[a-zA-Z0-9\-_.~+/]+=*`),
	// Authorization headers
	regexp.MustCompile(`(?i)(authorization:\s*)(basic\s+|bearer\s+)?[a-zA-Z0-9\-_.~+/]+=*`),
	// Form-encoded or query pairs: password=..., auth_pass=..., magic=...
	regexp.MustCompile(`(?i)((?:[a-z0-9_\-]*(?:pass|pwd|secret|token|magic|voucher)[a-z0-9_\-]*)=)[^&\s"']+`),
	// JSON-ish "password": "..."
	regexp.MustCompile(`(?i)("(?:[a-z0-9_\-]*(?:pass|pwd|secret|token)[a-z0-9_\-]*)"\s*:\s*)"[^"]*"`),
	// Password prose
	regexp.MustCompile(`(?i)(password\s*[:]\s*)\S+`),
}

// Sanitize scrubs sensitive data from text, preserving the label prefix
// (e.g. "auth_pass=") so the detail stays readable.
func Sanitize(text string) string {
	result := text
	for _, pattern := range sensitivePatterns {
		result = pattern.ReplaceAllStringFunc(result, func(match string) string {
			loc := pattern.FindStringSubmatchIndex(match)
			if len(loc) >= 4 && loc[2] >= 0 {
				return match[loc[2]:loc[3]] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

// Scrub sanitizes text and additionally replaces every literal occurrence
// of the given secrets, however short. Empty secrets are ignored.
func Scrub(text string, secrets ...string) string {
	for _, s := range secrets {
		if s == "" {
			continue
		}
		text = strings.ReplaceAll(text, s, redactedPlaceholder)
		if esc := url.QueryEscape(s); esc != s {
			text = strings.ReplaceAll(text, esc, redactedPlaceholder)
		}
	}
	return Sanitize(text)
}

// SanitizeURL renders u with userinfo removed and credential-like query
// values replaced. A nil URL renders as the empty string.
func SanitizeURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	c := *u
	c.User = nil
	if c.RawQuery != "" {
		q := c.Query()
		for k := range q {
			if isCredentialKey(k) {
				q[k] = []string{redactedPlaceholder}
			}
		}
		c.RawQuery = q.Encode()
	}
	return c.String()
}

// Truncate sanitizes text and caps it at maxLen bytes.
func Truncate(text string, maxLen int) string {
	sanitized := Sanitize(text)
	if maxLen > 0 && len(sanitized) > maxLen {
		return sanitized[:maxLen] + "... (truncated)"
	}
	return sanitized
}

// SanitizeMap redacts values whose keys name a credential.
func SanitizeMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		if isCredentialKey(k) {
			out[k] = redactedPlaceholder
		} else {
			out[k] = Sanitize(v)
		}
	}
	return out
}

// isCredentialKey reports whether a field or key name suggests it holds a secret.
func isCredentialKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range credentialKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
