// Package security masks secrets before executor settings reach the logs.
package security

import "strings"

const mask = "***"

var sensitiveSubstrings = []string{
	"token",
	"password",
	"authorization",
	"apikey",
	"api_key",
	"access_key",
	"private_key",
	"credential",
	"auth",
	"passwd",
	"key",
	"signature",
	"cookie",
	"session",
	"jwt",
	"bearer",
	"pwd",
	"passphrase",
	"secret",
	"dsn",
}

var allowList = map[string]struct{}{
	"secret_name": {},
	"keywords":    {},
}

// RedactStrings returns a copy of values with sensitive entries masked.
// Executor env and header maps go through it before being logged.
func RedactStrings(values map[string]string) map[string]string {
	if values == nil {
		return nil
	}
	redacted := make(map[string]string, len(values))
	for key, value := range values {
		if IsSensitiveKey(key) {
			redacted[key] = mask
			continue
		}
		redacted[key] = value
	}
	return redacted
}

// RedactDSN masks the password of a URL-style connection string.
func RedactDSN(dsn string) string {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return dsn
	}
	creds, host, ok := strings.Cut(rest, "@")
	if !ok {
		return dsn
	}
	user, _, hasPassword := strings.Cut(creds, ":")
	if !hasPassword {
		return dsn
	}
	return scheme + "://" + user + ":" + mask + "@" + host
}

// IsSensitiveKey reports whether a key name looks like it holds a secret.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if _, ok := allowList[lower]; ok {
		return false
	}
	if strings.Contains(lower, "secret") && strings.Contains(lower, "name") {
		return false
	}
	for _, part := range sensitiveSubstrings {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}
