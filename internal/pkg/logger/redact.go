package logger

// RedactToken masks a public access token for safe logging.
// "Zk9x1c2v3b4n5m6..." → "Zk9x***"
// Short values (≤8 chars) are fully masked: "abc" → "***"
func RedactToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 8 {
		return "***"
	}
	return token[:4] + "***"
}
