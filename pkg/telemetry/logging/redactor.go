package logging

// RedactKey shortens a credential key secret to a loggable prefix. Long
// secrets keep their first 12 characters; anything shorter is fully masked
// since a prefix would reveal most of it.
func RedactKey(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 12 {
		return "****"
	}
	return secret[:12] + "..."
}
