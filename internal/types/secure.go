package types

// SecretString wraps sensitive string values (API keys, webhook secrets,
// database URLs) so they cannot leak through logging or fmt verbs.
type SecretString string

const redacted = "[REDACTED]"

// String implements fmt.Stringer and always returns a redacted placeholder.
func (s SecretString) String() string {
	return redacted
}

// GoString prevents %#v from exposing the underlying value.
func (s SecretString) GoString() string {
	return redacted
}

// MarshalJSON ensures the secret is never serialized into JSON output.
func (s SecretString) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}

// Reveal returns the underlying secret value. Call sites are easy to audit.
func (s SecretString) Reveal() string {
	return string(s)
}

// IsEmpty reports whether the secret is unset.
func (s SecretString) IsEmpty() bool {
	return s == ""
}
