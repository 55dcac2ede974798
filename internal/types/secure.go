package types

import "crypto/subtle"

// redactedPlaceholder is the string used to replace secret values in logs and serialization.
const redactedPlaceholder = "***REDACTED***"

var redactedJSON = []byte(`"***REDACTED***"`)

// SecretString holds a subscription client secret. String() and MarshalJSON()
// return a redacted placeholder so the value never reaches logs or JSON
// output. Decoding from JSON is unaffected.
type SecretString string

// String returns a redacted placeholder instead of the raw value.
func (s SecretString) String() string {
	return redactedPlaceholder
}

// MarshalJSON returns the redacted placeholder as a JSON string.
func (s SecretString) MarshalJSON() ([]byte, error) {
	return redactedJSON, nil
}

// Unmask returns the raw plaintext value of the secret.
func (s SecretString) Unmask() string {
	return string(s)
}

// IsEmpty reports whether no secret was supplied.
func (s SecretString) IsEmpty() bool {
	return s == ""
}

// Equal compares two secrets in constant time with respect to their contents.
func (s SecretString) Equal(other SecretString) bool {
	return subtle.ConstantTimeCompare([]byte(s), []byte(other)) == 1
}
