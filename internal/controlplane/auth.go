package controlplane

import "crypto/subtle"

// subtleEqual compares the shared secret in constant time so response
// timing can't be used to brute-force it one byte at a time.
func subtleEqual(got, want string) bool {
	if want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
