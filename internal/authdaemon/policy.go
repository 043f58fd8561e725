package authdaemon

import "strings"

// DefaultPolicy allows everything except requests whose (case-folded) URI
// contains a substring from forbiddenSubstrings — e.g. create/exec/cp/kill,
// the Docker API calls that could spawn or tamper with a container outside
// the agent's own lifecycle management. Matching is substring, not prefix,
// so it catches versioned paths like "/v1.41/containers/create" the same
// as an unversioned one.
func DefaultPolicy(forbiddenSubstrings []string) Policy {
	return func(req Request, _, _ uint32) Decision {
		uri := strings.ToLower(req.URI)
		for _, substr := range forbiddenSubstrings {
			if strings.Contains(uri, strings.ToLower(substr)) {
				return Decision{Allow: false, Reason: "forbidden: " + substr}
			}
		}
		return Decision{Allow: true, Reason: "ok"}
	}
}
