// Package session maps symbolic session references to the concrete session
// identifiers accumulated while a pipeline runs.
package session

import (
	"regexp"
	"strings"
)

var (
	// steps.<id>.outputs.session_id
	stepRefPattern = regexp.MustCompile(`^steps\.([A-Za-z0-9_-]+)\.outputs\.session_id$`)

	// Session ids reported by the external tool are UUID shaped.
	sessionIDPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
)

// Resolve maps a session reference to a concrete session id using the
// accumulated step outputs. It accepts either the templated form
// "steps.<id>.outputs.session_id" or a bare session-id-shaped token. Any
// other input resolves to nothing, which callers must treat as "no
// continuation".
func Resolve(mappings map[string]string, ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", false
	}

	if m := stepRefPattern.FindStringSubmatch(ref); m != nil {
		id, ok := mappings[m[1]]
		if !ok || id == "" {
			return "", false
		}
		return id, true
	}

	if sessionIDPattern.MatchString(ref) {
		return ref, true
	}

	// A bare task id resolves through the mappings as well, so a task can
	// name its predecessor directly.
	if id, ok := mappings[ref]; ok && id != "" {
		return id, true
	}

	return "", false
}
