package tools

import (
	"strings"

	"github.com/likesjx/ansible/internal/ansibleerr"
	"github.com/likesjx/ansible/internal/state"
)

// resolveKey resolves taskIDOrPrefix against m's keys: an exact key match
// wins outright; otherwise a unique prefix match is used. No match is
// NotFound, more than one prefix match is Ambiguous.
func resolveKey(m *state.CRDTMap, idOrPrefix string) (string, error) {
	if idOrPrefix == "" {
		return "", ansibleerr.New(ansibleerr.InvalidParams, "id is required")
	}
	if m.Has(idOrPrefix) {
		return idOrPrefix, nil
	}

	var matches []string
	for _, k := range m.Keys() {
		if strings.HasPrefix(k, idOrPrefix) {
			matches = append(matches, k)
		}
	}
	switch len(matches) {
	case 0:
		return "", ansibleerr.New(ansibleerr.NotFound, "no item matches %q", idOrPrefix)
	case 1:
		return matches[0], nil
	default:
		return "", ansibleerr.New(ansibleerr.Ambiguous, "%q matches %d items", idOrPrefix, len(matches))
	}
}
