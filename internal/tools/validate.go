package tools

import (
	"strings"

	"github.com/likesjx/ansible/internal/ansibleerr"
)

// Field length limits for tool-call string inputs.
const (
	maxTitleLen       = 200
	maxDescriptionLen = 5000
	maxMessageLen     = 10000
	maxContextLen     = 5000
	maxResultLen      = 5000
	minDeleteReason   = 15
)

func validateLen(field, value string, max int) error {
	if len(value) > max {
		return ansibleerr.New(ansibleerr.InvalidParams, "%s must be at most %d characters", field, max)
	}
	return nil
}

func requireNonEmpty(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return ansibleerr.New(ansibleerr.InvalidParams, "%s is required", field)
	}
	return nil
}
