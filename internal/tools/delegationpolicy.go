package tools

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/likesjx/ansible/internal/ansibleerr"
	"github.com/likesjx/ansible/internal/state"
	"github.com/likesjx/ansible/internal/sweepers"
)

const delegationPolicyKey = "delegationPolicy"

// DelegationPolicy is the value shape stored at coordination[delegationPolicy].
type DelegationPolicy struct {
	PolicyMarkdown string `json:"policyMarkdown"`
	Version        int64  `json:"version"`
	Checksum       string `json:"checksum"`
	SetBy          string `json:"setBy"`
	SetAt          int64  `json:"setAt"`
}

// GetDelegationPolicy returns the currently recorded delegation policy, or
// a zero-value policy if none has been set.
func (t *Tools) GetDelegationPolicy() DelegationPolicy {
	v, ok := t.doc.GetMap(state.MapCoordination).GetField(delegationPolicyKey, "value")
	if !ok {
		return DelegationPolicy{}
	}
	return decodeDelegationPolicy(v)
}

// SetDelegationPolicyRequest is the input to SetDelegationPolicy.
type SetDelegationPolicyRequest struct {
	PolicyMarkdown string   `json:"policyMarkdown"`
	Version        int64    `json:"version"`
	Checksum       string   `json:"checksum,omitempty"`
	NotifyAgents   []string `json:"notifyAgents,omitempty"`
}

// SetDelegationPolicy replaces the delegation policy document. Coordinator
// only. Checksum defaults to a sha-256 hex digest of the markdown.
func (t *Tools) SetDelegationPolicy(callerNodeID string, req SetDelegationPolicyRequest) error {
	if !sweepers.IsCoordinator(t.doc, callerNodeID) {
		return ansibleerr.New(ansibleerr.NotAuthorized, "set_delegation_policy is coordinator-only")
	}
	if err := requireNonEmpty("policyMarkdown", req.PolicyMarkdown); err != nil {
		return err
	}

	checksum := req.Checksum
	if checksum == "" {
		sum := sha256.Sum256([]byte(req.PolicyMarkdown))
		checksum = hex.EncodeToString(sum[:])
	}

	policy := DelegationPolicy{
		PolicyMarkdown: req.PolicyMarkdown,
		Version:        req.Version,
		Checksum:       checksum,
		SetBy:          callerNodeID,
		SetAt:          time.Now().UnixMilli(),
	}
	if err := t.doc.GetMap(state.MapCoordination).SetFields(delegationPolicyKey, map[string]any{
		"value": policy,
	}, t.doc.Tick()); err != nil {
		return ansibleerr.Wrap(ansibleerr.InvalidState, err, "write delegation policy")
	}

	for _, agent := range req.NotifyAgents {
		_, _ = t.SendMessage(callerNodeID, SendMessageRequest{
			Content: "delegation policy updated to version " + strconv.FormatInt(req.Version, 10),
			To:      []string{agent},
		})
	}
	return nil
}

// AckDelegationPolicyRequest is the input to AckDelegationPolicy.
type AckDelegationPolicyRequest struct {
	Version  int64  `json:"version,omitempty"`
	Checksum string `json:"checksum,omitempty"`
}

// AckDelegationPolicy records that callerAgent has acknowledged the
// current (or a specific) policy version. Rejects an ack against a
// version/checksum that does not match the currently recorded policy.
func (t *Tools) AckDelegationPolicy(callerAgent string, req AckDelegationPolicyRequest) error {
	current := t.GetDelegationPolicy()
	if req.Version != 0 && req.Version != current.Version {
		return ansibleerr.New(ansibleerr.InvalidParams, "version %d does not match current policy version %d", req.Version, current.Version)
	}
	if req.Checksum != "" && req.Checksum != current.Checksum {
		return ansibleerr.New(ansibleerr.InvalidParams, "checksum does not match current policy")
	}
	ackKey := delegationPolicyKey + ".ack." + callerAgent
	return t.doc.GetMap(state.MapCoordination).SetFields(ackKey, map[string]any{
		"value":   current.Version,
		"agent":   callerAgent,
		"ackedAt": time.Now().UnixMilli(),
	}, t.doc.Tick())
}

func decodeDelegationPolicy(v any) DelegationPolicy {
	m, ok := v.(map[string]any)
	if !ok {
		return DelegationPolicy{}
	}
	var p DelegationPolicy
	p.PolicyMarkdown, _ = m["policyMarkdown"].(string)
	p.Checksum, _ = m["checksum"].(string)
	p.SetBy, _ = m["setBy"].(string)
	p.Version = asInt64(m["version"])
	p.SetAt = asInt64(m["setAt"])
	return p
}
