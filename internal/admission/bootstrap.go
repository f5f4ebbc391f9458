package admission

import (
	"log/slog"
	"time"

	"github.com/likesjx/ansible/internal/ansibleerr"
	"github.com/likesjx/ansible/internal/state"
)

// Admission wraps the replicated document with the admission operations:
// bootstrap, invite issuance, token-gated join, ticket exchange, and
// revocation. Every write goes through the document's clock so admission
// state merges correctly with concurrent peer writes.
type Admission struct {
	doc *state.Document
}

// New creates an Admission layer over doc.
func New(doc *state.Document) *Admission {
	return &Admission{doc: doc}
}

func nowMS() int64 { return time.Now().UnixMilli() }

// Bootstrap registers the first node. It succeeds only if the nodes map is
// currently empty.
func (a *Admission) Bootstrap(nodeID string, tier Tier, capabilities []string) error {
	nodes := a.doc.GetMap(state.MapNodes)
	if nodes.Len() > 0 {
		return ansibleerr.New(ansibleerr.NotAuthorized, "bootstrap only permitted while nodes map is empty")
	}

	info := NodeInfo{Tier: tier, Capabilities: capabilities, AddedBy: nodeID, AddedAt: nowMS()}
	fields, err := encodeFields(info)
	if err != nil {
		return ansibleerr.Wrap(ansibleerr.InvalidParams, err, "encode node info")
	}
	if err := nodes.SetFields(nodeID, fields, a.doc.Tick()); err != nil {
		return ansibleerr.Wrap(ansibleerr.InvalidParams, err, "write node info")
	}

	slog.Info("admission: bootstrapped first node", "node_id", nodeID, "tier", tier)
	return nil
}
