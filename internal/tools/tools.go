// Package tools implements the named tool/command surface the host runtime
// exposes to agents: status, messaging, task delegation, agent registry,
// coordination settings, and delegation policy. Operations return a typed
// ansibleerr on failure. Only DeleteMessages (admin capability) and
// SetDelegationPolicy (coordinator role) check the caller; the other
// operations do not authorize against the admitted node set.
package tools

import (
	"github.com/likesjx/ansible/internal/admission"
	"github.com/likesjx/ansible/internal/dispatcher"
	"github.com/likesjx/ansible/internal/presence"
	"github.com/likesjx/ansible/internal/state"
)

// Tools wraps the replicated document with the operation surface. It holds
// no request-scoped state; one instance is shared across all callers on a
// host.
type Tools struct {
	doc        *state.Document
	admission  *admission.Admission
	registry   *presence.Registry
	dispatcher *dispatcher.Dispatcher
	selfNodeID string
}

// New creates a Tools surface for selfNodeID. dispatcher may be nil on a
// host that runs with dispatchIncoming=false; tool-write paths that would
// otherwise request a reconcile simply skip it.
func New(doc *state.Document, adm *admission.Admission, registry *presence.Registry, dsp *dispatcher.Dispatcher, selfNodeID string) *Tools {
	return &Tools{doc: doc, admission: adm, registry: registry, dispatcher: dsp, selfNodeID: selfNodeID}
}

func (t *Tools) requestReconcile(reason string) {
	if t.dispatcher != nil {
		t.dispatcher.RequestReconcile(reason)
	}
}
