package dispatcher

import "fmt"

// Surface identifies the coordination-plane transport in session keys and
// runtime envelope headers (e.g. "From=ansible:bb1" in the wire contract).
const Surface = "ansible"

// Kind distinguishes a message-origin work item from a task-origin one.
type Kind string

const (
	KindMessage Kind = "msg"
	KindTask    Kind = "task"
)

// ItemKey is the stable in-flight/retry-timer key for (kind, itemId,
// target): "kind:id:target".
func ItemKey(kind Kind, itemID, target string) string {
	return fmt.Sprintf("%s:%s:%s", kind, itemID, target)
}

// SessionKey is the stable per-item session key the host runtime uses to
// correlate an inbound delivery with any session state it keeps:
// "agent:<targetAgent>:<surface>:<kind>:<itemId>".
func SessionKey(target string, kind Kind, itemID string) string {
	return fmt.Sprintf("agent:%s:%s:%s:%s", target, Surface, kind, itemID)
}
