package dispatcher

import "encoding/json"

// DeliveryRecord is the per-recipient delivery state stored under
// record["delivery"][target].
type DeliveryRecord struct {
	State     string `json:"state"` // "attempted" | "delivered"
	At        int64  `json:"at"`
	By        string `json:"by"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"lastError,omitempty"`
}

func deliveryMap(record map[string]any) map[string]DeliveryRecord {
	raw, ok := record["delivery"]
	if !ok {
		return map[string]DeliveryRecord{}
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return map[string]DeliveryRecord{}
	}
	var out map[string]DeliveryRecord
	if err := json.Unmarshal(b, &out); err != nil {
		return map[string]DeliveryRecord{}
	}
	if out == nil {
		out = map[string]DeliveryRecord{}
	}
	return out
}

func deliveryFields(m map[string]DeliveryRecord) map[string]any {
	out := map[string]any{"delivery": m}
	return out
}

func readByAgents(record map[string]any) map[string]struct{} {
	set := map[string]struct{}{}
	raw, ok := record["readBy_agents"].([]any)
	if !ok {
		return set
	}
	for _, v := range raw {
		if s, ok := v.(string); ok {
			set[s] = struct{}{}
		}
	}
	return set
}

// isDelivered implements the backward-compatibility OR: a target is
// considered delivered if the structured delivery map says so, or if the
// legacy readBy_agents set already contains it.
func isDelivered(record map[string]any, target string) bool {
	if dr, ok := deliveryMap(record)[target]; ok && dr.State == "delivered" {
		return true
	}
	_, ok := readByAgents(record)[target]
	return ok
}

func attemptsFor(record map[string]any, target string) int {
	return deliveryMap(record)[target].Attempts
}
