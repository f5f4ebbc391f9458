package state

import "encoding/json"

// Equivalent reports whether two documents have the same live (non-deleted)
// content across every map — the map-comparison function a round-trip law
// requires. Clocks are ignored for equivalence; only decoded field values
// are compared, since compaction and remote application are allowed to
// produce different internal clocks for the same logical content.
func Equivalent(a, b *Document) bool {
	for _, name := range allMapNames() {
		ma, mb := a.GetMap(name), b.GetMap(name)
		keysA, keysB := ma.Keys(), mb.Keys()
		if len(keysA) != len(keysB) {
			return false
		}
		for _, k := range keysA {
			va, _ := ma.Get(k)
			vb, ok := mb.Get(k)
			if !ok {
				return false
			}
			if !jsonEqual(va, vb) {
				return false
			}
		}
	}
	return true
}

func jsonEqual(a, b map[string]any) bool {
	ja, err1 := json.Marshal(a)
	jb, err2 := json.Marshal(b)
	if err1 != nil || err2 != nil {
		return false
	}
	var na, nb any
	if err := json.Unmarshal(ja, &na); err != nil {
		return false
	}
	if err := json.Unmarshal(jb, &nb); err != nil {
		return false
	}
	return deepEqual(na, nb)
}

func deepEqual(a, b any) bool {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bvv, ok := bv[k]
			if !ok || !deepEqual(v, bvv) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !deepEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}

// ApplyAll merges every live record in src into dst as a sequence of
// Updates, used by tests to exercise encode→applyUpdate round-trips without
// going through the snapshot byte encoding.
func ApplyAll(src, dst *Document) error {
	for _, name := range allMapNames() {
		m := src.GetMap(name)
		for _, k := range m.Keys() {
			v, ok := m.Get(k)
			if !ok {
				continue
			}
			if err := dst.ApplyRemoteUpdate(Update{
				Map:    name,
				Key:    k,
				Fields: v,
				Clock:  dst.Tick(),
			}); err != nil {
				return err
			}
		}
	}
	return nil
}
