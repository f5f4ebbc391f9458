package admission

import "encoding/json"

// decodeInto re-marshals a decoded record (map[string]any, as returned by
// state.CRDTMap.Get) into a typed struct. Used throughout this package to
// avoid hand-rolling field-by-field type assertions.
func decodeInto(fields map[string]any, out any) error {
	b, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

// encodeFields marshals a typed struct back into the map[string]any shape
// state.CRDTMap.SetFields expects.
func encodeFields(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
