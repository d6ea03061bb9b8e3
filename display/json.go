package display

import "encoding/json"

// MarshalJSON renders v indented for terminals
func MarshalJSON(v interface{}) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}
