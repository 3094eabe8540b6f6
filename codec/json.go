package codec

import "encoding/json"

// Default is the codec used when none is configured.
var Default Codec = JSON{}

// JSON implements Codec using the standard library JSON encoder.
type JSON struct{}

// Marshal encodes v as JSON.
func (JSON) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal decodes JSON data into v.
func (JSON) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// Name returns the stable codec name.
func (JSON) Name() string { return "json" }
