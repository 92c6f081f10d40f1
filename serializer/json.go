package serializer

import "encoding/json"

// JSON is the reference Serializer: plain encoding/json, matching the
// payload shapes used throughout SPEC_FULL.md's worked examples (e.g.
// {"id":"u1"}).
type JSON struct{}

func (JSON) ContentType() string { return "application/json" }

func (JSON) Serialize(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (JSON) Deserialize(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
