// Package serializer defines the payload encoding contract used above the
// wire codec: codec.Message.Payload is an opaque byte slice, and a
// Serializer is what turns an application-level request/response value into
// those bytes and back (SPEC_FULL.md §1, "Pluggable value serialization").
package serializer

// Serializer converts between application values and the wire payload
// bytes carried inside a codec.Message.
type Serializer interface {
	// ContentType names the encoding, e.g. "application/json", for logging
	// and for protocols that negotiate it.
	ContentType() string
	Serialize(v interface{}) ([]byte, error)
	Deserialize(data []byte, v interface{}) error
}
