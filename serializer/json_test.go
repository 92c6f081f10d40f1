package serializer

import "testing"

func TestJSONRoundTrip(t *testing.T) {
	var s JSON
	type user struct {
		ID string `json:"id"`
	}

	data, err := s.Serialize(user{ID: "u1"})
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if string(data) != `{"id":"u1"}` {
		t.Fatalf("unexpected encoding: %s", data)
	}

	var got user
	if err := s.Deserialize(data, &got); err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if got.ID != "u1" {
		t.Fatalf("got %+v", got)
	}
}

func TestJSONContentType(t *testing.T) {
	var s JSON
	if s.ContentType() != "application/json" {
		t.Fatalf("unexpected content type %q", s.ContentType())
	}
}
