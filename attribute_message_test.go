package postoffice

import "testing"

func TestAttributeMessageRoundTrip(t *testing.T) {
	am := AttributeMessage{
		Topic: "orders.created",
		Body:  []byte("order-42"),
		Attributes: map[string]string{
			"sender":   "alice",
			"priority": "5",
		},
	}

	msg := am.Encode()
	if msg.Topic != am.Topic {
		t.Fatalf("expected topic to survive encode, got %q", msg.Topic)
	}

	decoded := DecodeAttributeMessage(msg)
	if string(decoded.Body) != "order-42" {
		t.Errorf("unexpected body: %q", decoded.Body)
	}
	if decoded.Attributes["sender"] != "alice" {
		t.Errorf("unexpected sender attribute: %q", decoded.Attributes["sender"])
	}
	if decoded.Attributes["priority"] != "5" {
		t.Errorf("unexpected priority attribute: %q", decoded.Attributes["priority"])
	}
}

func TestAttributeMessageNoAttributes(t *testing.T) {
	am := AttributeMessage{Topic: "t", Body: []byte("just a body")}
	decoded := DecodeAttributeMessage(am.Encode())

	if string(decoded.Body) != "just a body" {
		t.Errorf("unexpected body: %q", decoded.Body)
	}
	if len(decoded.Attributes) != 0 {
		t.Errorf("expected no attributes, got %v", decoded.Attributes)
	}
}

func TestDecodeAttributeMessageIgnoresMalformedTrailer(t *testing.T) {
	msg := AttributeMessage{Topic: "t", Body: []byte("b")}.Encode()
	msg.Payload = append(msg.Payload, []byte("garbage")...)

	decoded := DecodeAttributeMessage(msg)
	if string(decoded.Body) != "b" {
		t.Fatalf("expected the well-formed body record to still decode, got %q", decoded.Body)
	}
}
