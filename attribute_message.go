package postoffice

import "bytes"

// bodyRecordType is the reserved record type carrying an AttributeMessage's
// body; every other record type names an attribute key.
const bodyRecordType = "m_body"

// AttributeMessage layers a body plus a string/string attribute map on top
// of a plain Message. It is used by the engine to publish its own status
// telemetry, and is available to applications that want structured
// messages without adopting a heavier serialization format.
type AttributeMessage struct {
	Topic      string
	Body       []byte
	Attributes map[string]string
}

// Encode renders the AttributeMessage as a plain Message: body and
// attributes become records concatenated in the payload, decode-compatible
// with Decode.
func (a AttributeMessage) Encode() Message {
	var buf bytes.Buffer
	encodeRecord(&buf, record{Type: bodyRecordType, Text: a.Body})
	for k, v := range a.Attributes {
		encodeRecord(&buf, record{Type: k, Text: []byte(v)})
	}
	return Message{Topic: a.Topic, Payload: buf.Bytes()}
}

// DecodeAttributeMessage parses the records inside msg.Payload back into
// an AttributeMessage. Decoding stops at the first record that is not
// well-formed: the records before it are kept, and those after it are not
// read.
func DecodeAttributeMessage(msg Message) AttributeMessage {
	out := AttributeMessage{Topic: msg.Topic, Attributes: make(map[string]string)}
	for _, r := range decodeRecords(msg.Payload) {
		if r.Type == bodyRecordType {
			out.Body = r.Text
			continue
		}
		out.Attributes[r.Type] = string(r.Text)
	}
	return out
}
