package message

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownType is returned when a body carries a type tag outside the catalogue.
var ErrUnknownType = errors.New("message: unknown payload type")

type header struct {
	Type      string `json:"type"`
	MsgID     *int   `json:"msg_id,omitempty"`
	InReplyTo *int   `json:"in_reply_to,omitempty"`
}

// MarshalJSON flattens the payload fields next to type, msg_id and in_reply_to.
func (b Body) MarshalJSON() ([]byte, error) {
	if b.Payload == nil {
		return nil, errors.New("message: body has no payload")
	}
	raw, err := json.Marshal(b.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", b.Payload.Type(), err)
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("flatten %s: %w", b.Payload.Type(), err)
	}
	fields["type"], _ = json.Marshal(b.Payload.Type())
	if b.MsgID != nil {
		fields["msg_id"], _ = json.Marshal(*b.MsgID)
	}
	if b.InReplyTo != nil {
		fields["in_reply_to"], _ = json.Marshal(*b.InReplyTo)
	}
	return json.Marshal(fields)
}

// UnmarshalJSON reads the type tag first and then decodes the matching variant.
func (b *Body) UnmarshalJSON(data []byte) error {
	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return err
	}
	mk, ok := variants[h.Type]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownType, h.Type)
	}
	p := mk()
	if err := json.Unmarshal(data, p); err != nil {
		return fmt.Errorf("decode %s: %w", h.Type, err)
	}
	b.MsgID, b.InReplyTo, b.Payload = h.MsgID, h.InReplyTo, p
	return nil
}
