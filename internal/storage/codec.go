package storage

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"thoth-rooms/internal/models"
)

// Badger values use the protobuf wire format of
//
//	message StoredMessage {
//	  string id = 1;
//	  string room = 2;
//	  string username = 3;
//	  string text = 4;
//	  int64 created_at_unix_nano = 5;
//	}
const (
	fieldID        protowire.Number = 1
	fieldRoom      protowire.Number = 2
	fieldUsername  protowire.Number = 3
	fieldText      protowire.Number = 4
	fieldCreatedAt protowire.Number = 5
)

func encodeMessage(m models.Message) []byte {
	b := make([]byte, 0, 32+len(m.ID)+len(m.Room)+len(m.Username)+len(m.Text))
	b = appendString(b, fieldID, m.ID)
	b = appendString(b, fieldRoom, m.Room)
	b = appendString(b, fieldUsername, m.Username)
	b = appendString(b, fieldText, m.Text)
	b = protowire.AppendTag(b, fieldCreatedAt, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.CreatedAt.UnixNano()))
	return b
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func decodeMessage(b []byte) (models.Message, error) {
	var m models.Message
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return models.Message{}, fmt.Errorf("decode tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.BytesType && num >= fieldID && num <= fieldText:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return models.Message{}, fmt.Errorf("decode field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldID:
				m.ID = v
			case fieldRoom:
				m.Room = v
			case fieldUsername:
				m.Username = v
			case fieldText:
				m.Text = v
			}
		case typ == protowire.VarintType && num == fieldCreatedAt:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return models.Message{}, fmt.Errorf("decode created_at: %w", protowire.ParseError(n))
			}
			b = b[n:]
			m.CreatedAt = time.Unix(0, int64(v)).UTC()
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return models.Message{}, fmt.Errorf("skip field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return m, nil
}
