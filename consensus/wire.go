package consensus

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// EncodeEntry renders a LogEntry in the wire format from the external
// interfaces section: { term (u64), offset (u64), kind (u8),
// payload_len (u32), payload_bytes }.
func EncodeEntry(e LogEntry) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 17+len(e.Payload)))
	binary.Write(buf, binary.BigEndian, uint64(e.Term))
	binary.Write(buf, binary.BigEndian, uint64(e.Offset))
	buf.WriteByte(byte(e.Kind))
	binary.Write(buf, binary.BigEndian, uint32(len(e.Payload)))
	buf.Write(e.Payload)
	return buf.Bytes()
}

// DecodeEntry is the inverse of EncodeEntry. Round-tripping an entry
// through Encode/Decode is the identity, per the testable properties
// section.
func DecodeEntry(data []byte) (LogEntry, error) {
	r := bytes.NewReader(data)

	var term, offset uint64
	if err := binary.Read(r, binary.BigEndian, &term); err != nil {
		return LogEntry{}, errors.Wrap(err, "couldn't decode entry term")
	}
	if err := binary.Read(r, binary.BigEndian, &offset); err != nil {
		return LogEntry{}, errors.Wrap(err, "couldn't decode entry offset")
	}
	kind, err := r.ReadByte()
	if err != nil {
		return LogEntry{}, errors.Wrap(err, "couldn't decode entry kind")
	}
	var payloadLen uint32
	if err := binary.Read(r, binary.BigEndian, &payloadLen); err != nil {
		return LogEntry{}, errors.Wrap(err, "couldn't decode entry payload length")
	}
	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return LogEntry{}, errors.Wrap(err, "couldn't decode entry payload")
		}
	}

	return LogEntry{
		Term:    Term(term),
		Offset:  LogOffset(offset),
		Kind:    EntryKind(kind),
		Payload: payload,
	}, nil
}
