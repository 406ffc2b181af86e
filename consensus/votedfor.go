package consensus

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// votedForFileName is the durable per-group file, one per group under the
// log's base directory, per the external interfaces section.
const votedForFileName = "voted_for"

// encodeVotedFor renders a VotedForRecord in the wire format:
// { term (u64 LE), voted_for_present (u8), voted_for_id (u64 LE) }.
// When a vote is present, the u64 voted_for_id slot holds the byte length of
// the NodeId and the NodeId's bytes follow it, so round-tripping preserves
// the textual NodeId exactly; when absent the slot is 0 and nothing follows.
// The trailing bytes are an addition over the bare layout, needed because
// NodeId is opaque text, not a number, in this rendering.
func encodeVotedFor(rec VotedForRecord) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 32))
	binary.Write(buf, binary.LittleEndian, int64(rec.Term))
	if rec.VotedFor == nil {
		buf.WriteByte(0)
		binary.Write(buf, binary.LittleEndian, uint64(0))
	} else {
		buf.WriteByte(1)
		id := []byte(*rec.VotedFor)
		binary.Write(buf, binary.LittleEndian, uint64(len(id)))
		buf.Write(id)
	}
	return buf.Bytes()
}

func decodeVotedFor(data []byte) (VotedForRecord, error) {
	r := bytes.NewReader(data)
	var term int64
	if err := binary.Read(r, binary.LittleEndian, &term); err != nil {
		return VotedForRecord{}, errors.Wrap(err, "couldn't decode term")
	}
	present, err := r.ReadByte()
	if err != nil {
		return VotedForRecord{}, errors.Wrap(err, "couldn't decode voted_for_present")
	}
	if present == 0 {
		var discard uint64
		if err := binary.Read(r, binary.LittleEndian, &discard); err != nil {
			return VotedForRecord{}, errors.Wrap(err, "couldn't decode voted_for_id")
		}
		return VotedForRecord{Term: Term(term)}, nil
	}

	var length uint64
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return VotedForRecord{}, errors.Wrap(err, "couldn't decode voted_for length")
	}
	id := make([]byte, length)
	if _, err := io.ReadFull(r, id); err != nil {
		return VotedForRecord{}, errors.Wrap(err, "couldn't decode voted_for id")
	}
	n := NodeId(id)
	return VotedForRecord{Term: Term(term), VotedFor: &n}, nil
}

// loadVotedFor reads the durable record for a group, returning the zero
// record if the file has never been written.
func loadVotedFor(baseDir string) (VotedForRecord, error) {
	path := filepath.Join(baseDir, votedForFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return VotedForRecord{}, nil
		}
		return VotedForRecord{}, errors.Wrap(err, "couldn't read voted_for file")
	}
	rec, err := decodeVotedFor(data)
	if err != nil {
		return VotedForRecord{}, errors.Wrap(err, "voted_for file is corrupt")
	}
	return rec, nil
}

// persistVotedFor writes the record atomically via write-to-temp + rename,
// fsyncing the temp file before the rename per the external interfaces
// section. There is no third-party atomic-file-write helper anywhere in the
// corpus, so this one function is plain stdlib — see DESIGN.md.
func persistVotedFor(baseDir string, rec VotedForRecord) error {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return errors.Wrap(err, "couldn't create log base directory")
	}

	tmp, err := os.CreateTemp(baseDir, votedForFileName+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "couldn't create temp voted_for file")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(encodeVotedFor(rec)); err != nil {
		tmp.Close()
		return errors.Wrap(err, "couldn't write temp voted_for file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "couldn't fsync temp voted_for file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "couldn't close temp voted_for file")
	}

	if err := os.Rename(tmpPath, filepath.Join(baseDir, votedForFileName)); err != nil {
		return errors.Wrap(err, "couldn't rename voted_for file into place")
	}
	return nil
}
