package dht

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/golang/snappy"
	"github.com/opd-ai/kadnode/engine"
	"github.com/opd-ai/kadnode/limits"
	"github.com/opd-ai/kadnode/routing"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
	"google.golang.org/protobuf/encoding/protowire"
)

// Snapshot file names inside Options.DataDir.
const (
	ActiveSnapshotFile  = "active.dht"
	PassiveSnapshotFile = "passive.dht"
)

var snapshotMagic = []byte("KDHT")

var (
	// ErrBadMagic is returned for files that are not route table snapshots.
	ErrBadMagic = errors.New("not a route table snapshot")
	// ErrChecksum is returned when the snapshot body does not match its
	// checksum.
	ErrChecksum = errors.New("snapshot checksum mismatch")
	// ErrTruncated is returned when the contact list has no end marker.
	ErrTruncated = errors.New("snapshot truncated")
	// ErrMalformedSnapshot is returned for undecodable records.
	ErrMalformedSnapshot = errors.New("malformed snapshot")
)

const (
	fieldSnapshotVersion protowire.Number = 1
	fieldSnapshotLocal   protowire.Number = 2
	fieldSnapshotContact protowire.Number = 3
	fieldSnapshotValue   protowire.Number = 4
	fieldSnapshotEnd     protowire.Number = 5
)

// Snapshot is the persisted state of a controller.
type Snapshot struct {
	Version int
	// Local is the local contact. Only active snapshots carry it.
	Local    *routing.Contact
	Contacts []*routing.Contact
	Values   []*engine.Value
}

// MarshalSnapshot encodes s as magic, blake2b-256 checksum and the snappy
// compressed record body.
func MarshalSnapshot(s *Snapshot) ([]byte, error) {
	var body []byte
	body = protowire.AppendTag(body, fieldSnapshotVersion, protowire.VarintType)
	body = protowire.AppendVarint(body, protowire.EncodeZigZag(int64(s.Version)))
	if s.Local != nil {
		body = protowire.AppendTag(body, fieldSnapshotLocal, protowire.BytesType)
		body = protowire.AppendBytes(body, routing.MarshalContact(s.Local))
	}
	for _, c := range s.Contacts {
		body = protowire.AppendTag(body, fieldSnapshotContact, protowire.BytesType)
		body = protowire.AppendBytes(body, routing.MarshalContact(c))
	}
	for _, v := range s.Values {
		body = protowire.AppendTag(body, fieldSnapshotValue, protowire.BytesType)
		body = protowire.AppendBytes(body, engine.MarshalValue(v))
	}
	body = protowire.AppendTag(body, fieldSnapshotEnd, protowire.VarintType)
	body = protowire.AppendVarint(body, 0)

	if err := limits.ValidateDecodedSnapshot(len(body)); err != nil {
		return nil, err
	}

	compressed := snappy.Encode(nil, body)
	sum := blake2b.Sum256(compressed)

	out := make([]byte, 0, len(snapshotMagic)+len(sum)+len(compressed))
	out = append(out, snapshotMagic...)
	out = append(out, sum[:]...)
	out = append(out, compressed...)

	if err := limits.ValidateSnapshot(out); err != nil {
		return nil, err
	}
	return out, nil
}

// UnmarshalSnapshot decodes data produced by MarshalSnapshot.
func UnmarshalSnapshot(data []byte) (*Snapshot, error) {
	if err := limits.ValidateSnapshot(data); err != nil {
		return nil, err
	}
	header := len(snapshotMagic) + blake2b.Size256
	if len(data) < header || !bytes.Equal(data[:len(snapshotMagic)], snapshotMagic) {
		return nil, ErrBadMagic
	}

	compressed := data[header:]
	sum := blake2b.Sum256(compressed)
	if !bytes.Equal(sum[:], data[len(snapshotMagic):header]) {
		return nil, ErrChecksum
	}

	n, err := snappy.DecodedLen(compressed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSnapshot, err)
	}
	if err := limits.ValidateDecodedSnapshot(n); err != nil {
		return nil, err
	}
	body, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSnapshot, err)
	}
	return parseSnapshotBody(body)
}

func parseSnapshotBody(b []byte) (*Snapshot, error) {
	s := &Snapshot{Version: -1}
	haveVersion, ended := false, false

	for len(b) > 0 {
		if ended {
			return nil, fmt.Errorf("%w: records after end marker", ErrMalformedSnapshot)
		}
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformedSnapshot, protowire.ParseError(n))
		}
		b = b[n:]

		if typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformedSnapshot, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldSnapshotVersion:
				s.Version = int(protowire.DecodeZigZag(v))
				haveVersion = true
			case fieldSnapshotEnd:
				ended = true
			}
			continue
		}

		if typ != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformedSnapshot, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}

		raw, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformedSnapshot, protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case fieldSnapshotLocal:
			c, err := routing.UnmarshalContact(raw)
			if err != nil {
				return nil, err
			}
			s.Local = c
		case fieldSnapshotContact:
			c, err := routing.UnmarshalContact(raw)
			if err != nil {
				return nil, err
			}
			s.Contacts = append(s.Contacts, c)
		case fieldSnapshotValue:
			v, err := engine.UnmarshalValue(raw)
			if err != nil {
				return nil, err
			}
			s.Values = append(s.Values, v)
		}
	}

	if !haveVersion {
		return nil, fmt.Errorf("%w: missing version", ErrMalformedSnapshot)
	}
	if !ended {
		return nil, ErrTruncated
	}
	return s, nil
}

// WriteSnapshot atomically replaces path with the encoding of s.
func WriteSnapshot(path string, s *Snapshot) error {
	data, err := MarshalSnapshot(s)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

// ReadSnapshot loads the snapshot at path.
func ReadSnapshot(path string) (*Snapshot, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s is not a regular file", ErrBadMagic, path)
	}
	if info.Size() > limits.MaxSnapshot {
		return nil, fmt.Errorf("%w: snapshot size %d exceeds limit %d", limits.ErrTooLarge, info.Size(), limits.MaxSnapshot)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return UnmarshalSnapshot(data)
}

// snapshotPath returns the path of name in the data directory, or "" when
// persistence is disabled.
func (o *Options) snapshotPath(name string) string {
	if o.DataDir == "" {
		return ""
	}
	return filepath.Join(o.DataDir, name)
}

// loadSnapshot reads the snapshot at path. Missing, corrupt or rejected
// snapshots are logged and yield nil.
func loadSnapshot(path string, accept func(version int) bool) *Snapshot {
	if path == "" {
		return nil
	}
	s, err := ReadSnapshot(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logrus.WithFields(logrus.Fields{
				"function": "loadSnapshot",
				"path":     path,
				"error":    err.Error(),
			}).Warn("Discarding route table snapshot")
		}
		return nil
	}
	if !accept(s.Version) {
		logrus.WithFields(logrus.Fields{
			"function": "loadSnapshot",
			"path":     path,
			"version":  s.Version,
		}).Warn("Discarding route table snapshot with incompatible version")
		return nil
	}
	return s
}

// saveSnapshot writes s to path and logs failures.
func saveSnapshot(path string, s *Snapshot) {
	if path == "" {
		return
	}
	if err := WriteSnapshot(path, s); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "saveSnapshot",
			"path":     path,
			"error":    err.Error(),
		}).Warn("Failed to persist route table")
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "saveSnapshot",
		"path":     path,
		"contacts": len(s.Contacts),
		"values":   len(s.Values),
	}).Debug("Persisted route table")
}
