package engine

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/opd-ai/kadnode/routing"
	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformedValue is returned when decoding a corrupt value record.
var ErrMalformedValue = errors.New("malformed value record")

// Value is a single entry in the local value store.
type Value struct {
	Key     routing.KUID
	Creator routing.KUID
	Data    []byte
	Created time.Time
}

// Database is the engine's local key/value store.
type Database struct {
	mu     sync.RWMutex
	values map[routing.KUID]*Value
}

// NewDatabase creates an empty store.
func NewDatabase() *Database {
	return &Database{values: make(map[routing.KUID]*Value)}
}

// Put stores v, replacing any value with the same key.
func (d *Database) Put(v *Value) {
	cp := *v
	cp.Data = append([]byte(nil), v.Data...)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.values[v.Key] = &cp
}

// Get returns the value stored under key.
func (d *Database) Get(key routing.KUID) (*Value, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	v, ok := d.values[key]
	if !ok {
		return nil, false
	}
	cp := *v
	return &cp, true
}

// Remove deletes the value stored under key.
func (d *Database) Remove(key routing.KUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.values, key)
}

// Values returns every stored value ordered by key.
func (d *Database) Values() []*Value {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]*Value, 0, len(d.values))
	for _, v := range d.values {
		cp := *v
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Less(out[j].Key) })
	return out
}

// Len returns the number of stored values.
func (d *Database) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.values)
}

// Clear removes every value.
func (d *Database) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.values = make(map[routing.KUID]*Value)
}

const (
	fieldValueKey     protowire.Number = 1
	fieldValueCreator protowire.Number = 2
	fieldValueData    protowire.Number = 3
	fieldValueCreated protowire.Number = 4
)

// MarshalValue encodes v as a protobuf-wire record.
func MarshalValue(v *Value) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldValueKey, protowire.BytesType)
	b = protowire.AppendBytes(b, v.Key[:])
	b = protowire.AppendTag(b, fieldValueCreator, protowire.BytesType)
	b = protowire.AppendBytes(b, v.Creator[:])
	b = protowire.AppendTag(b, fieldValueData, protowire.BytesType)
	b = protowire.AppendBytes(b, v.Data)
	b = protowire.AppendTag(b, fieldValueCreated, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(v.Created.UnixNano()))
	return b
}

// UnmarshalValue decodes a record produced by MarshalValue.
func UnmarshalValue(b []byte) (*Value, error) {
	v := &Value{}
	var haveKey bool

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformedValue, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.BytesType && num <= fieldValueData:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformedValue, num, protowire.ParseError(n))
			}
			if err := setValueBytes(v, num, raw); err != nil {
				return nil, err
			}
			haveKey = haveKey || num == fieldValueKey
			b = b[n:]
		case typ == protowire.VarintType && num == fieldValueCreated:
			ts, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: created: %v", ErrMalformedValue, protowire.ParseError(n))
			}
			v.Created = time.Unix(0, int64(ts))
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformedValue, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if !haveKey {
		return nil, fmt.Errorf("%w: missing key", ErrMalformedValue)
	}
	return v, nil
}

func setValueBytes(v *Value, num protowire.Number, raw []byte) error {
	switch num {
	case fieldValueKey, fieldValueCreator:
		id, err := routing.KUIDFromBytes(raw)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedValue, err)
		}
		if num == fieldValueKey {
			v.Key = id
		} else {
			v.Creator = id
		}
	case fieldValueData:
		v.Data = append([]byte(nil), raw...)
	}
	return nil
}
