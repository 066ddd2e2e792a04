/*
Copyright 2018 Google LLC

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

https://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package eventlog

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"
)

// encode/decode implement a minimal hand-rolled binary codec for Record:
// uint8 kind, int64 unix-nano timestamp, then a fixed field layout per
// kind. This is deliberately not a general-purpose serialization library
// (protobuf, gob, msgpack, ...): the record shapes are few and stable
// enough that a direct codec is the same amount of code as wiring one up,
// without adding a schema dependency to an append-only log format that
// stays compatible across versions by adding union variants.
func encode(r Record) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(r.Kind))
	putInt64(&buf, r.At.UnixNano())

	switch r.Kind {
	case KindCycleStart:
		putUint64(&buf, r.Cycle)
	case KindCycleEnd:
		putUint64(&buf, r.Cycle)
		putString(&buf, r.Stats)
	case KindTaskAdded:
		putUint64(&buf, r.TaskID)
		putBytes(&buf, r.ModelDig)
		putBytes(&buf, r.ArgsDig)
	case KindTaskFinalized:
		putUint64(&buf, r.TaskID)
	case KindEventEmitted:
		putUint64(&buf, r.GeneratorID)
		putBytes(&buf, r.ContextDig)
		putUint64Slice(&buf, r.Sources)
	case KindEventUnreachable:
		putUint64(&buf, r.GeneratorID)
		putBytes(&buf, r.ReasonDig)
	case KindEdgeAdded:
		putString(&buf, r.Relation)
		putUint64(&buf, r.ParentID)
		putUint64(&buf, r.ChildID)
		putBytes(&buf, r.InfoDig)
	case KindEdgeRemoved:
		putString(&buf, r.Relation)
		putUint64(&buf, r.ParentID)
		putUint64(&buf, r.ChildID)
	case KindException:
		putBytes(&buf, r.MatcherDig)
		putUint64(&buf, r.FailurePointID)
		putString(&buf, r.Status)
	}
	return buf.Bytes()
}

func decode(payload []byte) (Record, error) {
	buf := bytes.NewReader(payload)
	kindByte, err := buf.ReadByte()
	if err != nil {
		return Record{}, fmt.Errorf("eventlog: decode: reading kind: %w", err)
	}
	r := Record{Kind: Kind(kindByte)}

	nanos, err := getInt64(buf)
	if err != nil {
		return Record{}, fmt.Errorf("eventlog: decode: reading timestamp: %w", err)
	}
	r.At = time.Unix(0, nanos).UTC()

	switch r.Kind {
	case KindCycleStart:
		r.Cycle, err = getUint64(buf)
	case KindCycleEnd:
		if r.Cycle, err = getUint64(buf); err == nil {
			r.Stats, err = getString(buf)
		}
	case KindTaskAdded:
		if r.TaskID, err = getUint64(buf); err == nil {
			if r.ModelDig, err = getBytes(buf); err == nil {
				r.ArgsDig, err = getBytes(buf)
			}
		}
	case KindTaskFinalized:
		r.TaskID, err = getUint64(buf)
	case KindEventEmitted:
		if r.GeneratorID, err = getUint64(buf); err == nil {
			if r.ContextDig, err = getBytes(buf); err == nil {
				r.Sources, err = getUint64Slice(buf)
			}
		}
	case KindEventUnreachable:
		if r.GeneratorID, err = getUint64(buf); err == nil {
			r.ReasonDig, err = getBytes(buf)
		}
	case KindEdgeAdded:
		if r.Relation, err = getString(buf); err == nil {
			if r.ParentID, err = getUint64(buf); err == nil {
				if r.ChildID, err = getUint64(buf); err == nil {
					r.InfoDig, err = getBytes(buf)
				}
			}
		}
	case KindEdgeRemoved:
		if r.Relation, err = getString(buf); err == nil {
			if r.ParentID, err = getUint64(buf); err == nil {
				r.ChildID, err = getUint64(buf)
			}
		}
	case KindException:
		if r.MatcherDig, err = getBytes(buf); err == nil {
			if r.FailurePointID, err = getUint64(buf); err == nil {
				r.Status, err = getString(buf)
			}
		}
	default:
		return Record{}, fmt.Errorf("eventlog: decode: unknown kind %d", kindByte)
	}
	if err != nil {
		return Record{}, fmt.Errorf("eventlog: decode: kind %d: %w", r.Kind, err)
	}
	return r, nil
}

func putUint64(buf *bytes.Buffer, v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	buf.Write(tmp[:])
}

func putInt64(buf *bytes.Buffer, v int64) { putUint64(buf, uint64(v)) }

func putBytes(buf *bytes.Buffer, b []byte) {
	putUint64(buf, uint64(len(b)))
	buf.Write(b)
}

func putString(buf *bytes.Buffer, s string) { putBytes(buf, []byte(s)) }

func putUint64Slice(buf *bytes.Buffer, vs []uint64) {
	putUint64(buf, uint64(len(vs)))
	for _, v := range vs {
		putUint64(buf, v)
	}
}

func getUint64(r *bytes.Reader) (uint64, error) {
	var tmp [8]byte
	if _, err := readFull(r, tmp[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(tmp[:]), nil
}

func getInt64(r *bytes.Reader) (int64, error) {
	v, err := getUint64(r)
	return int64(v), err
}

func getBytes(r *bytes.Reader) ([]byte, error) {
	n, err := getUint64(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]byte, n)
	if _, err := readFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

func getString(r *bytes.Reader) (string, error) {
	b, err := getBytes(r)
	return string(b), err
}

func getUint64Slice(r *bytes.Reader) ([]uint64, error) {
	n, err := getUint64(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]uint64, n)
	for i := range out {
		if out[i], err = getUint64(r); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func readFull(r *bytes.Reader, buf []byte) (int, error) {
	n, err := r.Read(buf)
	if err != nil {
		return n, err
	}
	if n < len(buf) {
		return n, fmt.Errorf("eventlog: short read: got %d, want %d", n, len(buf))
	}
	return n, nil
}
