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

package robyctl

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/google/uuid"
)

// valueKind tags one entry of a request's argument map in the wire codec.
// Task arguments in practice are scalars and strings; anything richer a
// caller needs goes through the plan's own API, not the control surface.
type valueKind uint8

const (
	valueNil valueKind = iota
	valueString
	valueInt64
	valueFloat64
	valueBool
)

func encodeRequest(req request) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(req.op))
	switch req.op {
	case opStartAction:
		putStr(&buf, req.actionName)
		putArgs(&buf, req.args)
	case opMonitorJob, opKillJob, opDropJob:
		putUUID(&buf, req.jobID)
	case opBatch:
		putUint32(&buf, uint32(len(req.batch)))
		for _, sub := range req.batch {
			sub := encodeRequest(sub)
			putBytes(&buf, sub)
		}
	}
	return buf.Bytes()
}

func decodeRequest(payload []byte) (request, error) {
	buf := bytes.NewReader(payload)
	opByte, err := buf.ReadByte()
	if err != nil {
		return request{}, fmt.Errorf("robyctl: decode request: %w", err)
	}
	req := request{op: opCode(opByte)}
	switch req.op {
	case opListActions, opSnapshot:
	case opStartAction:
		if req.actionName, err = getStr(buf); err != nil {
			return request{}, err
		}
		if req.args, err = getArgs(buf); err != nil {
			return request{}, err
		}
	case opMonitorJob, opKillJob, opDropJob:
		if req.jobID, err = getUUID(buf); err != nil {
			return request{}, err
		}
	case opBatch:
		n, err := getUint32(buf)
		if err != nil {
			return request{}, err
		}
		req.batch = make([]request, 0, n)
		for i := uint32(0); i < n; i++ {
			sub, err := getBytes(buf)
			if err != nil {
				return request{}, err
			}
			subReq, err := decodeRequest(sub)
			if err != nil {
				return request{}, err
			}
			req.batch = append(req.batch, subReq)
		}
	default:
		return request{}, fmt.Errorf("robyctl: decode request: unknown op %d", opByte)
	}
	return req, nil
}

func encodeResponse(resp response) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(resp.op))
	switch resp.op {
	case opOK:
	case opError:
		putStr(&buf, resp.message)
	case opActionList:
		putUint32(&buf, uint32(len(resp.actions)))
		for _, a := range resp.actions {
			putStr(&buf, a)
		}
	case opJobStarted:
		putUUID(&buf, resp.jobID)
	case opJobUpdate:
		putUUID(&buf, resp.update.JobID)
		buf.WriteByte(byte(resp.update.State))
		putStr(&buf, resp.update.Err)
	case opSnapshotData:
		putBytes(&buf, resp.payload)
	}
	return buf.Bytes()
}

func decodeResponse(payload []byte) (response, error) {
	buf := bytes.NewReader(payload)
	opByte, err := buf.ReadByte()
	if err != nil {
		return response{}, fmt.Errorf("robyctl: decode response: %w", err)
	}
	resp := response{op: opCode(opByte)}
	switch resp.op {
	case opOK:
	case opError:
		if resp.message, err = getStr(buf); err != nil {
			return response{}, err
		}
	case opActionList:
		n, err := getUint32(buf)
		if err != nil {
			return response{}, err
		}
		resp.actions = make([]string, 0, n)
		for i := uint32(0); i < n; i++ {
			a, err := getStr(buf)
			if err != nil {
				return response{}, err
			}
			resp.actions = append(resp.actions, a)
		}
	case opJobStarted:
		if resp.jobID, err = getUUID(buf); err != nil {
			return response{}, err
		}
	case opJobUpdate:
		id, err := getUUID(buf)
		if err != nil {
			return response{}, err
		}
		stateByte, err := buf.ReadByte()
		if err != nil {
			return response{}, err
		}
		errStr, err := getStr(buf)
		if err != nil {
			return response{}, err
		}
		resp.update = JobUpdate{JobID: id, State: JobState(stateByte), Err: errStr}
	case opSnapshotData:
		if resp.payload, err = getBytes(buf); err != nil {
			return response{}, err
		}
	default:
		return response{}, fmt.Errorf("robyctl: decode response: unknown op %d", opByte)
	}
	return resp, nil
}

func putArgs(buf *bytes.Buffer, args map[string]any) {
	putUint32(buf, uint32(len(args)))
	for k, v := range args {
		putStr(buf, k)
		switch val := v.(type) {
		case nil:
			buf.WriteByte(byte(valueNil))
		case string:
			buf.WriteByte(byte(valueString))
			putStr(buf, val)
		case int64:
			buf.WriteByte(byte(valueInt64))
			putUint64(buf, uint64(val))
		case int:
			buf.WriteByte(byte(valueInt64))
			putUint64(buf, uint64(int64(val)))
		case float64:
			buf.WriteByte(byte(valueFloat64))
			putUint64(buf, math.Float64bits(val))
		case bool:
			buf.WriteByte(byte(valueBool))
			if val {
				buf.WriteByte(1)
			} else {
				buf.WriteByte(0)
			}
		default:
			buf.WriteByte(byte(valueString))
			putStr(buf, fmt.Sprintf("%v", val))
		}
	}
}

func getArgs(r *bytes.Reader) (map[string]any, error) {
	n, err := getUint32(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	out := make(map[string]any, n)
	for i := uint32(0); i < n; i++ {
		k, err := getStr(r)
		if err != nil {
			return nil, err
		}
		kindByte, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		switch valueKind(kindByte) {
		case valueNil:
			out[k] = nil
		case valueString:
			s, err := getStr(r)
			if err != nil {
				return nil, err
			}
			out[k] = s
		case valueInt64:
			v, err := getUint64(r)
			if err != nil {
				return nil, err
			}
			out[k] = int64(v)
		case valueFloat64:
			v, err := getUint64(r)
			if err != nil {
				return nil, err
			}
			out[k] = math.Float64frombits(v)
		case valueBool:
			b, err := r.ReadByte()
			if err != nil {
				return nil, err
			}
			out[k] = b != 0
		default:
			return nil, fmt.Errorf("robyctl: decode args: unknown value kind %d", kindByte)
		}
	}
	return out, nil
}

func putUint32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}

func putUint64(buf *bytes.Buffer, v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	buf.Write(tmp[:])
}

func putBytes(buf *bytes.Buffer, b []byte) {
	putUint32(buf, uint32(len(b)))
	buf.Write(b)
}

func putStr(buf *bytes.Buffer, s string) { putBytes(buf, []byte(s)) }

func putUUID(buf *bytes.Buffer, id uuid.UUID) { buf.Write(id[:]) }

func getUint32(r *bytes.Reader) (uint32, error) {
	var tmp [4]byte
	if _, err := readFull(r, tmp[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(tmp[:]), nil
}

func getUint64(r *bytes.Reader) (uint64, error) {
	var tmp [8]byte
	if _, err := readFull(r, tmp[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(tmp[:]), nil
}

func getBytes(r *bytes.Reader) ([]byte, error) {
	n, err := getUint32(r)
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

func getStr(r *bytes.Reader) (string, error) {
	b, err := getBytes(r)
	return string(b), err
}

func getUUID(r *bytes.Reader) (uuid.UUID, error) {
	var id uuid.UUID
	if _, err := readFull(r, id[:]); err != nil {
		return uuid.UUID{}, err
	}
	return id, nil
}

func readFull(r *bytes.Reader, buf []byte) (int, error) {
	n, err := r.Read(buf)
	if err != nil {
		return n, err
	}
	if n < len(buf) {
		return n, fmt.Errorf("robyctl: short read: got %d, want %d", n, len(buf))
	}
	return n, nil
}
