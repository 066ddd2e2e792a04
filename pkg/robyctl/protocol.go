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
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// opCode tags one request/response frame's shape, the same tagged-union
// framing style as pkg/eventlog's Record.
type opCode uint8

const (
	opListActions opCode = iota + 1
	opStartAction
	opMonitorJob
	opKillJob
	opDropJob
	opBatch
	opSnapshot
	opOK
	opError
	opActionList
	opJobStarted
	opJobUpdate
	opSnapshotData
)

// request is one client-to-server frame.
type request struct {
	op opCode

	actionName string          // StartAction
	args       map[string]any  // StartAction
	jobID      uuid.UUID       // MonitorJob, KillJob, DropJob
	batch      []request       // Batch: sub-requests applied in order until one fails
}

// response is one server-to-client frame.
type response struct {
	op opCode

	message string     // Error
	actions []string    // ActionList
	jobID   uuid.UUID   // JobStarted
	update  JobUpdate   // JobUpdate
	payload []byte      // SnapshotData: a planviz-independent encoded plan.Snapshot
}

// writeFrame writes a big-endian uint32 length prefix followed by payload,
// the same framing pkg/eventlog uses for its log records.
func writeFrame(w *bufio.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("robyctl: writing frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("robyctl: writing frame payload: %w", err)
	}
	return w.Flush()
}

// readFrame reads one length-prefixed frame.
func readFrame(r *bufio.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("robyctl: reading frame payload: %w", err)
	}
	return payload, nil
}

func writeResponse(w *bufio.Writer, resp response) error {
	return writeFrame(w, encodeResponse(resp))
}

func readRequest(r *bufio.Reader) (request, error) {
	payload, err := readFrame(r)
	if err != nil {
		return request{}, err
	}
	return decodeRequest(payload)
}
