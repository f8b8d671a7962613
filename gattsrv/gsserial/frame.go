/**
 * Licensed to the Apache Software Foundation (ASF) under one
 * or more contributor license agreements.  See the NOTICE file
 * distributed with this work for additional information
 * regarding copyright ownership.  The ASF licenses this file
 * to you under the Apache License, Version 2.0 (the
 * "License"); you may not use this file except in compliance
 * with the License.  You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

package gsserial

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/joaojeronimo/go-crc16"
	log "github.com/sirupsen/logrus"

	"mynewt.apache.org/newt/util"
)

// Line markers.  The first line of a frame starts with FRAME_START; every
// following line starts with FRAME_CONT.
var FRAME_START = []byte{6, 9}
var FRAME_CONT = []byte{4, 20}

// Base64 characters per line.  A multiple of 4 that, with the 2-byte marker
// and line ending, keeps each line within 128 bytes.
const LINE_CHUNK_SZ = 124

// EncodeFrame wraps a message in a frame and splits it into lines, each
// ending in '\n'.
//
// frame = base64(len(2, big endian) | data | crc16(2, big endian))
func EncodeFrame(data []byte) [][]byte {
	body := make([]byte, 0, len(data)+4)
	body = append(body, 0, 0)
	body = append(body, data...)

	crcBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(crcBuf, crc16.Crc16(data))
	body = append(body, crcBuf...)

	binary.BigEndian.PutUint16(body[0:2], uint16(len(data)+2))

	b64 := make([]byte, base64.StdEncoding.EncodedLen(len(body)))
	base64.StdEncoding.Encode(b64, body)

	lines := [][]byte{}
	for written := 0; written < len(b64); {
		writeLen := util.Min(LINE_CHUNK_SZ, len(b64)-written)

		marker := FRAME_CONT
		if written == 0 {
			marker = FRAME_START
		}

		line := make([]byte, 0, len(marker)+writeLen+1)
		line = append(line, marker...)
		line = append(line, b64[written:written+writeLen]...)
		line = append(line, '\n')
		lines = append(lines, line)

		written += writeLen
	}

	return lines
}

// FrameDecoder reassembles frames from received lines.
type FrameDecoder struct {
	pkt *Packet
}

// Line consumes one line (without its '\n').  It returns the decoded
// message once a frame is complete, or nil if more lines are needed.  Lines
// without a frame marker are console noise and are ignored.
func (fd *FrameDecoder) Line(line []byte) ([]byte, error) {
	for len(line) > 1 && line[0] == '\r' {
		line = line[1:]
	}
	for len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
	}

	if len(line) < 2 {
		return nil, nil
	}
	start := line[0] == FRAME_START[0] && line[1] == FRAME_START[1]
	cont := line[0] == FRAME_CONT[0] && line[1] == FRAME_CONT[1]
	if !start && !cont {
		return nil, nil
	}

	b64 := string(line[2:])
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		fd.pkt = nil
		return nil, fmt.Errorf("Couldn't decode base64 string:"+
			" %s\nPacket hex dump:\n%s", b64, hex.Dump(line))
	}

	if start {
		if len(data) < 2 {
			fd.pkt = nil
			return nil, nil
		}

		pktLen := binary.BigEndian.Uint16(data[0:2])
		fd.pkt, err = NewPacket(pktLen)
		if err != nil {
			return nil, err
		}
		data = data[2:]
	}

	if fd.pkt == nil {
		log.Debugf("Continuation line without frame start; dropping")
		return nil, nil
	}

	if !fd.pkt.AddBytes(data) {
		return nil, nil
	}

	pkt := fd.pkt
	fd.pkt = nil

	if crc16.Crc16(pkt.GetBytes()) != 0 {
		return nil, fmt.Errorf("CRC error")
	}

	// Trim away the 2 bytes of CRC.
	pkt.TrimEnd(2)
	return pkt.GetBytes(), nil
}
