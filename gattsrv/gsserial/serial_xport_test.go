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
	"bufio"
	"bytes"
	"io"
	"testing"
	"time"
)

func decodeLines(t *testing.T, lines [][]byte) []byte {
	t.Helper()

	dec := FrameDecoder{}
	for i, line := range lines {
		msg, err := dec.Line(bytes.TrimSuffix(line, []byte{'\n'}))
		if err != nil {
			t.Fatal(err)
		}
		if msg != nil {
			if i != len(lines)-1 {
				t.Fatalf("frame completed early at line %d of %d",
					i, len(lines))
			}
			return msg
		}
	}

	t.Fatalf("frame never completed")
	return nil
}

func TestFrameRoundTrip(t *testing.T) {
	for _, sz := range []int{1, 40, 89, 90, 200, 1000} {
		data := make([]byte, sz)
		for i := range data {
			data[i] = byte(i * 7)
		}

		lines := EncodeFrame(data)
		for i, line := range lines {
			if len(line) > 128 {
				t.Fatalf("size %d: line %d too long: %d", sz, i, len(line))
			}
			marker := FRAME_CONT
			if i == 0 {
				marker = FRAME_START
			}
			if !bytes.HasPrefix(line, marker) {
				t.Fatalf("size %d: line %d has wrong marker", sz, i)
			}
		}

		msg := decodeLines(t, lines)
		if !bytes.Equal(msg, data) {
			t.Fatalf("size %d: frame corrupted", sz)
		}
	}
}

func TestFrameIgnoresNoise(t *testing.T) {
	data := []byte(`{"op":"event","type":"sync_evt","seq":1,"synced":true}`)
	lines := EncodeFrame(data)

	dec := FrameDecoder{}
	noise := [][]byte{
		[]byte("boot: booting image 0"),
		{},
		{'\r'},
	}
	for _, n := range noise {
		msg, err := dec.Line(n)
		if msg != nil || err != nil {
			t.Fatalf("noise line produced output: %v %v", msg, err)
		}
	}

	var msg []byte
	for _, line := range lines {
		m, err := dec.Line(append([]byte{'\r'},
			bytes.TrimSuffix(line, []byte{'\n'})...))
		if err != nil {
			t.Fatal(err)
		}
		if m != nil {
			msg = m
		}
	}
	if !bytes.Equal(msg, data) {
		t.Fatalf("wrong frame: %s", string(msg))
	}
}

func TestFrameCrcError(t *testing.T) {
	lines := EncodeFrame([]byte{1, 2, 3, 4})

	dec := FrameDecoder{}
	msg, err := dec.Line(bytes.TrimSuffix(lines[0], []byte{'\n'}))
	if err != nil || msg == nil {
		t.Fatalf("clean frame rejected: %v", err)
	}

	bad := EncodeFrame([]byte{1, 2, 3, 4})
	raw := bytes.TrimSuffix(bad[0], []byte{'\n'})
	// Flip one base64 character inside the payload.
	if raw[5] == 'A' {
		raw[5] = 'B'
	} else {
		raw[5] = 'A'
	}
	if _, err := dec.Line(raw); err == nil {
		t.Fatalf("corrupted frame accepted")
	}
}

type pipePort struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (p *pipePort) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipePort) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p *pipePort) Close() error {
	p.r.Close()
	return p.w.Close()
}

func TestSerialXport(t *testing.T) {
	// Board side of the line.
	boardR, hostW := io.Pipe()
	hostR, boardW := io.Pipe()

	cfg := NewXportCfg()
	cfg.LineDelay = 0
	sx := NewSerialXport(cfg)
	sx.open = func(cfg XportCfg) (io.ReadWriteCloser, error) {
		return &pipePort{r: hostR, w: hostW}, nil
	}

	rxCh := make(chan []byte, 4)
	errCh := make(chan error, 1)
	if err := sx.Start(func(b []byte) { rxCh <- b },
		func(err error) { errCh <- err }); err != nil {

		t.Fatal(err)
	}

	// Host -> board.
	req := bytes.Repeat([]byte("request "), 30)
	go func() {
		if err := sx.Tx(req); err != nil {
			t.Error(err)
		}
	}()

	dec := FrameDecoder{}
	scanner := bufio.NewScanner(boardR)
	var got []byte
	for got == nil && scanner.Scan() {
		msg, err := dec.Line(scanner.Bytes())
		if err != nil {
			t.Fatal(err)
		}
		got = msg
	}
	if !bytes.Equal(got, req) {
		t.Fatalf("board received wrong frame")
	}

	// Board -> host.
	rsp := []byte("response")
	go func() {
		boardW.Write([]byte("log noise\n"))
		for _, line := range EncodeFrame(rsp) {
			boardW.Write(line)
		}
	}()

	select {
	case b := <-rxCh:
		if !bytes.Equal(b, rsp) {
			t.Fatalf("host received wrong frame: %s", string(b))
		}
	case err := <-errCh:
		t.Fatal(err)
	case <-time.After(2 * time.Second):
		t.Fatalf("host did not receive frame")
	}

	if err := sx.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := sx.Tx(rsp); err == nil {
		t.Fatalf("tx after stop succeeded")
	}
}
