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

// Package gsserial carries host protocol frames over a serial line, for a
// host daemon running on an attached board.
package gsserial

import (
	"bufio"
	"encoding/hex"
	"io"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tarm/serial"

	"github.com/bitmans/blesrv/gattsrv/bhd"
	"github.com/bitmans/blesrv/gattsrv/gsutil"
)

type XportCfg struct {
	DevPath     string
	Baud        int
	ReadTimeout time.Duration

	// Pause between the lines of a multi-line frame.  Slower boards have
	// very small receive buffers.
	LineDelay time.Duration
}

func NewXportCfg() XportCfg {
	return XportCfg{
		Baud:        115200,
		ReadTimeout: 10 * time.Second,
		LineDelay:   20 * time.Millisecond,
	}
}

// Implements bhd.Xport.
type SerialXport struct {
	cfg XportCfg

	// Opens the port; replaced in tests.
	open func(cfg XportCfg) (io.ReadWriteCloser, error)

	port    io.ReadWriteCloser
	wg      sync.WaitGroup
	txMtx   sync.Mutex
	mtx     sync.Mutex
	started bool
	closing bool
}

func openPort(cfg XportCfg) (io.ReadWriteCloser, error) {
	c := &serial.Config{
		Name:        cfg.DevPath,
		Baud:        cfg.Baud,
		ReadTimeout: cfg.ReadTimeout,
	}

	port, err := serial.OpenPort(c)
	if err != nil {
		return nil, err
	}

	if err := port.Flush(); err != nil {
		port.Close()
		return nil, err
	}

	return port, nil
}

func NewSerialXport(cfg XportCfg) *SerialXport {
	return &SerialXport{
		cfg:  cfg,
		open: openPort,
	}
}

func (sx *SerialXport) Start(rxCb bhd.RxFn, errCb bhd.ErrFn) error {
	sx.mtx.Lock()
	defer sx.mtx.Unlock()

	if sx.started {
		return gsutil.NewXportError("serial xport started twice")
	}

	port, err := sx.open(sx.cfg)
	if err != nil {
		return gsutil.FmtXportError("failed to open %s: %s",
			sx.cfg.DevPath, err.Error())
	}

	sx.port = port
	sx.started = true
	sx.closing = false

	sx.wg.Add(1)
	go sx.rxLoop(port, rxCb, errCb)

	return nil
}

func (sx *SerialXport) isClosing() bool {
	sx.mtx.Lock()
	defer sx.mtx.Unlock()

	return sx.closing
}

func (sx *SerialXport) rxLoop(port io.Reader, rxCb bhd.RxFn,
	errCb bhd.ErrFn) {

	defer sx.wg.Done()

	dec := FrameDecoder{}
	for {
		// Most of the reading is done line by line.
		scanner := bufio.NewScanner(port)
		for scanner.Scan() {
			line := scanner.Bytes()
			log.Debugf("Rx serial:\n%s", hex.Dump(line))

			msg, err := dec.Line(line)
			if err != nil {
				log.Warnf("Dropping serial frame: %s", err.Error())
				continue
			}
			if msg != nil {
				log.Debugf("Decoded input:\n%s", hex.Dump(msg))
				rxCb(msg)
			}
		}

		if sx.isClosing() {
			return
		}

		if err := scanner.Err(); err != nil {
			errCb(gsutil.NewXportError("serial read failed: " +
				err.Error()))
			return
		}

		// Scanner hit EOF, so a new one is needed.  This only happens on
		// read timeouts.
	}
}

func (sx *SerialXport) Stop() error {
	sx.mtx.Lock()
	if !sx.started {
		sx.mtx.Unlock()
		return nil
	}
	sx.started = false
	sx.closing = true
	port := sx.port
	sx.mtx.Unlock()

	err := port.Close()
	sx.wg.Wait()
	return err
}

func (sx *SerialXport) txRaw(bytes []byte) error {
	log.Debugf("Tx serial\n%s", hex.Dump(bytes))

	_, err := sx.port.Write(bytes)
	return err
}

func (sx *SerialXport) Tx(data []byte) error {
	sx.mtx.Lock()
	started := sx.started
	sx.mtx.Unlock()

	if !started {
		return gsutil.NewXportError(
			"Attempt to transmit before serial xport started")
	}

	log.Debugf("Base64 encoding request:\n%s", hex.Dump(data))

	// Frames from concurrent senders must not interleave.
	sx.txMtx.Lock()
	defer sx.txMtx.Unlock()

	for i, line := range EncodeFrame(data) {
		if i != 0 && sx.cfg.LineDelay > 0 {
			time.Sleep(sx.cfg.LineDelay)
		}
		if err := sx.txRaw(line); err != nil {
			return gsutil.NewXportError("serial write failed: " +
				err.Error())
		}
	}

	return nil
}
