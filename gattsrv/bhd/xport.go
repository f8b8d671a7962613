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

package bhd

import (
	"encoding/hex"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"mynewt.apache.org/newt/util/unixchild"

	"github.com/bitmans/blesrv/gattsrv/gsutil"
)

// RxFn receives one complete inbound frame.
type RxFn func(data []byte)

// ErrFn is called once when the transport fails.
type ErrFn func(err error)

// Xport carries host protocol frames to and from the host daemon.
type Xport interface {
	Start(rxCb RxFn, errCb ErrFn) error
	Stop() error
	Tx(data []byte) error
}

type UnixXportCfg struct {
	// Path of Unix domain socket to create and listen on.
	SockPath string

	// Path of the host daemon executable.
	DaemonPath string

	// Path of the BLE controller device (e.g., /dev/ttyUSB0).
	DevPath string

	// How long to wait for the daemon to connect to the socket.
	AcceptTimeout time.Duration
}

func NewUnixXportCfg() UnixXportCfg {
	return UnixXportCfg{
		SockPath:      "/tmp/blesrv_bhd_sock",
		DaemonPath:    "blehostd",
		AcceptTimeout: 2 * time.Second,
	}
}

// UnixXport runs the host daemon as a child process and talks to it over a
// Unix domain socket.
type UnixXport struct {
	cfg      UnixXportCfg
	client   *unixchild.Client
	stopChan chan struct{}
	wg       sync.WaitGroup
	mtx      sync.Mutex
	started  bool
}

func NewUnixXport(cfg UnixXportCfg) *UnixXport {
	return &UnixXport{
		cfg: cfg,
	}
}

func (ux *UnixXport) Start(rxCb RxFn, errCb ErrFn) error {
	ux.mtx.Lock()
	defer ux.mtx.Unlock()

	if ux.started {
		return gsutil.NewXportError("unix xport started twice")
	}

	config := unixchild.Config{
		SockPath:      ux.cfg.SockPath,
		ChildPath:     ux.cfg.DaemonPath,
		ChildArgs:     []string{ux.cfg.DevPath, ux.cfg.SockPath},
		Depth:         10,
		MaxMsgSz:      10240,
		AcceptTimeout: ux.cfg.AcceptTimeout,
	}

	ux.client = unixchild.New(config)
	if err := ux.client.Start(); err != nil {
		if unixchild.IsUcAcceptError(err) {
			return gsutil.NewXportError(
				"host daemon did not connect to socket; " +
					"controller not attached?")
		}
		return gsutil.NewXportError(
			"Failed to start child process: " + err.Error())
	}

	ux.stopChan = make(chan struct{})
	ux.started = true

	ux.wg.Add(1)
	go func() {
		defer ux.wg.Done()

		for {
			select {
			case err := <-ux.client.ErrChild:
				errCb(gsutil.NewXportError("host daemon error: " +
					err.Error()))
				return

			case buf := <-ux.client.FromChild:
				if len(buf) != 0 {
					log.Debugf("Receive from host daemon:\n%s", hex.Dump(buf))
					rxCb(buf)
				}

			case <-ux.stopChan:
				return
			}
		}
	}()

	return nil
}

func (ux *UnixXport) Stop() error {
	ux.mtx.Lock()
	if !ux.started {
		ux.mtx.Unlock()
		return nil
	}
	ux.started = false
	close(ux.stopChan)
	ux.mtx.Unlock()

	ux.wg.Wait()

	log.Debugf("Stopping unixchild")
	ux.client.Stop()
	return nil
}

func (ux *UnixXport) Tx(data []byte) error {
	ux.mtx.Lock()
	started := ux.started
	ux.mtx.Unlock()

	if !started {
		return gsutil.NewXportError(
			"Attempt to transmit before unix xport started")
	}

	log.Debugf("Tx to host daemon:\n%s", hex.Dump(data))
	return ux.client.TxToChild(data)
}
