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

package gatts

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/bitmans/blesrv/gattsrv/gsutil"
	"github.com/bitmans/blesrv/gattsrv/stack"
)

type reqResult struct {
	val interface{}
	err error
}

type reqBase struct {
	rspCh chan reqResult
}

func (b *reqBase) base() *reqBase {
	return b
}

func (b *reqBase) reply(val interface{}, err error) {
	if b.rspCh != nil {
		b.rspCh <- reqResult{val: val, err: err}
	}
}

// request is an API call handed to the event goroutine.
type request interface {
	base() *reqBase
}

type addSvcReq struct {
	reqBase
	def ServiceDef
}

type startReq struct {
	reqBase
}

type stopReq struct {
	reqBase
}

type clearErrReq struct {
	reqBase
}

type advStartReq struct {
	reqBase
}

type advStopReq struct {
	reqBase
}

type scanRspReq struct {
	reqBase
	data []byte
}

// Watchdog expiry for the request with the given sequence number.
type tmoReq struct {
	reqBase
	seq uint32
}

func postTo(reqCh chan request, done chan struct{}, r request) error {
	if reqCh == nil {
		return gsutil.NewInvalidStateError("server not initialized")
	}

	select {
	case reqCh <- r:
		return nil
	case <-done:
		return gsutil.NewInvalidStateError("server not running")
	}
}

func (s *Server) post(r request) error {
	s.mtx.Lock()
	running := s.running
	reqCh := s.reqCh
	done := s.loopDone
	s.mtx.Unlock()

	if !running {
		return gsutil.NewInvalidStateError("server not initialized")
	}

	return postTo(reqCh, done, r)
}

// call posts a request and waits for the event goroutine to process it.
func (s *Server) call(r request) (interface{}, error) {
	b := r.base()
	b.rspCh = make(chan reqResult, 1)

	s.mtx.Lock()
	done := s.loopDone
	s.mtx.Unlock()

	if err := s.post(r); err != nil {
		return nil, err
	}

	select {
	case res := <-b.rspCh:
		return res.val, res.err
	case <-done:
		select {
		case res := <-b.rspCh:
			return res.val, res.err
		default:
			return nil, gsutil.NewInvalidStateError("server not running")
		}
	}
}

// Caller must hold the lock.
func (s *Server) startLoop() {
	s.reqCh = make(chan request, s.cfg.EventQueueSize)
	s.quitCh = make(chan struct{})
	s.loopDone = make(chan struct{})
	s.running = true

	go s.loop(s.stk.Events(), s.reqCh, s.quitCh, s.loopDone)
}

func (s *Server) periodicWanted() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.cfg.PeriodicInterval > 0 &&
		(s.state == STATE_ADVERTISING || s.state == STATE_CONNECTED)
}

// loop is the event goroutine.  Stack events take priority over API
// requests; within each source, items are handled in arrival order.
func (s *Server) loop(evtCh <-chan stack.Event, reqCh chan request,
	quitCh chan struct{}, done chan struct{}) {

	defer close(done)

	var ticker *time.Ticker
	var tickCh <-chan time.Time
	stopTicker := func() {
		if ticker != nil {
			ticker.Stop()
			ticker = nil
			tickCh = nil
		}
	}
	defer stopTicker()

	// Anything queued by Init.
	s.deliver()

	for {
		if s.periodicWanted() {
			if ticker == nil {
				ticker = time.NewTicker(s.cfg.PeriodicInterval)
				tickCh = ticker.C
			}
		} else {
			stopTicker()
		}

		handled := false
		select {
		case evt, ok := <-evtCh:
			if ok {
				s.handleStackEvent(evt)
			} else {
				evtCh = s.stackClosed()
			}
			handled = true
		default:
		}

		if !handled {
			select {
			case evt, ok := <-evtCh:
				if ok {
					s.handleStackEvent(evt)
				} else {
					evtCh = s.stackClosed()
				}

			case r := <-reqCh:
				s.mtx.Lock()
				s.onRequest(r)
				s.mtx.Unlock()

			case <-tickCh:
				s.mtx.Lock()
				h := s.handler
				s.mtx.Unlock()
				h.OnPeriodic()

			case <-quitCh:
				s.mtx.Lock()
				s.running = false
				s.mtx.Unlock()
				return
			}
		}

		s.deliver()

		s.mtx.Lock()
		exit := s.state == STATE_IDLE
		if exit {
			s.running = false
		}
		s.mtx.Unlock()

		if exit {
			log.Debugf("gatts event loop exiting")
			return
		}
	}
}

func (s *Server) handleStackEvent(evt stack.Event) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.onStackEvent(evt)
}

// stackClosed handles loss of the stack's event channel.
func (s *Server) stackClosed() <-chan stack.Event {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if isTeardown(s.state) {
		log.Warnf("Stack closed during teardown; finishing locally")
		if err := s.transition(STATE_IDLE); err != nil {
			s.state = STATE_IDLE
		}
		s.finishTeardown()
	} else {
		s.setError(ERR_KIND_INTERNAL, stack.STATUS_ENOTCONN,
			"stack event channel closed")
	}

	// A nil channel blocks forever.
	return nil
}

// onRequest processes one API request.  Caller must hold the lock.
func (s *Server) onRequest(r request) {
	switch req := r.(type) {
	case *addSvcReq:
		info, err := s.onAddService(req.def)
		req.reply(info, err)

	case *startReq:
		req.reply(nil, s.onStart())

	case *stopReq:
		s.onStop()
		req.reply(nil, nil)

	case *clearErrReq:
		req.reply(nil, s.onClearError())

	case *advStartReq:
		s.onAdvStartReq()
		req.reply(nil, nil)

	case *advStopReq:
		s.onAdvStopReq()
		req.reply(nil, nil)

	case *scanRspReq:
		s.onScanRspReq(req.data)
		req.reply(nil, nil)

	case *tmoReq:
		s.onTimeout(req.seq)

	default:
		log.Errorf("Unknown request type: %T", r)
	}
}

// Caller must hold the lock.
func (s *Server) onAddService(def ServiceDef) (SvcInfo, error) {
	if s.state != STATE_READY {
		return SvcInfo{}, gsutil.FmtInvalidStateError(
			"services can only be added in state ready; state=%s", s.state)
	}
	if len(s.svcs) >= s.cfg.MaxServices {
		return SvcInfo{}, gsutil.FmtNoMemError(
			"too many services; max=%d", s.cfg.MaxServices)
	}
	if err := validateServiceDef(&def, s.cfg.MaxChrs); err != nil {
		return SvcInfo{}, err
	}
	for _, svc := range s.svcs {
		if svc.def.AppId == def.AppId {
			return SvcInfo{}, fmt.Errorf(
				"app id %d already used by service %s",
				def.AppId, svc.def.Name)
		}
		if svc.def.Name == def.Name {
			return SvcInfo{}, fmt.Errorf("duplicate service name: %s",
				def.Name)
		}
	}

	svcIdx := len(s.svcs)
	svc := &service{
		def: def,
	}
	svc.reset()

	for _, cd := range def.Chrs {
		svc.chrs = append(svc.chrs, len(s.chrs))
		s.chrs = append(s.chrs, &chr{
			def:    cd,
			svcIdx: svcIdx,
		})
	}
	s.svcs = append(s.svcs, svc)

	log.Debugf("Added service %s (%s) with %d characteristic(s)",
		def.Name, def.Uuid.String(), len(def.Chrs))

	return s.svcInfo(svcIdx), nil
}

// Caller must hold the lock.
func (s *Server) onStart() error {
	if s.state != STATE_READY {
		return gsutil.FmtInvalidStateError(
			"start requires state ready; state=%s", s.state)
	}

	s.stopRequested = false
	s.readySent = false
	s.lastErr = ErrorInfo{}

	log.Infof("Starting server with %d service(s)", len(s.svcs))
	s.enterPhase(STATE_REGISTERING_APPS)

	if s.state == STATE_ERROR {
		return s.lastErr
	}

	return nil
}

// Caller must hold the lock.
func (s *Server) onStop() {
	switch s.state {
	case STATE_IDLE, STATE_ERROR:
		s.stopBlk.Unblock(nil)
		return
	}

	if s.stopRequested {
		log.Debugf("Stop already in progress")
		return
	}

	s.stopRequested = true
	log.Infof("Stop requested in state %s", s.state)
	s.maybeTeardown()
}

// Caller must hold the lock.
func (s *Server) onClearError() error {
	if s.state != STATE_ERROR {
		return gsutil.FmtInvalidStateError(
			"no error to clear; state=%s", s.state)
	}

	for _, svc := range s.svcs {
		svc.reset()
	}
	for _, c := range s.chrs {
		c.reset()
	}
	s.ifaceIdx.Cleanup()
	s.handleIdx.Cleanup()

	s.clearPending()
	s.walk = &walkNone{}
	s.lastErr = ErrorInfo{}
	s.stopRequested = false
	s.readySent = false
	s.advEnabled = false
	s.advOp = false
	s.connected = false
	s.conn = ConnInfo{}

	return s.transition(STATE_READY)
}

// Caller must hold the lock.
func (s *Server) onTimeout(seq uint32) {
	if !s.pending.active || s.pending.seq != seq {
		return
	}

	name := s.pending.name
	if isTeardown(s.state) {
		log.Warnf("No ack for %s within %s; continuing teardown",
			name, s.cfg.OperationTimeout)
		s.teardownAck(stack.STATUS_ETIMEOUT)
		return
	}

	s.setError(ERR_KIND_TIMEOUT, stack.STATUS_ETIMEOUT,
		fmt.Sprintf("no ack for %s within %s", name, s.cfg.OperationTimeout))
}
