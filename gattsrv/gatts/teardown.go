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
	log "github.com/sirupsen/logrus"

	"github.com/bitmans/blesrv/gattsrv/stack"
)

// Teardown undoes setup in reverse.  Failures are logged and skipped: a
// service that cannot be stopped is still deleted, and so on.

// teardownEntry picks the first teardown phase that has work, based on how
// far setup got.
func (s *Server) teardownEntry() State {
	rank := setupRank(s.state)

	switch {
	case s.advEnabled:
		return STATE_STOPPING_ADVERTISING
	case rank >= setupRank(STATE_CREATING_SERVICES):
		return STATE_STOPPING_SERVICES
	case rank >= setupRank(STATE_REGISTERING_APPS):
		return STATE_UNREGISTERING_APPS
	default:
		return STATE_IDLE
	}
}

// maybeTeardown starts teardown if a stop is pending and nothing is in
// flight.  Caller must hold the lock.
func (s *Server) maybeTeardown() {
	if !s.stopRequested || s.pending.active || s.advOp {
		return
	}
	if isTeardown(s.state) || s.state == STATE_IDLE ||
		s.state == STATE_ERROR {

		return
	}

	s.beginTeardown()
}

// Caller must hold the lock.
func (s *Server) beginTeardown() {
	if s.advOp {
		// Resumed by the ack.
		return
	}

	to := s.teardownEntry()
	log.Infof("Stopping server; state=%s first phase=%s", s.state, to)

	if to == STATE_IDLE {
		if err := s.transition(STATE_IDLE); err != nil {
			log.Errorf("Teardown: %s", err.Error())
			s.state = STATE_IDLE
		}
		s.finishTeardown()
		return
	}

	s.enterTeardownPhase(to)
}

// Caller must hold the lock.
func (s *Server) enterTeardownPhase(to State) {
	if to == STATE_IDLE {
		if err := s.transition(STATE_IDLE); err != nil {
			log.Errorf("Teardown: %s", err.Error())
			s.state = STATE_IDLE
		}
		s.finishTeardown()
		return
	}

	if err := s.transition(to); err != nil {
		log.Errorf("Teardown: %s", err.Error())
		s.state = to
	}
	s.walk = &walkTeardown{}
	s.advanceTeardown()
}

func nextTeardownPhase(st State) State {
	switch st {
	case STATE_STOPPING_ADVERTISING:
		return STATE_STOPPING_SERVICES
	case STATE_STOPPING_SERVICES:
		return STATE_DELETING_SERVICES
	case STATE_DELETING_SERVICES:
		return STATE_UNREGISTERING_APPS
	default:
		return STATE_IDLE
	}
}

// advanceTeardown issues the next teardown request of the current phase, or
// moves to the next phase when there is none.  Caller must hold the lock.
func (s *Server) advanceTeardown() {
	w, ok := s.walk.(*walkTeardown)
	if !ok {
		log.Errorf("Teardown walk mismatch: %s", s.walk)
		w = &walkTeardown{}
		s.walk = w
	}

	for {
		switch s.state {
		case STATE_STOPPING_ADVERTISING:
			if w.svc > 0 || !s.advEnabled {
				s.enterTeardownPhase(nextTeardownPhase(s.state))
				return
			}
			w.svc++
			if s.tryIssue(OP_STOP_ADV, s.stk.StopAdv) {
				return
			}
			s.advEnabled = false

		case STATE_STOPPING_SERVICES:
			if w.svc >= len(s.svcs) {
				s.enterTeardownPhase(nextTeardownPhase(s.state))
				return
			}
			svc := s.svcs[w.svc]
			if svc.state != SVC_STATE_STARTED &&
				svc.state != SVC_STATE_STARTING {

				w.svc++
				continue
			}
			svc.state = SVC_STATE_STOPPING
			if s.tryIssue(OP_STOP_SERVICE, func() error {
				return s.stk.StopService(svc.handle)
			}) {
				return
			}
			svc.state = SVC_STATE_STOPPED
			w.svc++

		case STATE_DELETING_SERVICES:
			if w.svc >= len(s.svcs) {
				s.enterTeardownPhase(nextTeardownPhase(s.state))
				return
			}
			svc := s.svcs[w.svc]
			if svc.handle == 0 {
				w.svc++
				continue
			}
			svc.state = SVC_STATE_DELETING
			if s.tryIssue(OP_DELETE_SERVICE, func() error {
				return s.stk.DeleteService(svc.handle)
			}) {
				return
			}
			s.svcDeleted(w.svc)
			w.svc++

		case STATE_UNREGISTERING_APPS:
			if w.svc >= len(s.svcs) {
				s.enterTeardownPhase(nextTeardownPhase(s.state))
				return
			}
			svc := s.svcs[w.svc]
			if svc.iface == stack.IFACE_NONE {
				w.svc++
				continue
			}
			if s.tryIssue(OP_UNREGISTER_APP, func() error {
				return s.stk.UnregisterApp(svc.iface)
			}) {
				return
			}
			s.appUnregistered(w.svc)
			w.svc++

		default:
			log.Errorf("advanceTeardown in non-teardown state %s", s.state)
			return
		}
	}
}

// tryIssue issues a teardown request.  A request the stack refuses
// outright is logged and treated as done.
func (s *Server) tryIssue(name string, fn func() error) bool {
	if err := s.issue(name, fn); err != nil {
		log.Warnf("Teardown request %s failed: %s", name, err.Error())
		return false
	}

	return true
}

// teardownAck completes the teardown request in flight, successfully or
// not, and moves on.  Caller must hold the lock.
func (s *Server) teardownAck(status stack.Status) {
	s.clearPending()

	w, ok := s.walk.(*walkTeardown)
	if !ok {
		log.Errorf("Teardown walk mismatch: %s", s.walk)
		return
	}

	if status != stack.STATUS_OK {
		log.Warnf("Teardown step failed in state %s: %s", s.state, status)
	}

	switch s.state {
	case STATE_STOPPING_ADVERTISING:
		s.advEnabled = false
		s.emit(Event{Type: EVT_ADVERTISING_STOPPED})

	case STATE_STOPPING_SERVICES:
		s.svcs[w.svc].state = SVC_STATE_STOPPED
		w.svc++

	case STATE_DELETING_SERVICES:
		s.svcDeleted(w.svc)
		w.svc++

	case STATE_UNREGISTERING_APPS:
		s.appUnregistered(w.svc)
		w.svc++
	}

	s.advanceTeardown()
}

// Caller must hold the lock.
func (s *Server) svcDeleted(idx int) {
	svc := s.svcs[idx]
	for _, ci := range svc.chrs {
		c := s.chrs[ci]
		if c.handle != 0 {
			s.handleIdx.Remove(uint16(c.handle))
		}
		if c.cccdHandle != 0 {
			s.handleIdx.Remove(uint16(c.cccdHandle))
		}
		c.reset()
	}

	svc.handle = 0
	svc.state = SVC_STATE_REGISTERED
}

// Caller must hold the lock.
func (s *Server) appUnregistered(idx int) {
	svc := s.svcs[idx]
	s.ifaceIdx.Remove(uint16(svc.iface))
	svc.reset()
}

func (s *Server) onSvcStop(evt *stack.SvcStopEvt) {
	if !s.ackFor(STATE_STOPPING_SERVICES, OP_STOP_SERVICE) {
		return
	}
	w := s.walk.(*walkTeardown)
	if evt.Svc != s.svcs[w.svc].handle {
		log.Warnf("Service stop ack for service %d; expected %d",
			evt.Svc, s.svcs[w.svc].handle)
		return
	}

	s.teardownAck(evt.Status)
}

func (s *Server) onSvcDelete(evt *stack.SvcDeleteEvt) {
	if !s.ackFor(STATE_DELETING_SERVICES, OP_DELETE_SERVICE) {
		return
	}
	w := s.walk.(*walkTeardown)
	if evt.Svc != s.svcs[w.svc].handle {
		log.Warnf("Service delete ack for service %d; expected %d",
			evt.Svc, s.svcs[w.svc].handle)
		return
	}

	s.teardownAck(evt.Status)
}

func (s *Server) onAppUnreg(evt *stack.AppUnregEvt) {
	if !s.ackFor(STATE_UNREGISTERING_APPS, OP_UNREGISTER_APP) {
		return
	}
	w := s.walk.(*walkTeardown)
	if evt.Iface != s.svcs[w.svc].iface {
		log.Warnf("Unregister ack for iface %d; expected %d",
			evt.Iface, s.svcs[w.svc].iface)
		return
	}

	s.teardownAck(evt.Status)
}

// finishTeardown resets every runtime record for the next start and
// releases the stop waiter.  Caller must hold the lock.
func (s *Server) finishTeardown() {
	s.clearPending()
	s.walk = &walkNone{}

	for _, svc := range s.svcs {
		svc.reset()
	}
	for _, c := range s.chrs {
		c.reset()
	}
	if s.ifaceIdx != nil {
		s.ifaceIdx.Cleanup()
	}
	if s.handleIdx != nil {
		s.handleIdx.Cleanup()
	}

	s.stopRequested = false
	s.readySent = false
	s.advEnabled = false
	s.advOp = false
	s.connected = false
	s.conn = ConnInfo{}

	if s.scanRspBusy {
		s.scanRspBusy = false
		s.opBlk.Unblock(nil)
	}

	log.Infof("Server stopped")
	s.stopBlk.Unblock(nil)
}
