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

	log "github.com/sirupsen/logrus"

	"github.com/bitmans/blesrv/gattsrv/gsutil"
	"github.com/bitmans/blesrv/gattsrv/stack"
)

// Every state may also move to ERROR; that edge is not listed.
var transitionMap = map[State][]State{
	STATE_IDLE:         {STATE_INITIALIZING},
	STATE_INITIALIZING: {STATE_READY, STATE_IDLE},
	STATE_READY:        {STATE_REGISTERING_APPS, STATE_IDLE},

	STATE_REGISTERING_APPS: {
		STATE_CREATING_SERVICES,
		STATE_UNREGISTERING_APPS,
		STATE_IDLE,
	},
	STATE_CREATING_SERVICES: {
		STATE_ADDING_CHARACTERISTICS,
		STATE_STOPPING_SERVICES,
		STATE_UNREGISTERING_APPS,
	},
	STATE_ADDING_CHARACTERISTICS: {
		STATE_ADDING_DESCRIPTORS,
		STATE_STOPPING_SERVICES,
	},
	STATE_ADDING_DESCRIPTORS: {
		STATE_STARTING_SERVICES,
		STATE_STOPPING_SERVICES,
	},
	STATE_STARTING_SERVICES: {
		STATE_SETTING_ADV_DATA,
		STATE_STOPPING_SERVICES,
	},
	STATE_SETTING_ADV_DATA: {
		STATE_ADVERTISING,
		STATE_STOPPING_ADVERTISING,
		STATE_STOPPING_SERVICES,
	},
	STATE_ADVERTISING: {
		STATE_CONNECTED,
		STATE_STOPPING_ADVERTISING,
		STATE_STOPPING_SERVICES,
	},
	STATE_CONNECTED: {
		STATE_ADVERTISING,
		STATE_STOPPING_ADVERTISING,
		STATE_STOPPING_SERVICES,
	},

	STATE_STOPPING_ADVERTISING: {STATE_STOPPING_SERVICES},
	STATE_STOPPING_SERVICES:    {STATE_DELETING_SERVICES},
	STATE_DELETING_SERVICES:    {STATE_UNREGISTERING_APPS},
	STATE_UNREGISTERING_APPS:   {STATE_IDLE},

	STATE_ERROR: {STATE_READY, STATE_IDLE},
}

func transitionAllowed(from State, to State) bool {
	if to == STATE_ERROR {
		return from != STATE_ERROR
	}

	for _, s := range transitionMap[from] {
		if s == to {
			return true
		}
	}

	return false
}

// transition moves the server to a new state without doing any work.
// Caller must hold the lock.
func (s *Server) transition(to State) error {
	from := s.state
	if from == to {
		return gsutil.NewAlreadyError(
			fmt.Sprintf("already in state %s", to))
	}
	if !transitionAllowed(from, to) {
		return gsutil.FmtInvalidStateError(
			"invalid state transition: %s -> %s", from, to)
	}

	log.Debugf("gatts state: %s -> %s", from, to)
	s.state = to

	return nil
}

// enterPhase transitions and then either starts the work of the new phase or,
// if a stop is pending, redirects into teardown.  Caller must hold the lock.
func (s *Server) enterPhase(to State) {
	if err := s.transition(to); err != nil {
		s.setError(ERR_KIND_INVALID_STATE, stack.STATUS_EINVAL, err.Error())
		return
	}

	switch to {
	case STATE_REGISTERING_APPS, STATE_CREATING_SERVICES,
		STATE_STARTING_SERVICES:

		s.walk = &walkServices{}

	case STATE_ADDING_CHARACTERISTICS:
		s.walk = &walkChrs{}

	case STATE_ADDING_DESCRIPTORS:
		s.walk = &walkDscs{}

	case STATE_SETTING_ADV_DATA:
		s.walk = &walkAdv{}

	default:
		s.walk = &walkNone{}
	}

	s.advance()
}

// advance performs the next unit of work for the current phase.  Caller must
// hold the lock.
func (s *Server) advance() {
	if s.stopRequested && !isTeardown(s.state) && s.state != STATE_ERROR {
		s.beginTeardown()
		return
	}

	switch s.state {
	case STATE_REGISTERING_APPS:
		s.advanceRegister()
	case STATE_CREATING_SERVICES:
		s.advanceCreate()
	case STATE_ADDING_CHARACTERISTICS:
		s.advanceChrs()
	case STATE_ADDING_DESCRIPTORS:
		s.advanceDscs()
	case STATE_STARTING_SERVICES:
		s.advanceStart()
	case STATE_SETTING_ADV_DATA:
		s.advanceAdv()
	case STATE_STOPPING_ADVERTISING, STATE_STOPPING_SERVICES,
		STATE_DELETING_SERVICES, STATE_UNREGISTERING_APPS:

		s.advanceTeardown()
	}
}

// setError records a failure, emits an ERROR event and forces the ERROR
// state.  Caller must hold the lock.
func (s *Server) setError(kind ErrKind, status stack.Status, text string) {
	if s.state == STATE_ERROR {
		log.Debugf("Ignoring error while in error state: %s", text)
		return
	}

	info := ErrorInfo{
		Kind:   kind,
		Status: status,
		Text:   text,
	}
	log.Errorf("gatts error in state %s: %s", s.state, info.Error())

	prev := s.state
	s.lastErr = info
	s.clearPending()
	s.walk = &walkNone{}
	s.advOp = false

	s.emitIn(prev, Event{
		Type: EVT_ERROR,
		Err:  info,
	})

	if err := s.transition(STATE_ERROR); err != nil {
		log.Errorf("Failed to enter error state: %s", err.Error())
		s.state = STATE_ERROR
	}

	if s.stopRequested {
		s.stopRequested = false
		s.stopBlk.Unblock(gsutil.FmtInvalidStateError(
			"stop interrupted by error: %s", info.Error()))
	}
	if s.scanRspBusy {
		s.scanRspBusy = false
		s.opBlk.Unblock(info)
	}
}

func errStatus(err error) stack.Status {
	if se := gsutil.ToStack(err); se != nil {
		return stack.Status(se.Status)
	}
	if gsutil.IsTimeout(err) {
		return stack.STATUS_ETIMEOUT
	}

	return stack.STATUS_EUNKNOWN
}

// emit queues an event for delivery to the handler once the current item is
// finished.  Caller must hold the lock.
func (s *Server) emit(evt Event) {
	s.emitIn(s.state, evt)
}

// Caller must hold the lock.
func (s *Server) emitIn(st State, evt Event) {
	evt.State = st

	log.Debugf("gatts event: %s", evt.String())
	s.backlog = append(s.backlog, func(h Handler) {
		h.OnEvent(evt)
	})
}

// queue schedules arbitrary work to run outside the lock, in order with
// emitted events.  Caller must hold the lock.
func (s *Server) queue(fn func(h Handler)) {
	s.backlog = append(s.backlog, fn)
}

// deliver runs queued work without holding the lock.  Only the event
// goroutine calls this (or Init before the goroutine starts).
func (s *Server) deliver() {
	for {
		s.mtx.Lock()
		fns := s.backlog
		s.backlog = nil
		h := s.handler
		s.mtx.Unlock()

		if len(fns) == 0 {
			return
		}

		for _, fn := range fns {
			fn(h)
		}
	}
}
