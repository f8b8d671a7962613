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

	"github.com/bitmans/blesrv/gattsrv/adv"
	"github.com/bitmans/blesrv/gattsrv/bledefs"
	"github.com/bitmans/blesrv/gattsrv/gsutil"
	"github.com/bitmans/blesrv/gattsrv/stack"
)

// Caller must hold the lock.
func (s *Server) advFields() adv.Fields {
	f := adv.Fields{
		Name:       s.cfg.DeviceName,
		NameInAdv:  s.cfg.NameInAdv,
		Appearance: s.cfg.Appearance,
	}
	for _, svc := range s.svcs {
		if svc.def.IncludeInAdv {
			f.Uuids = append(f.Uuids, svc.def.Uuid)
		}
	}

	return f
}

func (s *Server) advParams() stack.AdvParams {
	return stack.AdvParams{
		ItvlMin:      s.cfg.AdvItvlMin,
		ItvlMax:      s.cfg.AdvItvlMax,
		AdvType:      s.cfg.AdvType,
		OwnAddrType:  s.cfg.OwnAddrType,
		ChannelMap:   bledefs.BLE_ADV_CHNL_ALL,
		FilterPolicy: bledefs.BLE_ADV_FILTER_POLICY_NONE,
	}
}

func (s *Server) advanceAdv() {
	w, ok := s.walk.(*walkAdv)
	if !ok {
		s.walkMismatch()
		return
	}

	switch w.step {
	case ADV_STEP_DATA:
		p, err := adv.Build(s.advFields(), s.cfg.AdvBudget)
		if err != nil {
			s.setError(ERR_KIND_ADV_CONFIG_FAILED, stack.STATUS_EINVAL,
				"build advertising payload: "+err.Error())
			return
		}
		if len(p.Dropped) > 0 {
			log.Warnf("%d service UUID(s) not advertised", len(p.Dropped))
		}

		s.advData = p.Adv
		s.rspData = p.Rsp
		err = s.issue(OP_SET_ADV_DATA, func() error {
			return s.stk.SetAdvData(s.advData)
		})
		if err != nil {
			s.setError(ERR_KIND_ADV_CONFIG_FAILED, errStatus(err),
				"set advertising data: "+err.Error())
		}

	case ADV_STEP_RSP:
		err := s.issue(OP_SET_RSP_DATA, func() error {
			return s.stk.SetRspData(s.rspData)
		})
		if err != nil {
			s.setError(ERR_KIND_ADV_CONFIG_FAILED, errStatus(err),
				"set scan response data: "+err.Error())
		}

	case ADV_STEP_START:
		err := s.issue(OP_START_ADV, func() error {
			return s.stk.StartAdv(s.advParams())
		})
		if err != nil {
			s.setError(ERR_KIND_ADV_START_FAILED, errStatus(err),
				"start advertising: "+err.Error())
		}
	}
}

func (s *Server) onAdvData(evt *stack.AdvDataEvt) {
	if !s.ackFor(STATE_SETTING_ADV_DATA, OP_SET_ADV_DATA) {
		return
	}
	s.clearPending()

	if evt.Status != stack.STATUS_OK {
		s.setError(ERR_KIND_ADV_CONFIG_FAILED, evt.Status,
			"advertising data rejected")
		return
	}

	s.walk.(*walkAdv).step = ADV_STEP_RSP
	s.advance()
}

func (s *Server) onRspData(evt *stack.RspDataEvt) {
	if s.scanRspBusy {
		s.scanRspBusy = false

		var err error
		if evt.Status != stack.STATUS_OK {
			err = gsutil.FmtStackError(int(evt.Status),
				"scan response rejected: %s", evt.Status)
		}
		s.opBlk.Unblock(err)
		return
	}

	if !s.ackFor(STATE_SETTING_ADV_DATA, OP_SET_RSP_DATA) {
		return
	}
	s.clearPending()

	if evt.Status != stack.STATUS_OK {
		s.setError(ERR_KIND_ADV_CONFIG_FAILED, evt.Status,
			"scan response data rejected")
		return
	}

	s.walk.(*walkAdv).step = ADV_STEP_START
	s.advance()
}

func (s *Server) onAdvStart(evt *stack.AdvStartEvt) {
	if s.advOp && (s.state == STATE_ADVERTISING ||
		s.state == STATE_CONNECTED) {

		s.advOp = false
		if evt.Status != stack.STATUS_OK {
			s.setError(ERR_KIND_ADV_START_FAILED, evt.Status,
				"restart advertising failed")
			return
		}

		s.advEnabled = true
		s.emit(Event{Type: EVT_ADVERTISING_STARTED})
		s.maybeTeardown()
		return
	}

	if !s.ackFor(STATE_SETTING_ADV_DATA, OP_START_ADV) {
		return
	}
	s.clearPending()

	if evt.Status != stack.STATUS_OK {
		s.setError(ERR_KIND_ADV_START_FAILED, evt.Status,
			"advertising start rejected")
		return
	}

	s.advEnabled = true
	if err := s.transition(STATE_ADVERTISING); err != nil {
		s.setError(ERR_KIND_INVALID_STATE, stack.STATUS_EINVAL, err.Error())
		return
	}
	s.walk = &walkNone{}

	log.Infof("Advertising as \"%s\"", s.cfg.DeviceName)
	s.emit(Event{Type: EVT_ADVERTISING_STARTED})
	if !s.readySent {
		s.readySent = true
		s.emit(Event{Type: EVT_SERVER_READY})
	}

	s.advance()
}

func (s *Server) onAdvStop(evt *stack.AdvStopEvt) {
	if s.state == STATE_STOPPING_ADVERTISING {
		if !s.ackFor(STATE_STOPPING_ADVERTISING, OP_STOP_ADV) {
			return
		}
		s.teardownAck(evt.Status)
		return
	}

	if !s.advOp {
		log.Debugf("Ignoring unexpected advertising stop ack; state=%s",
			s.state)
		return
	}
	s.advOp = false

	if evt.Status != stack.STATUS_OK && evt.Status != stack.STATUS_EALREADY {
		log.Warnf("Advertising stop failed: %s", evt.Status)
	}
	s.advEnabled = false
	s.emit(Event{Type: EVT_ADVERTISING_STOPPED})
	s.maybeTeardown()
}

// Caller must hold the lock.
func (s *Server) startAdvOp() {
	if s.advOp || s.advEnabled {
		return
	}

	s.advOp = true
	if err := s.stk.StartAdv(s.advParams()); err != nil {
		s.advOp = false
		s.setError(ERR_KIND_ADV_START_FAILED, errStatus(err),
			"restart advertising: "+err.Error())
	}
}

// Caller must hold the lock.
func (s *Server) stopAdvOp() {
	if s.advOp || !s.advEnabled {
		return
	}

	s.advOp = true
	if err := s.stk.StopAdv(); err != nil {
		s.advOp = false
		log.Warnf("Advertising stop failed: %s", err.Error())
	}
}

// Caller must hold the lock.
func (s *Server) onAdvStartReq() {
	if s.state != STATE_ADVERTISING && s.state != STATE_CONNECTED {
		log.Warnf("Ignoring advertising start in state %s", s.state)
		return
	}
	if s.stopRequested {
		return
	}

	s.startAdvOp()
}

// Caller must hold the lock.
func (s *Server) onAdvStopReq() {
	if s.state != STATE_ADVERTISING && s.state != STATE_CONNECTED {
		log.Warnf("Ignoring advertising stop in state %s", s.state)
		return
	}

	s.stopAdvOp()
}

// Caller must hold the lock.
func (s *Server) onScanRspReq(data []byte) {
	if s.state != STATE_ADVERTISING && s.state != STATE_CONNECTED {
		s.opBlk.Unblock(gsutil.FmtInvalidStateError(
			"scan response can only be replaced once advertising; state=%s",
			s.state))
		return
	}
	if s.scanRspBusy {
		// SetScanRsp refuses overlapping callers, so the pending update
		// still owns opBlk.
		log.Warnf("Dropping overlapping scan response update")
		return
	}

	s.rspData = append([]byte(nil), data...)
	s.scanRspBusy = true
	if err := s.stk.SetRspData(s.rspData); err != nil {
		s.scanRspBusy = false
		s.opBlk.Unblock(fmt.Errorf("set scan response data: %s",
			err.Error()))
	}
}
