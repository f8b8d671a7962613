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

	"github.com/bitmans/blesrv/gattsrv/bledefs"
	"github.com/bitmans/blesrv/gattsrv/gsutil"
	"github.com/bitmans/blesrv/gattsrv/stack"
)

// walk is the position of the current phase within the service list.  Each
// phase has its own kind, so a position can only be interpreted by the
// phase that created it.
type walk interface {
	String() string
}

type walkNone struct{}

func (w *walkNone) String() string { return "none" }

// Used by REGISTERING_APPS, CREATING_SERVICES and STARTING_SERVICES.
type walkServices struct {
	svc int
}

func (w *walkServices) String() string {
	return fmt.Sprintf("services{svc=%d}", w.svc)
}

type walkChrs struct {
	svc int
	chr int
}

func (w *walkChrs) String() string {
	return fmt.Sprintf("chrs{svc=%d chr=%d}", w.svc, w.chr)
}

type walkDscs struct {
	svc int
	chr int
}

func (w *walkDscs) String() string {
	return fmt.Sprintf("dscs{svc=%d chr=%d}", w.svc, w.chr)
}

type advStep int

const (
	ADV_STEP_DATA advStep = iota
	ADV_STEP_RSP
	ADV_STEP_START
)

type walkAdv struct {
	step advStep
}

func (w *walkAdv) String() string {
	return fmt.Sprintf("adv{step=%d}", w.step)
}

// Used by the four teardown phases.  For STOPPING_ADVERTISING, svc counts
// requests issued.
type walkTeardown struct {
	svc int
}

func (w *walkTeardown) String() string {
	return fmt.Sprintf("teardown{svc=%d}", w.svc)
}

const (
	OP_REGISTER_APP   = "register_app"
	OP_CREATE_SERVICE = "create_service"
	OP_ADD_CHR        = "add_chr"
	OP_ADD_DSC        = "add_dsc"
	OP_START_SERVICE  = "start_service"
	OP_SET_ADV_DATA   = "set_adv_data"
	OP_SET_RSP_DATA   = "set_rsp_data"
	OP_START_ADV      = "start_adv"
	OP_STOP_ADV       = "stop_adv"
	OP_STOP_SERVICE   = "stop_service"
	OP_DELETE_SERVICE = "delete_service"
	OP_UNREGISTER_APP = "unregister_app"
)

// issue sends one request to the stack and arms the watchdog for it.
// Caller must hold the lock.
func (s *Server) issue(name string, fn func() error) error {
	gsutil.Assert(!s.pending.active)
	s.clearPending()

	s.opSeq++
	seq := s.opSeq

	reqCh := s.reqCh
	done := s.loopDone
	timer := time.AfterFunc(s.cfg.OperationTimeout, func() {
		postTo(reqCh, done, &tmoReq{seq: seq})
	})

	s.pending = pendingOp{
		name:   name,
		seq:    seq,
		active: true,
		timer:  timer,
	}

	log.Debugf("gatts request: op=%s seq=%d walk=%s", name, seq, s.walk)
	if err := fn(); err != nil {
		s.clearPending()
		return err
	}

	return nil
}

// Caller must hold the lock.
func (s *Server) clearPending() {
	if s.pending.timer != nil {
		s.pending.timer.Stop()
	}
	s.pending = pendingOp{}
}

// ackFor reports whether an acknowledgement matches the request in flight.
// Caller must hold the lock.
func (s *Server) ackFor(state State, name string) bool {
	if s.state != state || !s.pending.active || s.pending.name != name {
		log.Debugf("Ignoring unexpected %s ack; state=%s pending=%s",
			name, s.state, s.pending.name)
		return false
	}

	return true
}

// Caller must hold the lock.
func (s *Server) walkMismatch() {
	s.setError(ERR_KIND_INTERNAL, stack.STATUS_EUNKNOWN,
		fmt.Sprintf("walk %s does not match state %s", s.walk, s.state))
}

func (s *Server) advanceRegister() {
	w, ok := s.walk.(*walkServices)
	if !ok {
		s.walkMismatch()
		return
	}

	if w.svc >= len(s.svcs) {
		log.Infof("All %d applications registered", len(s.svcs))
		s.enterPhase(STATE_CREATING_SERVICES)
		return
	}

	svc := s.svcs[w.svc]
	svc.state = SVC_STATE_REGISTERING
	err := s.issue(OP_REGISTER_APP, func() error {
		return s.stk.RegisterApp(svc.def.AppId)
	})
	if err != nil {
		svc.state = SVC_STATE_ERROR
		s.setError(ERR_KIND_APP_REGISTER_FAILED, errStatus(err),
			fmt.Sprintf("register app %d (%s): %s",
				svc.def.AppId, svc.def.Name, err.Error()))
	}
}

func (s *Server) onAppReg(evt *stack.AppRegEvt) {
	if !s.ackFor(STATE_REGISTERING_APPS, OP_REGISTER_APP) {
		return
	}
	w, ok := s.walk.(*walkServices)
	if !ok {
		s.walkMismatch()
		return
	}

	svc := s.svcs[w.svc]
	if evt.App != svc.def.AppId {
		log.Warnf("Registration ack for app %d; expected %d",
			evt.App, svc.def.AppId)
		return
	}
	s.clearPending()

	if evt.Status != stack.STATUS_OK {
		svc.state = SVC_STATE_ERROR
		s.setError(ERR_KIND_APP_REGISTER_FAILED, evt.Status,
			fmt.Sprintf("register app %d (%s) failed",
				svc.def.AppId, svc.def.Name))
		return
	}

	svc.iface = evt.Iface
	svc.state = SVC_STATE_REGISTERED
	s.ifaceIdx.Set(uint16(evt.Iface), w.svc)
	log.Debugf("Service %s registered; iface=%d", svc.def.Name, evt.Iface)

	w.svc++
	s.advance()
}

func (s *Server) advanceCreate() {
	w, ok := s.walk.(*walkServices)
	if !ok {
		s.walkMismatch()
		return
	}

	if w.svc >= len(s.svcs) {
		log.Infof("All %d services created", len(s.svcs))
		s.enterPhase(STATE_ADDING_CHARACTERISTICS)
		return
	}

	svc := s.svcs[w.svc]
	svc.state = SVC_STATE_CREATING
	err := s.issue(OP_CREATE_SERVICE, func() error {
		return s.stk.CreateService(svc.iface, svc.def.Uuid,
			svc.def.NumHandles())
	})
	if err != nil {
		svc.state = SVC_STATE_ERROR
		s.setError(ERR_KIND_SERVICE_CREATE_FAILED, errStatus(err),
			fmt.Sprintf("create service %s: %s", svc.def.Name, err.Error()))
	}
}

func (s *Server) onSvcCreate(evt *stack.SvcCreateEvt) {
	if !s.ackFor(STATE_CREATING_SERVICES, OP_CREATE_SERVICE) {
		return
	}
	w, ok := s.walk.(*walkServices)
	if !ok {
		s.walkMismatch()
		return
	}

	svc := s.svcs[w.svc]
	if evt.Iface != svc.iface {
		log.Warnf("Service create ack for iface %d; expected %d",
			evt.Iface, svc.iface)
		return
	}
	s.clearPending()

	if evt.Status != stack.STATUS_OK {
		svc.state = SVC_STATE_ERROR
		s.setError(ERR_KIND_SERVICE_CREATE_FAILED, evt.Status,
			fmt.Sprintf("create service %s failed", svc.def.Name))
		return
	}

	svc.handle = evt.Handle
	svc.state = SVC_STATE_CREATED
	s.emit(Event{
		Type:    EVT_SERVICE_READY,
		SvcName: svc.def.Name,
		Handle:  svc.handle,
	})

	w.svc++
	s.advance()
}

func (s *Server) advanceChrs() {
	w, ok := s.walk.(*walkChrs)
	if !ok {
		s.walkMismatch()
		return
	}

	for w.svc < len(s.svcs) {
		svc := s.svcs[w.svc]
		if w.chr >= len(svc.chrs) {
			svc.state = SVC_STATE_CHARS_ADDED
			w.svc++
			w.chr = 0
			continue
		}

		svc.state = SVC_STATE_ADDING_CHARS
		c := s.chrs[svc.chrs[w.chr]]
		err := s.issue(OP_ADD_CHR, func() error {
			return s.stk.AddChr(svc.iface, svc.handle, stack.ChrParams{
				Uuid:   c.def.Uuid,
				Perms:  c.def.Perms,
				Props:  c.def.Flags,
				Val:    c.def.InitVal,
				MaxLen: chrMaxLen(&c.def),
			})
		})
		if err != nil {
			svc.state = SVC_STATE_ERROR
			s.setError(ERR_KIND_CHAR_ADD_FAILED, errStatus(err),
				fmt.Sprintf("add characteristic %s.%s: %s",
					svc.def.Name, c.def.Name, err.Error()))
		}
		return
	}

	log.Infof("All characteristics added")
	s.enterPhase(STATE_ADDING_DESCRIPTORS)
}

func chrMaxLen(def *ChrDef) int {
	if def.MaxLen > 0 {
		return def.MaxLen
	}
	return bledefs.BLE_ATT_ATTR_MAX_LEN
}

func (s *Server) onChrAdd(evt *stack.ChrAddEvt) {
	if !s.ackFor(STATE_ADDING_CHARACTERISTICS, OP_ADD_CHR) {
		return
	}
	w, ok := s.walk.(*walkChrs)
	if !ok {
		s.walkMismatch()
		return
	}

	svc := s.svcs[w.svc]
	if evt.Svc != svc.handle {
		log.Warnf("Characteristic ack for service %d; expected %d",
			evt.Svc, svc.handle)
		return
	}
	s.clearPending()

	arenaIdx := svc.chrs[w.chr]
	c := s.chrs[arenaIdx]
	if evt.Status != stack.STATUS_OK {
		svc.state = SVC_STATE_ERROR
		s.setError(ERR_KIND_CHAR_ADD_FAILED, evt.Status,
			fmt.Sprintf("add characteristic %s.%s failed",
				svc.def.Name, c.def.Name))
		return
	}

	c.handle = evt.Handle
	s.handleIdx.Set(uint16(evt.Handle), arenaIdx)
	log.Debugf("Characteristic %s.%s added; handle=%d",
		svc.def.Name, c.def.Name, c.handle)

	w.chr++
	s.advance()
}

func (s *Server) advanceDscs() {
	w, ok := s.walk.(*walkDscs)
	if !ok {
		s.walkMismatch()
		return
	}

	for w.svc < len(s.svcs) {
		svc := s.svcs[w.svc]
		if w.chr >= len(svc.chrs) {
			svc.state = SVC_STATE_DESCRIPTORS_ADDED
			w.svc++
			w.chr = 0
			continue
		}

		svc.state = SVC_STATE_ADDING_DESCRIPTORS
		c := s.chrs[svc.chrs[w.chr]]
		if !c.def.AddCccd {
			w.chr++
			continue
		}

		err := s.issue(OP_ADD_DSC, func() error {
			return s.stk.AddDsc(svc.iface, svc.handle, stack.DscParams{
				Uuid:      bledefs.NewUuid16(bledefs.BLE_UUID16_CCCD),
				Perms:     bledefs.BLE_ATT_F_READ | bledefs.BLE_ATT_F_WRITE,
				ChrHandle: c.handle,
			})
		})
		if err != nil {
			svc.state = SVC_STATE_ERROR
			s.setError(ERR_KIND_DESCRIPTOR_ADD_FAILED, errStatus(err),
				fmt.Sprintf("add descriptor to %s.%s: %s",
					svc.def.Name, c.def.Name, err.Error()))
		}
		return
	}

	log.Infof("All descriptors added")
	s.enterPhase(STATE_STARTING_SERVICES)
}

func (s *Server) onDscAdd(evt *stack.DscAddEvt) {
	if !s.ackFor(STATE_ADDING_DESCRIPTORS, OP_ADD_DSC) {
		return
	}
	w, ok := s.walk.(*walkDscs)
	if !ok {
		s.walkMismatch()
		return
	}

	svc := s.svcs[w.svc]
	if evt.Svc != svc.handle {
		log.Warnf("Descriptor ack for service %d; expected %d",
			evt.Svc, svc.handle)
		return
	}
	s.clearPending()

	arenaIdx := svc.chrs[w.chr]
	c := s.chrs[arenaIdx]
	if evt.Status != stack.STATUS_OK {
		svc.state = SVC_STATE_ERROR
		s.setError(ERR_KIND_DESCRIPTOR_ADD_FAILED, evt.Status,
			fmt.Sprintf("add descriptor to %s.%s failed",
				svc.def.Name, c.def.Name))
		return
	}

	c.cccdHandle = evt.Handle
	s.handleIdx.Set(uint16(evt.Handle), arenaIdx)

	w.chr++
	s.advance()
}

func (s *Server) advanceStart() {
	w, ok := s.walk.(*walkServices)
	if !ok {
		s.walkMismatch()
		return
	}

	for w.svc < len(s.svcs) {
		svc := s.svcs[w.svc]
		if !svc.def.AutoStart {
			w.svc++
			continue
		}

		svc.state = SVC_STATE_STARTING
		err := s.issue(OP_START_SERVICE, func() error {
			return s.stk.StartService(svc.handle)
		})
		if err != nil {
			svc.state = SVC_STATE_ERROR
			s.setError(ERR_KIND_SERVICE_START_FAILED, errStatus(err),
				fmt.Sprintf("start service %s: %s",
					svc.def.Name, err.Error()))
		}
		return
	}

	log.Infof("Services started")
	s.enterPhase(STATE_SETTING_ADV_DATA)
}

func (s *Server) onSvcStart(evt *stack.SvcStartEvt) {
	if !s.ackFor(STATE_STARTING_SERVICES, OP_START_SERVICE) {
		return
	}
	w, ok := s.walk.(*walkServices)
	if !ok {
		s.walkMismatch()
		return
	}

	svc := s.svcs[w.svc]
	if evt.Svc != svc.handle {
		log.Warnf("Service start ack for service %d; expected %d",
			evt.Svc, svc.handle)
		return
	}
	s.clearPending()

	if evt.Status != stack.STATUS_OK {
		svc.state = SVC_STATE_ERROR
		s.setError(ERR_KIND_SERVICE_START_FAILED, evt.Status,
			fmt.Sprintf("start service %s failed", svc.def.Name))
		return
	}

	svc.state = SVC_STATE_STARTED

	w.svc++
	s.advance()
}
