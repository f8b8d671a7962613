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

// Package gatts provisions a multi-service GATT server over an asynchronous
// BLE stack.
//
// Setup is a chain of request/acknowledgement round trips: register an
// application per service, create each service, add its characteristics
// and descriptors, start it, then configure and start advertising.  A single
// event goroutine owns the provisioning state machine; it consumes stack
// acknowledgements, issues the next request, and delivers events to the
// user's Handler.
package gatts

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/bitmans/blesrv/gattsrv/bledefs"
	"github.com/bitmans/blesrv/gattsrv/gsutil"
	"github.com/bitmans/blesrv/gattsrv/hidx"
	"github.com/bitmans/blesrv/gattsrv/stack"
)

const DFLT_DEINIT_STOP_TIMEOUT = 5 * time.Second

type ConnInfo struct {
	Conn stack.ConnId
	Peer bledefs.BleAddr
}

type pendingOp struct {
	name   string
	seq    uint32
	active bool
	timer  *time.Timer
}

type Server struct {
	stk stack.Stack
	cfg Config

	// Guards every field below.  Never held while user code runs.
	mtx sync.Mutex

	handler Handler
	state   State
	lastErr ErrorInfo

	svcs []*service
	chrs []*chr

	ifaceIdx  *hidx.Table
	handleIdx *hidx.Table

	walk    walk
	pending pendingOp
	opSeq   uint32

	stopRequested bool
	readySent     bool

	advEnabled  bool
	advOp       bool
	advData     []byte
	rspData     []byte
	scanRspBusy bool

	connected bool
	conn      ConnInfo

	// Work queued for delivery outside the lock, in order.
	backlog []func(h Handler)

	reqCh    chan request
	quitCh   chan struct{}
	loopDone chan struct{}
	running  bool

	stopBlk gsutil.Blocker
	opBlk   gsutil.Blocker
}

func NewServer(stk stack.Stack, cfg Config) *Server {
	if cfg.EventQueueSize <= 0 {
		cfg.EventQueueSize = DFLT_EVENT_QUEUE_SIZE
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = DFLT_OPERATION_TIMEOUT
	}
	if cfg.AdvBudget <= 0 {
		cfg.AdvBudget = bledefs.BLE_HS_ADV_MAX_SZ
	}
	if cfg.MaxServices <= 0 {
		cfg.MaxServices = DFLT_MAX_SERVICES
	}
	if cfg.MaxChrs <= 0 {
		cfg.MaxChrs = DFLT_MAX_CHRS
	}

	return &Server{
		stk:     stk,
		cfg:     cfg,
		handler: NopHandler{},
		state:   STATE_IDLE,
		walk:    &walkNone{},
	}
}

func (s *Server) Config() Config {
	return s.cfg
}

// SetHandler installs the event handler.  A nil handler restores the no-op
// default.
func (s *Server) SetHandler(h Handler) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if h == nil {
		h = NopHandler{}
	}
	s.handler = h
}

// Init brings the stack up and leaves the server in READY.  On failure the
// server is left in ERROR, from which ClearError recovers.
func (s *Server) Init() error {
	s.mtx.Lock()

	if s.state != STATE_IDLE {
		st := s.state
		s.mtx.Unlock()
		return gsutil.FmtInvalidStateError(
			"init requires state idle; state=%s", st)
	}

	var err error
	s.ifaceIdx, err = hidx.New(IFACE_TABLE_SIZE, nil)
	if err != nil {
		s.mtx.Unlock()
		return err
	}
	s.handleIdx, err = hidx.New(HANDLE_TABLE_SIZE, nil)
	if err != nil {
		s.mtx.Unlock()
		return err
	}

	s.transition(STATE_INITIALIZING)

	initErr := s.stk.Init(stack.InitCfg{
		DeviceName: s.cfg.DeviceName,
		Appearance: s.cfg.Appearance,
	})
	if initErr != nil {
		s.setError(ERR_KIND_INIT_FAILED, stack.STATUS_EUNKNOWN,
			"stack init failed: "+initErr.Error())
	} else {
		s.transition(STATE_READY)
	}

	s.startLoop()
	s.mtx.Unlock()

	return initErr
}

func (s *Server) AddService(def ServiceDef) (SvcInfo, error) {
	rsp, err := s.call(&addSvcReq{def: def})
	if err != nil {
		return SvcInfo{}, err
	}

	return rsp.(SvcInfo), nil
}

// Start begins provisioning.  It returns once the first registration
// request has been issued; progress is reported through events.
func (s *Server) Start() error {
	_, err := s.call(&startReq{})
	return err
}

// Stop tears down everything the stack has been asked to set up and waits
// for the server to reach IDLE.  Stopping an idle or failed server is a
// no-op.
func (s *Server) Stop(timeout time.Duration) error {
	s.mtx.Lock()
	if s.state == STATE_IDLE || s.state == STATE_ERROR || !s.running {
		s.mtx.Unlock()
		return nil
	}
	s.stopBlk.Start()
	s.mtx.Unlock()

	if err := s.post(&stopReq{}); err != nil {
		// The loop exited on its own; it only does so at IDLE.
		return nil
	}

	v, err := s.stopBlk.Wait(timeout, nil)
	if err != nil {
		if gsutil.IsTimeout(err) {
			return gsutil.FmtTimeoutError(
				"server did not stop within %s", timeout.String())
		}
		return err
	}
	if e, ok := v.(error); ok && e != nil {
		return e
	}

	return nil
}

// Deinit stops the server, shuts the event goroutine down, closes the stack
// and discards all service definitions.
func (s *Server) Deinit() error {
	if err := s.Stop(DFLT_DEINIT_STOP_TIMEOUT); err != nil {
		log.Warnf("Stop during deinit failed: %s", err.Error())
	}

	s.mtx.Lock()
	running := s.running
	quitCh := s.quitCh
	loopDone := s.loopDone
	s.mtx.Unlock()

	if running {
		close(quitCh)
		<-loopDone
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.clearPending()
	if s.ifaceIdx != nil {
		s.ifaceIdx.Cleanup()
	}
	if s.handleIdx != nil {
		s.handleIdx.Cleanup()
	}
	s.svcs = nil
	s.chrs = nil
	s.connected = false
	s.advEnabled = false
	s.state = STATE_IDLE
	s.lastErr = ErrorInfo{}

	return s.stk.Close()
}

func (s *Server) StartAdvertising() error {
	s.mtx.Lock()
	if setupRank(s.state) < setupRank(STATE_SETTING_ADV_DATA) {
		st := s.state
		s.mtx.Unlock()
		return gsutil.FmtInvalidStateError(
			"cannot advertise before setup completes; state=%s", st)
	}
	if s.advEnabled {
		s.mtx.Unlock()
		return nil
	}
	s.mtx.Unlock()

	return s.post(&advStartReq{})
}

func (s *Server) StopAdvertising() error {
	s.mtx.Lock()
	enabled := s.advEnabled
	s.mtx.Unlock()

	if !enabled {
		return nil
	}

	return s.post(&advStopReq{})
}

// SetScanRsp replaces the scan-response payload and waits for the stack to
// acknowledge it.
func (s *Server) SetScanRsp(data []byte, timeout time.Duration) error {
	s.mtx.Lock()
	if s.state != STATE_ADVERTISING && s.state != STATE_CONNECTED {
		st := s.state
		s.mtx.Unlock()
		return gsutil.FmtInvalidStateError(
			"scan response can only be replaced once advertising; state=%s",
			st)
	}
	if len(data) > s.cfg.AdvBudget {
		s.mtx.Unlock()
		return gsutil.FmtNoMemError("scan response too long: %d > %d",
			len(data), s.cfg.AdvBudget)
	}
	// One update at a time; a second caller must not share the first
	// caller's Blocker.
	if s.scanRspBusy || s.opBlk.Started() {
		s.mtx.Unlock()
		return gsutil.NewAlreadyError(
			"scan response update already in progress")
	}
	s.opBlk.Start()
	s.mtx.Unlock()

	if err := s.post(&scanRspReq{data: data}); err != nil {
		s.opBlk.Unblock(err)
		return err
	}

	v, err := s.opBlk.Wait(timeout, nil)
	if err != nil {
		return err
	}
	if e, ok := v.(error); ok && e != nil {
		return e
	}

	return nil
}

// SendResponse answers a read or write request that was not answered by an
// AccessCb.
func (s *Server) SendResponse(conn stack.ConnId, trans stack.TransId,
	status uint8, handle stack.AttrHandle, data []byte) error {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.state == STATE_IDLE {
		return gsutil.NewInvalidStateError("server not initialized")
	}

	iface := s.ifaceForHandle(handle)
	if iface == stack.IFACE_NONE {
		return gsutil.NewInvalidStateError("no registered application")
	}

	return s.stk.SendRsp(iface, conn, trans, status, handle, data)
}

func (s *Server) SendNotification(handle stack.AttrHandle,
	data []byte) error {

	return s.sendValue(handle, data, false)
}

func (s *Server) SendIndication(handle stack.AttrHandle, data []byte) error {
	return s.sendValue(handle, data, true)
}

func (s *Server) sendValue(handle stack.AttrHandle, data []byte,
	indicate bool) error {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if !s.connected {
		return gsutil.NewInvalidStateError("no client connected")
	}

	c := s.chrByHandle(handle)
	if c == nil || c.handle != handle {
		return gsutil.FmtInvalidStateError(
			"handle %d is not a characteristic value", handle)
	}

	want := bledefs.BLE_GATT_F_NOTIFY
	if indicate {
		want = bledefs.BLE_GATT_F_INDICATE
	}
	if c.def.Flags&want == 0 {
		return gsutil.FmtInvalidStateError(
			"characteristic %s does not support %s", c.def.Name, want)
	}

	iface := s.svcs[c.svcIdx].iface
	return s.stk.Notify(iface, s.conn.Conn, handle, data, indicate)
}

func (s *Server) State() State {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.state
}

func (s *Server) LastError() ErrorInfo {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.lastErr
}

func (s *Server) IsConnected() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.connected
}

func (s *Server) ConnInfo() (ConnInfo, bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.conn, s.connected
}

func (s *Server) IsAdvertising() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.advEnabled
}

// ClearError leaves ERROR for READY.  Objects the stack already created are
// not released; the service records are reset so that Start can provision
// again.
func (s *Server) ClearError() error {
	_, err := s.call(&clearErrReq{})
	return err
}

func (s *Server) Services() []SvcInfo {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	infos := make([]SvcInfo, len(s.svcs))
	for i := range s.svcs {
		infos[i] = s.svcInfo(i)
	}
	return infos
}

func (s *Server) ServiceByName(name string) (SvcInfo, bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	for i, svc := range s.svcs {
		if svc.def.Name == name {
			return s.svcInfo(i), true
		}
	}

	return SvcInfo{}, false
}

func (s *Server) ChrByName(svcName string, chrName string) (ChrInfo, bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	for _, svc := range s.svcs {
		if svc.def.Name != svcName {
			continue
		}
		for _, ci := range svc.chrs {
			if s.chrs[ci].def.Name == chrName {
				return s.chrInfo(s.chrs[ci]), true
			}
		}
	}

	return ChrInfo{}, false
}

// ChrByHandle resolves a value or CCCD handle to its characteristic.
func (s *Server) ChrByHandle(handle stack.AttrHandle) (ChrInfo, bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	c := s.chrByHandle(handle)
	if c == nil {
		return ChrInfo{}, false
	}

	return s.chrInfo(c), true
}

// Caller must hold the lock.
func (s *Server) svcInfo(idx int) SvcInfo {
	svc := s.svcs[idx]
	info := SvcInfo{
		Name:   svc.def.Name,
		Uuid:   svc.def.Uuid,
		AppId:  svc.def.AppId,
		State:  svc.state,
		Iface:  svc.iface,
		Handle: svc.handle,
		Chrs:   make([]ChrInfo, 0, len(svc.chrs)),
	}
	for _, ci := range svc.chrs {
		info.Chrs = append(info.Chrs, s.chrInfo(s.chrs[ci]))
	}

	return info
}

// Caller must hold the lock.
func (s *Server) chrInfo(c *chr) ChrInfo {
	return ChrInfo{
		Name:       c.def.Name,
		SvcName:    s.svcs[c.svcIdx].def.Name,
		Uuid:       c.def.Uuid,
		Flags:      c.def.Flags,
		Handle:     c.handle,
		CccdHandle: c.cccdHandle,
		Notify:     c.cccdVal&bledefs.BLE_CCCD_NOTIFY != 0,
		Indicate:   c.cccdVal&bledefs.BLE_CCCD_INDICATE != 0,
	}
}

// chrByHandle looks a handle up in the index and checks that the record it
// points at still owns the handle.  Caller must hold the lock.
func (s *Server) chrByHandle(handle stack.AttrHandle) *chr {
	if s.handleIdx == nil {
		return nil
	}

	idx, ok := s.handleIdx.TryGet(uint16(handle))
	if !ok {
		return nil
	}
	if idx < 0 || idx >= len(s.chrs) || !s.chrs[idx].owns(handle) {
		log.Warnf("Stale handle index entry: handle=%d ref=%d", handle, idx)
		return nil
	}

	return s.chrs[idx]
}

// Caller must hold the lock.
func (s *Server) svcByIface(iface stack.IfaceHandle) (int, *service) {
	if s.ifaceIdx == nil {
		return -1, nil
	}

	idx, ok := s.ifaceIdx.TryGet(uint16(iface))
	if !ok {
		return -1, nil
	}
	if idx < 0 || idx >= len(s.svcs) || s.svcs[idx].iface != iface {
		log.Warnf("Stale iface index entry: iface=%d ref=%d", iface, idx)
		return -1, nil
	}

	return idx, s.svcs[idx]
}

// The interface owning a handle, or the first registered one if the handle
// is unknown.  Caller must hold the lock.
func (s *Server) ifaceForHandle(handle stack.AttrHandle) stack.IfaceHandle {
	if c := s.chrByHandle(handle); c != nil {
		return s.svcs[c.svcIdx].iface
	}

	for _, svc := range s.svcs {
		if svc.iface != stack.IFACE_NONE {
			return svc.iface
		}
	}

	return stack.IFACE_NONE
}
