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

// Package sim is an in-process BLE stack.  It acknowledges every request
// asynchronously, the way a vendor stack does, and can play the part of a
// connected client.  Faults can be injected per operation.
package sim

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/bitmans/blesrv/gattsrv/bledefs"
	"github.com/bitmans/blesrv/gattsrv/gsutil"
	"github.com/bitmans/blesrv/gattsrv/stack"
)

const (
	OP_INIT           = "init"
	OP_REGISTER_APP   = "register_app"
	OP_UNREGISTER_APP = "unregister_app"
	OP_CREATE_SERVICE = "create_service"
	OP_ADD_CHR        = "add_chr"
	OP_ADD_DSC        = "add_dsc"
	OP_START_SERVICE  = "start_service"
	OP_STOP_SERVICE   = "stop_service"
	OP_DELETE_SERVICE = "delete_service"
	OP_SET_ADV_DATA   = "set_adv_data"
	OP_SET_RSP_DATA   = "set_rsp_data"
	OP_START_ADV      = "start_adv"
	OP_STOP_ADV       = "stop_adv"
	OP_SEND_RSP       = "send_rsp"
	OP_NOTIFY         = "notify"
	OP_CONN_UPDATE    = "conn_update"
)

const DFLT_EVT_QUEUE_SIZE = 32

// Request is one call the server made into the stack.
type Request struct {
	Op     string
	Iface  stack.IfaceHandle
	Handle stack.AttrHandle
	Uuid   bledefs.BleUuid
	Num    int
	Data   []byte
}

// Rsp is a response the server sent to a simulated client request.
type Rsp struct {
	Conn   stack.ConnId
	Trans  stack.TransId
	Status uint8
	Handle stack.AttrHandle
	Data   []byte
}

type Notif struct {
	Conn     stack.ConnId
	Handle   stack.AttrHandle
	Data     []byte
	Indicate bool
}

type svcRec struct {
	iface   stack.IfaceHandle
	uuid    bledefs.BleUuid
	budget  int
	used    int
	started bool
	attrs   []stack.AttrHandle
}

type attrRec struct {
	svc   stack.AttrHandle
	uuid  bledefs.BleUuid
	isDsc bool
	val   []byte
}

type Sim struct {
	mtx sync.Mutex

	queueSize int
	evtCh     chan stack.Event
	closeCh   chan struct{}
	kick      chan struct{}
	pumpDone  chan struct{}
	outbox    []stack.Event

	initErr error
	cfg     stack.InitCfg

	nextIface  stack.IfaceHandle
	nextHandle stack.AttrHandle
	nextTrans  stack.TransId

	apps  map[stack.IfaceHandle]stack.AppId
	svcs  map[stack.AttrHandle]*svcRec
	attrs map[stack.AttrHandle]*attrRec

	AdvData    []byte
	RspData    []byte
	AdvParams  stack.AdvParams
	advActive  bool
	connParams map[stack.ConnId]stack.ConnParams

	failOn map[string]stack.Status
	refuse map[string]error
	holds  map[string]bool
	held   map[string][]stack.Event

	reqs   []Request
	rsps   []Rsp
	notifs []Notif

	onReq func(r Request)
}

func NewSim(queueSize int) *Sim {
	if queueSize <= 0 {
		queueSize = DFLT_EVT_QUEUE_SIZE
	}

	s := &Sim{
		queueSize: queueSize,
		failOn:    map[string]stack.Status{},
		refuse:    map[string]error{},
		holds:     map[string]bool{},
		held:      map[string][]stack.Event{},
	}
	s.resetNoLock()

	return s
}

func (s *Sim) resetNoLock() {
	s.nextIface = 0
	s.nextHandle = 1
	s.nextTrans = 1
	s.apps = map[stack.IfaceHandle]stack.AppId{}
	s.svcs = map[stack.AttrHandle]*svcRec{}
	s.attrs = map[stack.AttrHandle]*attrRec{}
	s.connParams = map[stack.ConnId]stack.ConnParams{}
	s.advActive = false
	s.outbox = nil
}

// FailInit makes the next Init calls fail with err; nil clears it.
func (s *Sim) FailInit(err error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.initErr = err
}

// FailOn makes every acknowledgement for op carry status.
func (s *Sim) FailOn(op string, status stack.Status) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.failOn[op] = status
}

// Refuse makes the request method for op return err synchronously.
func (s *Sim) Refuse(op string, err error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.refuse[op] = err
}

func (s *Sim) ClearFaults() {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.failOn = map[string]stack.Status{}
	s.refuse = map[string]error{}
}

// HoldOp withholds acknowledgements for op until Release is called.
func (s *Sim) HoldOp(op string) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.holds[op] = true
}

// Release stops holding op and delivers everything held for it.
func (s *Sim) Release(op string) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	delete(s.holds, op)
	evts := s.held[op]
	delete(s.held, op)

	for _, evt := range evts {
		s.enqueueNoLock(evt)
	}
}

// OnRequest installs a hook that runs after every logged request.  The hook
// runs with the sim locked; it must not block or call back into the Sim.
func (s *Sim) OnRequest(fn func(r Request)) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.onReq = fn
}

func (s *Sim) Requests() []Request {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return append([]Request(nil), s.reqs...)
}

// Ops lists the operation names of every logged request, in order.
func (s *Sim) Ops() []string {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	ops := make([]string, len(s.reqs))
	for i, r := range s.reqs {
		ops[i] = r.Op
	}
	return ops
}

func (s *Sim) Count(op string) int {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	n := 0
	for _, r := range s.reqs {
		if r.Op == op {
			n++
		}
	}
	return n
}

func (s *Sim) Rsps() []Rsp {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return append([]Rsp(nil), s.rsps...)
}

func (s *Sim) Notifs() []Notif {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return append([]Notif(nil), s.notifs...)
}

func (s *Sim) Advertising() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.advActive
}

// AttrValue returns the value a characteristic was created with.
func (s *Sim) AttrValue(h stack.AttrHandle) ([]byte, bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	a := s.attrs[h]
	if a == nil {
		return nil, false
	}
	return a.val, true
}

func (s *Sim) ConnParams(conn stack.ConnId) (stack.ConnParams, bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	p, ok := s.connParams[conn]
	return p, ok
}

// WaitFor polls until cond returns true or the timeout expires.
func WaitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// WaitRsp waits for the server to answer the given transaction.
func (s *Sim) WaitRsp(trans stack.TransId, timeout time.Duration) (
	Rsp, error) {

	var rsp Rsp
	ok := WaitFor(timeout, func() bool {
		s.mtx.Lock()
		defer s.mtx.Unlock()

		for _, r := range s.rsps {
			if r.Trans == trans {
				rsp = r
				return true
			}
		}
		return false
	})
	if !ok {
		return rsp, gsutil.FmtTimeoutError(
			"no response for transaction %d", trans)
	}

	return rsp, nil
}

/*** stack.Stack ***/

func (s *Sim) Init(cfg stack.InitCfg) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.logReqNoLock(Request{Op: OP_INIT})
	if s.initErr != nil {
		return s.initErr
	}

	s.stopPumpNoLock()
	s.resetNoLock()
	s.cfg = cfg
	s.held = map[string][]stack.Event{}

	s.evtCh = make(chan stack.Event, s.queueSize)
	s.closeCh = make(chan struct{})
	s.kick = make(chan struct{}, 1)
	s.pumpDone = make(chan struct{})
	go s.pump(s.evtCh, s.closeCh, s.kick, s.pumpDone)

	log.Debugf("sim stack initialized; name=\"%s\"", cfg.DeviceName)
	return nil
}

func (s *Sim) Events() <-chan stack.Event {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.evtCh
}

func (s *Sim) RegisterApp(app stack.AppId) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if err := s.beginNoLock(Request{Op: OP_REGISTER_APP,
		Num: int(app)}); err != nil {

		return err
	}

	evt := &stack.AppRegEvt{App: app, Iface: stack.IFACE_NONE}
	if st := s.failOn[OP_REGISTER_APP]; st != stack.STATUS_OK {
		evt.Status = st
	} else {
		evt.Iface = s.nextIface
		s.nextIface++
		s.apps[evt.Iface] = app
	}

	s.ackNoLock(OP_REGISTER_APP, evt)
	return nil
}

func (s *Sim) UnregisterApp(iface stack.IfaceHandle) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if err := s.beginNoLock(Request{Op: OP_UNREGISTER_APP,
		Iface: iface}); err != nil {

		return err
	}

	evt := &stack.AppUnregEvt{Iface: iface}
	if st := s.failOn[OP_UNREGISTER_APP]; st != stack.STATUS_OK {
		evt.Status = st
	} else if _, ok := s.apps[iface]; !ok {
		evt.Status = stack.STATUS_ENOENT
	} else {
		delete(s.apps, iface)
	}

	s.ackNoLock(OP_UNREGISTER_APP, evt)
	return nil
}

func (s *Sim) CreateService(iface stack.IfaceHandle, uuid bledefs.BleUuid,
	numHandles int) error {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if err := s.beginNoLock(Request{Op: OP_CREATE_SERVICE, Iface: iface,
		Uuid: uuid, Num: numHandles}); err != nil {

		return err
	}

	evt := &stack.SvcCreateEvt{Iface: iface, Uuid: uuid}
	if st := s.failOn[OP_CREATE_SERVICE]; st != stack.STATUS_OK {
		evt.Status = st
	} else if _, ok := s.apps[iface]; !ok {
		evt.Status = stack.STATUS_ENOENT
	} else if numHandles < 1 {
		evt.Status = stack.STATUS_EINVAL
	} else {
		h := s.allocHandleNoLock()
		s.svcs[h] = &svcRec{
			iface:  iface,
			uuid:   uuid,
			budget: numHandles,
			used:   1,
		}
		evt.Handle = h
	}

	s.ackNoLock(OP_CREATE_SERVICE, evt)
	return nil
}

func (s *Sim) addAttrNoLock(op string, iface stack.IfaceHandle,
	svc stack.AttrHandle, uuid bledefs.BleUuid, isDsc bool,
	val []byte) (stack.AttrHandle, stack.Status) {

	if st := s.failOn[op]; st != stack.STATUS_OK {
		return 0, st
	}

	rec := s.svcs[svc]
	if rec == nil || rec.iface != iface {
		return 0, stack.STATUS_ENOENT
	}
	if rec.used >= rec.budget {
		return 0, stack.STATUS_ENOMEM
	}

	h := s.allocHandleNoLock()
	rec.used++
	rec.attrs = append(rec.attrs, h)
	s.attrs[h] = &attrRec{
		svc:   svc,
		uuid:  uuid,
		isDsc: isDsc,
		val:   append([]byte(nil), val...),
	}

	return h, stack.STATUS_OK
}

func (s *Sim) AddChr(iface stack.IfaceHandle, svc stack.AttrHandle,
	p stack.ChrParams) error {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if err := s.beginNoLock(Request{Op: OP_ADD_CHR, Iface: iface,
		Handle: svc, Uuid: p.Uuid, Data: p.Val}); err != nil {

		return err
	}

	h, st := s.addAttrNoLock(OP_ADD_CHR, iface, svc, p.Uuid, false, p.Val)
	s.ackNoLock(OP_ADD_CHR, &stack.ChrAddEvt{
		Status: st,
		Svc:    svc,
		Uuid:   p.Uuid,
		Handle: h,
	})
	return nil
}

func (s *Sim) AddDsc(iface stack.IfaceHandle, svc stack.AttrHandle,
	p stack.DscParams) error {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if err := s.beginNoLock(Request{Op: OP_ADD_DSC, Iface: iface,
		Handle: p.ChrHandle, Uuid: p.Uuid}); err != nil {

		return err
	}

	h, st := s.addAttrNoLock(OP_ADD_DSC, iface, svc, p.Uuid, true,
		[]byte{0, 0})
	s.ackNoLock(OP_ADD_DSC, &stack.DscAddEvt{
		Status: st,
		Svc:    svc,
		Uuid:   p.Uuid,
		Handle: h,
	})
	return nil
}

func (s *Sim) svcOpNoLock(op string, svc stack.AttrHandle) stack.Status {
	if st := s.failOn[op]; st != stack.STATUS_OK {
		return st
	}

	rec := s.svcs[svc]
	if rec == nil {
		return stack.STATUS_ENOENT
	}

	switch op {
	case OP_START_SERVICE:
		rec.started = true
	case OP_STOP_SERVICE:
		rec.started = false
	case OP_DELETE_SERVICE:
		for _, h := range rec.attrs {
			delete(s.attrs, h)
		}
		delete(s.svcs, svc)
	}

	return stack.STATUS_OK
}

func (s *Sim) StartService(svc stack.AttrHandle) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if err := s.beginNoLock(Request{Op: OP_START_SERVICE,
		Handle: svc}); err != nil {

		return err
	}

	st := s.svcOpNoLock(OP_START_SERVICE, svc)
	s.ackNoLock(OP_START_SERVICE, &stack.SvcStartEvt{Status: st, Svc: svc})
	return nil
}

func (s *Sim) StopService(svc stack.AttrHandle) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if err := s.beginNoLock(Request{Op: OP_STOP_SERVICE,
		Handle: svc}); err != nil {

		return err
	}

	st := s.svcOpNoLock(OP_STOP_SERVICE, svc)
	s.ackNoLock(OP_STOP_SERVICE, &stack.SvcStopEvt{Status: st, Svc: svc})
	return nil
}

func (s *Sim) DeleteService(svc stack.AttrHandle) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if err := s.beginNoLock(Request{Op: OP_DELETE_SERVICE,
		Handle: svc}); err != nil {

		return err
	}

	st := s.svcOpNoLock(OP_DELETE_SERVICE, svc)
	s.ackNoLock(OP_DELETE_SERVICE, &stack.SvcDeleteEvt{Status: st, Svc: svc})
	return nil
}

func (s *Sim) SetAdvData(data []byte) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if err := s.beginNoLock(Request{Op: OP_SET_ADV_DATA,
		Data: data}); err != nil {

		return err
	}

	evt := &stack.AdvDataEvt{}
	if st := s.failOn[OP_SET_ADV_DATA]; st != stack.STATUS_OK {
		evt.Status = st
	} else if len(data) > bledefs.BLE_HS_ADV_MAX_SZ {
		evt.Status = stack.STATUS_EINVAL
	} else {
		s.AdvData = append([]byte(nil), data...)
	}

	s.ackNoLock(OP_SET_ADV_DATA, evt)
	return nil
}

func (s *Sim) SetRspData(data []byte) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if err := s.beginNoLock(Request{Op: OP_SET_RSP_DATA,
		Data: data}); err != nil {

		return err
	}

	evt := &stack.RspDataEvt{}
	if st := s.failOn[OP_SET_RSP_DATA]; st != stack.STATUS_OK {
		evt.Status = st
	} else if len(data) > bledefs.BLE_HS_ADV_MAX_SZ {
		evt.Status = stack.STATUS_EINVAL
	} else {
		s.RspData = append([]byte(nil), data...)
	}

	s.ackNoLock(OP_SET_RSP_DATA, evt)
	return nil
}

func (s *Sim) StartAdv(p stack.AdvParams) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if err := s.beginNoLock(Request{Op: OP_START_ADV}); err != nil {
		return err
	}

	evt := &stack.AdvStartEvt{}
	if st := s.failOn[OP_START_ADV]; st != stack.STATUS_OK {
		evt.Status = st
	} else if s.advActive {
		evt.Status = stack.STATUS_EALREADY
	} else {
		s.advActive = true
		s.AdvParams = p
	}

	s.ackNoLock(OP_START_ADV, evt)
	return nil
}

func (s *Sim) StopAdv() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if err := s.beginNoLock(Request{Op: OP_STOP_ADV}); err != nil {
		return err
	}

	evt := &stack.AdvStopEvt{}
	if st := s.failOn[OP_STOP_ADV]; st != stack.STATUS_OK {
		evt.Status = st
	} else if !s.advActive {
		evt.Status = stack.STATUS_EALREADY
	} else {
		s.advActive = false
	}

	s.ackNoLock(OP_STOP_ADV, evt)
	return nil
}

func (s *Sim) SendRsp(iface stack.IfaceHandle, conn stack.ConnId,
	trans stack.TransId, status uint8, handle stack.AttrHandle,
	data []byte) error {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if err := s.beginNoLock(Request{Op: OP_SEND_RSP, Iface: iface,
		Handle: handle, Data: data}); err != nil {

		return err
	}

	s.rsps = append(s.rsps, Rsp{
		Conn:   conn,
		Trans:  trans,
		Status: status,
		Handle: handle,
		Data:   append([]byte(nil), data...),
	})
	return nil
}

func (s *Sim) Notify(iface stack.IfaceHandle, conn stack.ConnId,
	handle stack.AttrHandle, data []byte, needConfirm bool) error {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if err := s.beginNoLock(Request{Op: OP_NOTIFY, Iface: iface,
		Handle: handle, Data: data}); err != nil {

		return err
	}

	if _, ok := s.attrs[handle]; !ok {
		return gsutil.NewStackError(int(stack.STATUS_ENOENT),
			fmt.Sprintf("no attribute with handle %d", handle))
	}

	s.notifs = append(s.notifs, Notif{
		Conn:     conn,
		Handle:   handle,
		Data:     append([]byte(nil), data...),
		Indicate: needConfirm,
	})
	if needConfirm {
		s.enqueueNoLock(&stack.ConfirmEvt{Conn: conn, Handle: handle})
	}
	return nil
}

func (s *Sim) UpdateConnParams(conn stack.ConnId, p stack.ConnParams) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if err := s.beginNoLock(Request{Op: OP_CONN_UPDATE}); err != nil {
		return err
	}

	s.connParams[conn] = p
	return nil
}

func (s *Sim) Close() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.stopPumpNoLock()
	return nil
}

/*** Simulated client ***/

// Connect simulates a client connecting.  Like a controller, the sim stops
// connectable advertising when a connection is established.
func (s *Sim) Connect(conn stack.ConnId, peer bledefs.BleAddr) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.advActive = false
	s.enqueueNoLock(&stack.ConnectEvt{Conn: conn, Peer: peer})
}

func (s *Sim) Disconnect(conn stack.ConnId, peer bledefs.BleAddr,
	reason int) {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	delete(s.connParams, conn)
	s.enqueueNoLock(&stack.DisconnectEvt{
		Conn:   conn,
		Peer:   peer,
		Reason: reason,
	})
}

func (s *Sim) Read(conn stack.ConnId, handle stack.AttrHandle,
	offset int) stack.TransId {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	trans := s.nextTrans
	s.nextTrans++

	s.enqueueNoLock(&stack.ReadEvt{
		Conn:   conn,
		Trans:  trans,
		Handle: handle,
		Offset: offset,
		IsLong: offset > 0,
	})
	return trans
}

func (s *Sim) Write(conn stack.ConnId, handle stack.AttrHandle,
	val []byte, needRsp bool) stack.TransId {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	trans := s.nextTrans
	s.nextTrans++

	s.enqueueNoLock(&stack.WriteEvt{
		Conn:    conn,
		Trans:   trans,
		Handle:  handle,
		Value:   append([]byte(nil), val...),
		NeedRsp: needRsp,
	})
	return trans
}

// InjectError delivers an unsolicited stack failure.
func (s *Sim) InjectError(status stack.Status, text string) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.enqueueNoLock(&stack.ErrEvt{Status: status, Text: text})
}

/*** Internals ***/

func (s *Sim) allocHandleNoLock() stack.AttrHandle {
	h := s.nextHandle
	s.nextHandle++
	return h
}

func (s *Sim) logReqNoLock(r Request) {
	r.Data = append([]byte(nil), r.Data...)
	s.reqs = append(s.reqs, r)
	log.Debugf("sim request: %s iface=%d handle=%d", r.Op, r.Iface, r.Handle)

	if s.onReq != nil {
		s.onReq(r)
	}
}

func (s *Sim) beginNoLock(r Request) error {
	if s.evtCh == nil {
		return gsutil.NewXportError("sim stack not initialized")
	}

	s.logReqNoLock(r)
	if err := s.refuse[r.Op]; err != nil {
		return err
	}

	return nil
}

func (s *Sim) ackNoLock(op string, evt stack.Event) {
	if s.holds[op] {
		s.held[op] = append(s.held[op], evt)
		return
	}

	s.enqueueNoLock(evt)
}

func (s *Sim) enqueueNoLock(evt stack.Event) {
	if s.kick == nil {
		log.Debugf("sim stack not running; dropping %T", evt)
		return
	}

	s.outbox = append(s.outbox, evt)
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Sim) stopPumpNoLock() {
	if s.closeCh == nil {
		return
	}

	close(s.closeCh)
	done := s.pumpDone

	s.closeCh = nil
	s.kick = nil
	s.pumpDone = nil

	// The pump takes the lock to drain the outbox.
	s.mtx.Unlock()
	<-done
	s.mtx.Lock()
}

// pump moves queued events onto the bounded event channel.  Requests never
// block on a full channel; only the pump does.
func (s *Sim) pump(evtCh chan stack.Event, closeCh chan struct{},
	kick chan struct{}, done chan struct{}) {

	defer close(done)

	for {
		select {
		case <-kick:
		case <-closeCh:
			return
		}

		for {
			s.mtx.Lock()
			if len(s.outbox) == 0 || s.evtCh != evtCh {
				s.mtx.Unlock()
				break
			}
			evt := s.outbox[0]
			s.outbox = s.outbox[1:]
			s.mtx.Unlock()

			select {
			case evtCh <- evt:
			case <-closeCh:
				return
			}
		}
	}
}
