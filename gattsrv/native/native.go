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

// Package native is a stack backend for the local BLE controller, built on
// the JuulLabs-OSS/ble peripheral API.
//
// That API is synchronous: a read handler must produce its response before
// it returns.  The backend bridges this to the asynchronous stack model by
// posting a read event and parking the handler until the matching SendRsp
// arrives or the response timeout expires.  Attribute handles are assigned
// locally; the library's own handles are not exposed before services are
// published.
package native

import (
	"context"
	"sync"
	"time"

	"github.com/JuulLabs-OSS/ble"
	"github.com/JuulLabs-OSS/ble/examples/lib/dev"
	log "github.com/sirupsen/logrus"

	"github.com/bitmans/blesrv/gattsrv/adv"
	"github.com/bitmans/blesrv/gattsrv/bledefs"
	"github.com/bitmans/blesrv/gattsrv/gsutil"
	"github.com/bitmans/blesrv/gattsrv/stack"
)

type XportCfg struct {
	// HCI device index (hciX).
	DeviceId int

	// How long a read handler waits for the application's response.
	RspTimeout time.Duration

	EvtQueueSize int
}

func NewXportCfg() XportCfg {
	return XportCfg{
		DeviceId:     0,
		RspTimeout:   5 * time.Second,
		EvtQueueSize: 32,
	}
}

// The subset of ble.Device the backend uses.
type device interface {
	AddService(svc *ble.Service) error
	SetServices(svcs []*ble.Service) error
	RemoveAllServices() error
	AdvertiseNameAndServices(ctx context.Context, name string,
		uuids ...ble.UUID) error
	Stop() error
}

func newDevice(cfg XportCfg) (device, error) {
	d, err := dev.NewDevice("default", ble.OptDeviceID(cfg.DeviceId))
	if err != nil {
		return nil, err
	}

	return d, nil
}

type chrRec struct {
	chr        *ble.Characteristic
	iface      stack.IfaceHandle
	handle     stack.AttrHandle
	cccdHandle stack.AttrHandle
	props      bledefs.BleChrFlags
	maxLen     int
}

type svcRec struct {
	svc     *ble.Service
	iface   stack.IfaceHandle
	handle  stack.AttrHandle
	started bool
}

type connRec struct {
	id        stack.ConnId
	conn      ble.Conn
	notifiers map[stack.AttrHandle]ble.Notifier
}

type rspVal struct {
	status uint8
	data   []byte
}

// Implements stack.Stack.
type Stack struct {
	cfg       XportCfg
	newDevice func(cfg XportCfg) (device, error)

	// Every event, ack or callback, goes through q so the consumer sees
	// them in the order they happened.
	q *evtQueue

	mtx      sync.Mutex
	d        device
	name     string
	evtCh    chan stack.Event
	closeCh  chan struct{}
	wg       sync.WaitGroup
	apps     map[stack.IfaceHandle]stack.AppId
	nextIf   stack.IfaceHandle
	svcs     map[stack.AttrHandle]*svcRec
	chrs     map[stack.AttrHandle]*chrRec
	nextAttr stack.AttrHandle
	conns    map[ble.Conn]*connRec
	nextConn stack.ConnId
	trans    map[stack.TransId]chan rspVal
	advData  []byte
	rspData  []byte
	advStop  context.CancelFunc
	advDone  chan struct{}
}

func NewStack(cfg XportCfg) *Stack {
	if cfg.EvtQueueSize <= 0 {
		cfg.EvtQueueSize = 32
	}

	return &Stack{
		cfg:       cfg,
		newDevice: newDevice,
		q:         newEvtQueue(),
	}
}

func (s *Stack) Events() <-chan stack.Event {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.evtCh
}

func (s *Stack) Init(cfg stack.InitCfg) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.d != nil {
		return gsutil.NewAlreadyError("native stack already initialized")
	}

	d, err := s.newDevice(s.cfg)
	if err != nil {
		return gsutil.FmtXportError("failed to open hci%d: %s",
			s.cfg.DeviceId, err.Error())
	}

	s.d = d
	s.name = cfg.DeviceName
	s.evtCh = make(chan stack.Event, s.cfg.EvtQueueSize)
	s.closeCh = make(chan struct{})
	s.apps = map[stack.IfaceHandle]stack.AppId{}
	s.nextIf = 1
	s.svcs = map[stack.AttrHandle]*svcRec{}
	s.chrs = map[stack.AttrHandle]*chrRec{}
	s.nextAttr = 1
	s.conns = map[ble.Conn]*connRec{}
	s.nextConn = 1
	s.trans = map[stack.TransId]chan rspVal{}

	s.q.restart()
	s.wg.Add(1)
	go s.send(s.evtCh, s.closeCh)

	log.Debugf("native stack initialized on hci%d", s.cfg.DeviceId)
	return nil
}

// evtQueue is an unbounded FIFO.  Pushing never blocks, so events can be
// queued with the stack lock held.
type evtQueue struct {
	mtx     sync.Mutex
	cond    *sync.Cond
	evts    []stack.Event
	stopped bool
}

func newEvtQueue() *evtQueue {
	q := &evtQueue{stopped: true}
	q.cond = sync.NewCond(&q.mtx)
	return q
}

func (q *evtQueue) restart() {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	q.evts = nil
	q.stopped = false
}

// stop discards anything still queued and wakes the sender.
func (q *evtQueue) stop() {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	q.evts = nil
	q.stopped = true
	q.cond.Broadcast()
}

func (q *evtQueue) push(evt stack.Event) bool {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	if q.stopped {
		return false
	}

	q.evts = append(q.evts, evt)
	q.cond.Signal()
	return true
}

// pop blocks until an event is available or the queue is stopped.
func (q *evtQueue) pop() (stack.Event, bool) {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	for len(q.evts) == 0 && !q.stopped {
		q.cond.Wait()
	}
	if q.stopped {
		return nil, false
	}

	evt := q.evts[0]
	q.evts[0] = nil
	q.evts = q.evts[1:]
	return evt, true
}

// send is the only writer of evtCh.
func (s *Stack) send(evtCh chan<- stack.Event, closeCh <-chan struct{}) {
	defer s.wg.Done()

	for {
		evt, ok := s.q.pop()
		if !ok {
			return
		}

		select {
		case evtCh <- evt:
		case <-closeCh:
			return
		}
	}
}

// post queues an event for the consumer.  Events posted after Close are
// dropped.
func (s *Stack) post(evt stack.Event) {
	if !s.q.push(evt) {
		log.Debugf("Dropping event after close: %T", evt)
	}
}

func (s *Stack) checkInit() error {
	if s.d == nil {
		return gsutil.NewInvalidStateError("native stack not initialized")
	}
	return nil
}

func (s *Stack) allocAttr() stack.AttrHandle {
	h := s.nextAttr
	s.nextAttr++
	return h
}

func toBleUuid(u bledefs.BleUuid) ble.UUID {
	if u.U16 != 0 {
		return ble.UUID16(uint16(u.U16))
	}

	r := u.U128.Reversed()
	return ble.UUID(r[:])
}

func (s *Stack) RegisterApp(app stack.AppId) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if err := s.checkInit(); err != nil {
		return err
	}

	iface := s.nextIf
	s.nextIf++
	s.apps[iface] = app

	s.post(&stack.AppRegEvt{App: app, Iface: iface})
	return nil
}

func (s *Stack) UnregisterApp(iface stack.IfaceHandle) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if err := s.checkInit(); err != nil {
		return err
	}

	status := stack.STATUS_OK
	if _, ok := s.apps[iface]; !ok {
		status = stack.STATUS_ENOENT
	}
	delete(s.apps, iface)

	s.post(&stack.AppUnregEvt{Status: status, Iface: iface})
	return nil
}

func (s *Stack) CreateService(iface stack.IfaceHandle, uuid bledefs.BleUuid,
	numHandles int) error {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if err := s.checkInit(); err != nil {
		return err
	}

	if _, ok := s.apps[iface]; !ok {
		s.post(&stack.SvcCreateEvt{Status: stack.STATUS_ENOENT,
			Iface: iface, Uuid: uuid})
		return nil
	}

	h := s.allocAttr()
	s.svcs[h] = &svcRec{
		svc:    ble.NewService(toBleUuid(uuid)),
		iface:  iface,
		handle: h,
	}

	s.post(&stack.SvcCreateEvt{Iface: iface, Uuid: uuid, Handle: h})
	return nil
}

func (s *Stack) AddChr(iface stack.IfaceHandle, svc stack.AttrHandle,
	p stack.ChrParams) error {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if err := s.checkInit(); err != nil {
		return err
	}

	sr := s.svcs[svc]
	if sr == nil {
		s.post(&stack.ChrAddEvt{Status: stack.STATUS_ENOENT, Svc: svc,
			Uuid: p.Uuid})
		return nil
	}

	h := s.allocAttr()
	cr := &chrRec{
		chr:    sr.svc.NewCharacteristic(toBleUuid(p.Uuid)),
		iface:  iface,
		handle: h,
		props:  p.Props,
		maxLen: p.MaxLen,
	}
	s.chrs[h] = cr
	s.bindHandlers(cr)

	s.post(&stack.ChrAddEvt{Svc: svc, Uuid: p.Uuid, Handle: h})
	return nil
}

// AddDsc only supports the CCCD, which the library creates itself for
// notifiable characteristics.
func (s *Stack) AddDsc(iface stack.IfaceHandle, svc stack.AttrHandle,
	p stack.DscParams) error {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if err := s.checkInit(); err != nil {
		return err
	}

	cr := s.chrs[p.ChrHandle]
	if cr == nil || s.svcs[svc] == nil {
		s.post(&stack.DscAddEvt{Status: stack.STATUS_ENOENT, Svc: svc,
			Uuid: p.Uuid})
		return nil
	}

	if p.Uuid.U16 != bledefs.BLE_UUID16_CCCD {

		s.post(&stack.DscAddEvt{Status: stack.STATUS_ENOTSUP, Svc: svc,
			Uuid: p.Uuid})
		return nil
	}

	h := s.allocAttr()
	cr.cccdHandle = h
	s.chrs[h] = cr

	s.post(&stack.DscAddEvt{Svc: svc, Uuid: p.Uuid, Handle: h})
	return nil
}

// Caller must hold the lock.
func (s *Stack) publish() error {
	svcs := []*ble.Service{}
	for _, sr := range s.svcs {
		if sr.started {
			svcs = append(svcs, sr.svc)
		}
	}

	return s.d.SetServices(svcs)
}

func (s *Stack) StartService(svc stack.AttrHandle) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if err := s.checkInit(); err != nil {
		return err
	}

	sr := s.svcs[svc]
	if sr == nil {
		s.post(&stack.SvcStartEvt{Status: stack.STATUS_ENOENT, Svc: svc})
		return nil
	}

	status := stack.STATUS_OK
	if err := s.d.AddService(sr.svc); err != nil {
		log.Warnf("Failed to add service %s: %s",
			sr.svc.UUID.String(), err.Error())
		status = stack.STATUS_EUNKNOWN
	} else {
		sr.started = true
	}

	s.post(&stack.SvcStartEvt{Status: status, Svc: svc})
	return nil
}

func (s *Stack) StopService(svc stack.AttrHandle) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if err := s.checkInit(); err != nil {
		return err
	}

	sr := s.svcs[svc]
	if sr == nil {
		s.post(&stack.SvcStopEvt{Status: stack.STATUS_ENOENT, Svc: svc})
		return nil
	}

	sr.started = false
	status := stack.STATUS_OK
	if err := s.publish(); err != nil {
		log.Warnf("Failed to republish services: %s", err.Error())
		status = stack.STATUS_EUNKNOWN
	}

	s.post(&stack.SvcStopEvt{Status: status, Svc: svc})
	return nil
}

func (s *Stack) DeleteService(svc stack.AttrHandle) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if err := s.checkInit(); err != nil {
		return err
	}

	sr := s.svcs[svc]
	if sr == nil {
		s.post(&stack.SvcDeleteEvt{Status: stack.STATUS_ENOENT, Svc: svc})
		return nil
	}

	for h, cr := range s.chrs {
		if cr.chr != nil && containsChr(sr.svc, cr.chr) {
			delete(s.chrs, h)
		}
	}
	delete(s.svcs, svc)

	status := stack.STATUS_OK
	if sr.started {
		if err := s.publish(); err != nil {
			status = stack.STATUS_EUNKNOWN
		}
	}

	s.post(&stack.SvcDeleteEvt{Status: status, Svc: svc})
	return nil
}

func containsChr(svc *ble.Service, chr *ble.Characteristic) bool {
	for _, c := range svc.Characteristics {
		if c == chr {
			return true
		}
	}
	return false
}

func (s *Stack) SetAdvData(data []byte) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if err := s.checkInit(); err != nil {
		return err
	}

	s.advData = append([]byte(nil), data...)
	s.post(&stack.AdvDataEvt{})
	return nil
}

func (s *Stack) SetRspData(data []byte) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if err := s.checkInit(); err != nil {
		return err
	}

	s.rspData = append([]byte(nil), data...)
	s.post(&stack.RspDataEvt{})
	return nil
}

// advContent extracts what the library can advertise from the raw payloads:
// the device name and the service UUIDs.
func (s *Stack) advContent() (string, []ble.UUID) {
	name := s.name
	uuids := []ble.UUID{}

	for _, data := range [][]byte{s.advData, s.rspData} {
		if len(data) == 0 {
			continue
		}
		pf, err := adv.ParseFields(data)
		if err != nil {
			log.Warnf("Unparseable advertising payload: %s", err.Error())
			continue
		}
		if pf.Name != nil {
			name = *pf.Name
		}
		for _, u := range pf.Uuids16 {
			uuids = append(uuids, ble.UUID16(uint16(u)))
		}
		for _, u := range pf.Uuids128 {
			r := u.Reversed()
			uuids = append(uuids, ble.UUID(r[:]))
		}
	}

	return name, uuids
}

func (s *Stack) StartAdv(p stack.AdvParams) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if err := s.checkInit(); err != nil {
		return err
	}

	if s.advStop != nil {
		s.post(&stack.AdvStartEvt{Status: stack.STATUS_EALREADY})
		return nil
	}

	name, uuids := s.advContent()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.advStop = cancel
	s.advDone = done

	d := s.d
	go func() {
		defer close(done)

		err := d.AdvertiseNameAndServices(ctx, name, uuids...)
		if err != nil && ctx.Err() == nil {
			log.Warnf("Advertising failed: %s", err.Error())
			s.post(&stack.ErrEvt{
				Status: stack.STATUS_EUNKNOWN,
				Text:   "advertising failed: " + err.Error(),
			})
		}
	}()

	s.post(&stack.AdvStartEvt{})
	return nil
}

// Caller must hold the lock.  The lock is released while waiting for the
// advertising goroutine.
func (s *Stack) stopAdvNoLock() bool {
	if s.advStop == nil {
		return false
	}

	cancel := s.advStop
	done := s.advDone
	s.advStop = nil
	s.advDone = nil

	cancel()
	s.mtx.Unlock()
	<-done
	s.mtx.Lock()

	return true
}

func (s *Stack) StopAdv() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if err := s.checkInit(); err != nil {
		return err
	}

	status := stack.STATUS_OK
	if !s.stopAdvNoLock() {
		status = stack.STATUS_EALREADY
	}

	s.post(&stack.AdvStopEvt{Status: status})
	return nil
}

func (s *Stack) SendRsp(iface stack.IfaceHandle, conn stack.ConnId,
	trans stack.TransId, status uint8, handle stack.AttrHandle,
	data []byte) error {

	s.mtx.Lock()
	ch := s.trans[trans]
	delete(s.trans, trans)
	s.mtx.Unlock()

	if ch == nil {
		// Writes are answered by the library; only reads wait.
		log.Debugf("No pending transaction %d; response dropped", trans)
		return nil
	}

	ch <- rspVal{status: status, data: append([]byte(nil), data...)}
	return nil
}

func (s *Stack) Notify(iface stack.IfaceHandle, conn stack.ConnId,
	handle stack.AttrHandle, data []byte, needConfirm bool) error {

	s.mtx.Lock()
	var n ble.Notifier
	for _, cr := range s.conns {
		if cr.id == conn {
			n = cr.notifiers[handle]
		}
	}
	s.mtx.Unlock()

	if n == nil {
		return gsutil.FmtInvalidStateError(
			"client not subscribed to handle %d", handle)
	}

	if _, err := n.Write(data); err != nil {
		return gsutil.NewXportError("notify failed: " + err.Error())
	}

	if needConfirm {
		s.post(&stack.ConfirmEvt{Conn: conn, Handle: handle})
	}
	return nil
}

// The library negotiates connection parameters itself.
func (s *Stack) UpdateConnParams(conn stack.ConnId, p stack.ConnParams) error {
	log.Debugf("Connection parameter update not supported; conn=%d", conn)
	return nil
}

func (s *Stack) Close() error {
	s.mtx.Lock()
	if s.d == nil {
		s.mtx.Unlock()
		return nil
	}

	s.stopAdvNoLock()
	d := s.d
	evtCh := s.evtCh
	s.d = nil
	close(s.closeCh)
	for t, ch := range s.trans {
		close(ch)
		delete(s.trans, t)
	}
	s.mtx.Unlock()

	s.q.stop()
	s.wg.Wait()

	// The sender has exited; the consumer sees the close even if the
	// device fails to stop.
	close(evtCh)

	if err := d.RemoveAllServices(); err != nil {
		log.Warnf("Failed to remove services: %s", err.Error())
	}
	if err := d.Stop(); err != nil {
		return gsutil.NewXportError("failed to stop device: " + err.Error())
	}

	return nil
}
