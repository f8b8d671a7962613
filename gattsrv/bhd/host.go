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

// Package bhd is a stack backend that drives an external BLE host daemon.
// Requests, responses and events are exchanged as host protocol messages
// (JSON or CBOR) over a transport: a Unix socket to a child process, or a
// serial line.
//
// Every request is answered by a response carrying the same sequence
// number.  A response with a zero status only means the daemon accepted the
// request; the outcome arrives later as an event.  A refused request is
// turned into the failing acknowledgement the server is waiting for.
package bhd

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/bitmans/blesrv/gattsrv/bledefs"
	"github.com/bitmans/blesrv/gattsrv/gsutil"
	"github.com/bitmans/blesrv/gattsrv/stack"
)

type HostCfg struct {
	Codec Codec

	// How long to wait for the daemon to report host/controller sync.
	SyncTimeout time.Duration

	// How long to wait for the response to a synchronous request.
	RspTimeout time.Duration

	EvtQueueSize int
}

func NewHostCfg() HostCfg {
	return HostCfg{
		Codec:        JsonCodec{},
		SyncTimeout:  10 * time.Second,
		RspTimeout:   5 * time.Second,
		EvtQueueSize: 32,
	}
}

// Builds the acknowledgement a refused request stands in for.
type failFn func(status stack.Status) stack.Event

// Implements stack.Stack.
type Host struct {
	cfg   HostCfg
	xport Xport
	d     *Dispatcher

	mtx      sync.Mutex
	evtCh    chan stack.Event
	stopChan chan struct{}
	wg       sync.WaitGroup
	started  bool
	failed   bool
	pending  map[BhdSeq]failFn
}

func NewHost(x Xport, cfg HostCfg) *Host {
	if cfg.Codec == nil {
		cfg.Codec = JsonCodec{}
	}
	if cfg.EvtQueueSize <= 0 {
		cfg.EvtQueueSize = 32
	}

	return &Host{
		cfg:     cfg,
		xport:   x,
		d:       NewDispatcher(cfg.Codec),
		pending: map[BhdSeq]failFn{},
	}
}

func (h *Host) Events() <-chan stack.Event {
	h.mtx.Lock()
	defer h.mtx.Unlock()

	return h.evtCh
}

func (h *Host) Init(cfg stack.InitCfg) error {
	h.mtx.Lock()
	if h.started {
		h.mtx.Unlock()
		return gsutil.NewAlreadyError("host already initialized")
	}
	h.evtCh = make(chan stack.Event, h.cfg.EvtQueueSize)
	h.stopChan = make(chan struct{})
	h.pending = map[BhdSeq]failFn{}
	h.failed = false
	h.started = true
	h.mtx.Unlock()

	if err := h.xport.Start(h.d.Dispatch, h.onError); err != nil {
		h.shutdown()
		return err
	}

	if err := h.waitSync(); err != nil {
		h.shutdown()
		return err
	}

	dflt := NewListener()
	dflt.MsgChan = make(chan BhdMsg, h.cfg.EvtQueueSize)
	h.d.SetDefaultListener(dflt)

	h.wg.Add(1)
	go h.eventLoop(dflt, h.evtCh, h.stopChan)

	seq := BhdSeq(gsutil.NextSeq())
	req := &BhdInitReq{
		Op:         MSG_OP_REQ,
		Type:       MSG_TYPE_INIT,
		Seq:        seq,
		Name:       cfg.DeviceName,
		Appearance: int(cfg.Appearance),
	}
	if err := h.txSync(seq, req); err != nil {
		h.shutdown()
		return errors.Wrapf(err, "host init failed")
	}

	log.Debugf("bhd host initialized; name=\"%s\" codec=%s",
		cfg.DeviceName, h.cfg.Codec.Name())
	return nil
}

// waitSync queries the daemon's sync state and, if it is not synced yet,
// waits for the sync event.
func (h *Host) waitSync() error {
	evtl := NewListener()
	if err := h.d.AddTypeListener(MSG_OP_EVT, MSG_TYPE_SYNC_EVT,
		evtl); err != nil {

		return err
	}
	defer h.d.RemoveTypeListener(MSG_OP_EVT, MSG_TYPE_SYNC_EVT)

	seq := BhdSeq(gsutil.NextSeq())
	req := &BhdSyncReq{
		Op:   MSG_OP_REQ,
		Type: MSG_TYPE_SYNC,
		Seq:  seq,
	}

	rspl := NewListener()
	if err := h.d.AddSeqListener(seq, rspl); err != nil {
		return err
	}
	defer h.d.RemoveSeqListener(seq)

	if err := h.tx(req); err != nil {
		return err
	}

	tmoChan := rspl.AfterTimeout(h.cfg.SyncTimeout)
	for {
		select {
		case err := <-rspl.ErrChan:
			return err
		case err := <-evtl.ErrChan:
			return err

		case bm := <-rspl.MsgChan:
			switch msg := bm.(type) {
			case *BhdSyncRsp:
				if msg.Synced {
					rspl.Acked = true
					return nil
				}
			case *BhdErrRsp:
				return gsutil.FmtStackError(msg.Status,
					"sync query failed: %s", msg.Msg)
			}

		case bm := <-evtl.MsgChan:
			if msg, ok := bm.(*BhdSyncEvt); ok && msg.Synced {
				rspl.Acked = true
				return nil
			}

		case <-tmoChan:
			return gsutil.NewXportError(
				"Timeout waiting for host <-> controller sync")
		}
	}
}

// txSync transmits a request and waits for its response.
func (h *Host) txSync(seq BhdSeq, req BhdMsg) error {
	bl := NewListener()
	if err := h.d.AddSeqListener(seq, bl); err != nil {
		return err
	}
	defer h.d.RemoveSeqListener(seq)

	if err := h.tx(req); err != nil {
		return err
	}

	select {
	case err := <-bl.ErrChan:
		return err
	case bm := <-bl.MsgChan:
		switch msg := bm.(type) {
		case *BhdRsp:
			if msg.Status != 0 {
				return gsutil.FmtStackError(msg.Status,
					"%s refused; status=%s", MsgTypeToString(msg.Type),
					stack.Status(msg.Status))
			}
			return nil
		case *BhdErrRsp:
			return gsutil.FmtStackError(msg.Status, "%s", msg.Msg)
		default:
			return fmt.Errorf("unexpected response: %T", bm)
		}
	case <-bl.AfterTimeout(h.cfg.RspTimeout):
		return gsutil.FmtTimeoutError("no response for seq=%d", seq)
	}
}

func (h *Host) tx(msg BhdMsg) error {
	data, err := h.cfg.Codec.Encode(msg)
	if err != nil {
		return errors.Wrapf(err, "failed to encode %T", msg)
	}

	return h.xport.Tx(data)
}

// txAsync transmits a queued request.  fail, if not nil, builds the
// acknowledgement to report should the daemon refuse the request.
func (h *Host) txAsync(seq BhdSeq, msg BhdMsg, fail failFn) error {
	h.mtx.Lock()
	if !h.started || h.failed {
		h.mtx.Unlock()
		return gsutil.NewXportError("host not running")
	}
	h.pending[seq] = fail
	h.mtx.Unlock()

	if err := h.tx(msg); err != nil {
		h.mtx.Lock()
		delete(h.pending, seq)
		h.mtx.Unlock()
		return err
	}

	return nil
}

func (h *Host) onError(err error) {
	log.Errorf("bhd transport failure: %s", err.Error())

	h.mtx.Lock()
	if h.failed || !h.started {
		h.mtx.Unlock()
		return
	}
	h.failed = true
	evtCh := h.evtCh
	stopChan := h.stopChan
	h.mtx.Unlock()

	h.d.ErrorAll(err)

	select {
	case evtCh <- &stack.ErrEvt{
		Status: stack.STATUS_ENOTCONN,
		Text:   err.Error(),
	}:
	case <-stopChan:
	}
}

func (h *Host) post(evtCh chan stack.Event, stopChan chan struct{},
	evt stack.Event) bool {

	select {
	case evtCh <- evt:
		return true
	case <-stopChan:
		return false
	}
}

func (h *Host) eventLoop(bl *Listener, evtCh chan stack.Event,
	stopChan chan struct{}) {

	defer h.wg.Done()

	for {
		select {
		case <-stopChan:
			return

		case <-bl.ErrChan:
			// Already reported by onError.
			return

		case bm := <-bl.MsgChan:
			evt := h.translate(bm)
			if evt == nil {
				continue
			}
			if !h.post(evtCh, stopChan, evt) {
				return
			}
		}
	}
}

func toUuid(s string) bledefs.BleUuid {
	u, err := bledefs.ParseUuid(s)
	if err != nil {
		log.Warnf("Host sent invalid UUID: %s", s)
	}
	return u
}

func toAddr(s string) bledefs.BleAddr {
	a, err := bledefs.ParseBleAddr(s)
	if err != nil {
		log.Warnf("Host sent invalid address: %s", s)
	}
	return a
}

// onRsp handles the immediate response to a queued request.
func (h *Host) onRsp(seq BhdSeq, typ MsgType, status int) stack.Event {
	h.mtx.Lock()
	fail, ok := h.pending[seq]
	delete(h.pending, seq)
	h.mtx.Unlock()

	if !ok {
		log.Debugf("Response for unknown request; seq=%d type=%s",
			seq, MsgTypeToString(typ))
		return nil
	}
	if status == 0 {
		return nil
	}

	log.Debugf("Host refused %s; seq=%d status=%s",
		MsgTypeToString(typ), seq, stack.Status(status))
	if fail == nil {
		log.Warnf("Host refused %s: %s", MsgTypeToString(typ),
			stack.Status(status))
		return nil
	}

	return fail(stack.Status(status))
}

// translate converts a host message to the stack event it represents, or
// nil if there is none.
func (h *Host) translate(bm BhdMsg) stack.Event {
	switch msg := bm.(type) {
	case *BhdRsp:
		return h.onRsp(msg.Seq, msg.Type, msg.Status)
	case *BhdErrRsp:
		if msg.Msg != "" {
			log.Warnf("Host error response: %s", msg.Msg)
		}
		return h.onRsp(msg.Seq, msg.Type, msg.Status)

	case *BhdSyncEvt:
		if !msg.Synced {
			return &stack.ErrEvt{
				Status: stack.STATUS_ENOTCONN,
				Text:   "BLE host <-> controller sync lost",
			}
		}
		return nil

	case *BhdResetEvt:
		return &stack.ErrEvt{
			Status: stack.STATUS_EUNKNOWN,
			Text:   fmt.Sprintf("BLE host reset; reason=%d", msg.Reason),
		}

	case *BhdAppRegEvt:
		return &stack.AppRegEvt{
			Status: stack.Status(msg.Status),
			App:    stack.AppId(msg.AppId),
			Iface:  stack.IfaceHandle(msg.Iface),
		}

	case *BhdAppUnregEvt:
		return &stack.AppUnregEvt{
			Status: stack.Status(msg.Status),
			Iface:  stack.IfaceHandle(msg.Iface),
		}

	case *BhdSvcCreateEvt:
		return &stack.SvcCreateEvt{
			Status: stack.Status(msg.Status),
			Iface:  stack.IfaceHandle(msg.Iface),
			Uuid:   toUuid(msg.Uuid),
			Handle: stack.AttrHandle(msg.SvcHandle),
		}

	case *BhdAttrAddEvt:
		if msg.Type == MSG_TYPE_DSC_ADD_EVT {
			return &stack.DscAddEvt{
				Status: stack.Status(msg.Status),
				Svc:    stack.AttrHandle(msg.SvcHandle),
				Uuid:   toUuid(msg.Uuid),
				Handle: stack.AttrHandle(msg.AttrHandle),
			}
		}
		return &stack.ChrAddEvt{
			Status: stack.Status(msg.Status),
			Svc:    stack.AttrHandle(msg.SvcHandle),
			Uuid:   toUuid(msg.Uuid),
			Handle: stack.AttrHandle(msg.AttrHandle),
		}

	case *BhdSvcEvt:
		status := stack.Status(msg.Status)
		svc := stack.AttrHandle(msg.SvcHandle)
		switch msg.Type {
		case MSG_TYPE_SVC_START_EVT:
			return &stack.SvcStartEvt{Status: status, Svc: svc}
		case MSG_TYPE_SVC_STOP_EVT:
			return &stack.SvcStopEvt{Status: status, Svc: svc}
		default:
			return &stack.SvcDeleteEvt{Status: status, Svc: svc}
		}

	case *BhdAdvEvt:
		status := stack.Status(msg.Status)
		switch msg.Type {
		case MSG_TYPE_ADV_DATA_EVT:
			return &stack.AdvDataEvt{Status: status}
		case MSG_TYPE_RSP_DATA_EVT:
			return &stack.RspDataEvt{Status: status}
		case MSG_TYPE_ADV_START_EVT:
			return &stack.AdvStartEvt{Status: status}
		default:
			return &stack.AdvStopEvt{Status: status}
		}

	case *BhdConnectEvt:
		return &stack.ConnectEvt{
			Conn: stack.ConnId(msg.ConnHandle),
			Peer: toAddr(msg.PeerAddr),
		}

	case *BhdDisconnectEvt:
		return &stack.DisconnectEvt{
			Conn:   stack.ConnId(msg.ConnHandle),
			Peer:   toAddr(msg.PeerAddr),
			Reason: msg.Reason,
		}

	case *BhdReadEvt:
		return &stack.ReadEvt{
			Conn:   stack.ConnId(msg.ConnHandle),
			Trans:  stack.TransId(msg.TransId),
			Handle: stack.AttrHandle(msg.AttrHandle),
			Offset: msg.Offset,
			IsLong: msg.IsLong,
		}

	case *BhdWriteEvt:
		return &stack.WriteEvt{
			Conn:    stack.ConnId(msg.ConnHandle),
			Trans:   stack.TransId(msg.TransId),
			Handle:  stack.AttrHandle(msg.AttrHandle),
			Offset:  msg.Offset,
			Value:   []byte(msg.Data),
			NeedRsp: msg.NeedRsp,
			IsPrep:  msg.IsPrep,
		}

	case *BhdConfirmEvt:
		return &stack.ConfirmEvt{
			Conn:   stack.ConnId(msg.ConnHandle),
			Handle: stack.AttrHandle(msg.AttrHandle),
			Status: stack.Status(msg.Status),
		}

	default:
		log.Debugf("Ignoring host message: %T", bm)
		return nil
	}
}

func (h *Host) RegisterApp(app stack.AppId) error {
	seq := BhdSeq(gsutil.NextSeq())
	req := &BhdRegisterAppReq{
		Op:    MSG_OP_REQ,
		Type:  MSG_TYPE_REGISTER_APP,
		Seq:   seq,
		AppId: int(app),
	}

	return h.txAsync(seq, req, func(st stack.Status) stack.Event {
		return &stack.AppRegEvt{
			Status: st,
			App:    app,
			Iface:  stack.IFACE_NONE,
		}
	})
}

func (h *Host) UnregisterApp(iface stack.IfaceHandle) error {
	seq := BhdSeq(gsutil.NextSeq())
	req := &BhdUnregisterAppReq{
		Op:    MSG_OP_REQ,
		Type:  MSG_TYPE_UNREGISTER_APP,
		Seq:   seq,
		Iface: int(iface),
	}

	return h.txAsync(seq, req, func(st stack.Status) stack.Event {
		return &stack.AppUnregEvt{Status: st, Iface: iface}
	})
}

func (h *Host) CreateService(iface stack.IfaceHandle, uuid bledefs.BleUuid,
	numHandles int) error {

	seq := BhdSeq(gsutil.NextSeq())
	req := &BhdCreateSvcReq{
		Op:         MSG_OP_REQ,
		Type:       MSG_TYPE_CREATE_SVC,
		Seq:        seq,
		Iface:      int(iface),
		Uuid:       uuid.String(),
		NumHandles: numHandles,
	}

	return h.txAsync(seq, req, func(st stack.Status) stack.Event {
		return &stack.SvcCreateEvt{Status: st, Iface: iface, Uuid: uuid}
	})
}

func (h *Host) AddChr(iface stack.IfaceHandle, svc stack.AttrHandle,
	p stack.ChrParams) error {

	seq := BhdSeq(gsutil.NextSeq())
	req := &BhdAddChrReq{
		Op:        MSG_OP_REQ,
		Type:      MSG_TYPE_ADD_CHR,
		Seq:       seq,
		Iface:     int(iface),
		SvcHandle: int(svc),
		Uuid:      p.Uuid.String(),
		Perms:     int(p.Perms),
		Props:     int(p.Props),
		MaxLen:    p.MaxLen,
		Val:       BhdBytes(p.Val),
	}

	return h.txAsync(seq, req, func(st stack.Status) stack.Event {
		return &stack.ChrAddEvt{Status: st, Svc: svc, Uuid: p.Uuid}
	})
}

func (h *Host) AddDsc(iface stack.IfaceHandle, svc stack.AttrHandle,
	p stack.DscParams) error {

	seq := BhdSeq(gsutil.NextSeq())
	req := &BhdAddDscReq{
		Op:        MSG_OP_REQ,
		Type:      MSG_TYPE_ADD_DSC,
		Seq:       seq,
		Iface:     int(iface),
		SvcHandle: int(svc),
		ChrHandle: int(p.ChrHandle),
		Uuid:      p.Uuid.String(),
		Perms:     int(p.Perms),
	}

	return h.txAsync(seq, req, func(st stack.Status) stack.Event {
		return &stack.DscAddEvt{Status: st, Svc: svc, Uuid: p.Uuid}
	})
}

func (h *Host) svcReq(typ MsgType, svc stack.AttrHandle,
	fail failFn) error {

	seq := BhdSeq(gsutil.NextSeq())
	req := &BhdSvcReq{
		Op:        MSG_OP_REQ,
		Type:      typ,
		Seq:       seq,
		SvcHandle: int(svc),
	}

	return h.txAsync(seq, req, fail)
}

func (h *Host) StartService(svc stack.AttrHandle) error {
	return h.svcReq(MSG_TYPE_START_SVC, svc,
		func(st stack.Status) stack.Event {
			return &stack.SvcStartEvt{Status: st, Svc: svc}
		})
}

func (h *Host) StopService(svc stack.AttrHandle) error {
	return h.svcReq(MSG_TYPE_STOP_SVC, svc,
		func(st stack.Status) stack.Event {
			return &stack.SvcStopEvt{Status: st, Svc: svc}
		})
}

func (h *Host) DeleteService(svc stack.AttrHandle) error {
	return h.svcReq(MSG_TYPE_DELETE_SVC, svc,
		func(st stack.Status) stack.Event {
			return &stack.SvcDeleteEvt{Status: st, Svc: svc}
		})
}

func (h *Host) SetAdvData(data []byte) error {
	seq := BhdSeq(gsutil.NextSeq())
	req := &BhdAdvSetDataReq{
		Op:   MSG_OP_REQ,
		Type: MSG_TYPE_ADV_SET_DATA,
		Seq:  seq,
		Data: BhdBytes(data),
	}

	return h.txAsync(seq, req, func(st stack.Status) stack.Event {
		return &stack.AdvDataEvt{Status: st}
	})
}

func (h *Host) SetRspData(data []byte) error {
	seq := BhdSeq(gsutil.NextSeq())
	req := &BhdAdvSetDataReq{
		Op:   MSG_OP_REQ,
		Type: MSG_TYPE_ADV_RSP_SET_DATA,
		Seq:  seq,
		Data: BhdBytes(data),
	}

	return h.txAsync(seq, req, func(st stack.Status) stack.Event {
		return &stack.RspDataEvt{Status: st}
	})
}

func (h *Host) StartAdv(p stack.AdvParams) error {
	seq := BhdSeq(gsutil.NextSeq())
	req := &BhdAdvStartReq{
		Op:           MSG_OP_REQ,
		Type:         MSG_TYPE_ADV_START,
		Seq:          seq,
		OwnAddrType:  bledefs.BleAddrTypeToString(p.OwnAddrType),
		AdvType:      bledefs.BleAdvTypeToString(p.AdvType),
		ItvlMin:      int(p.ItvlMin),
		ItvlMax:      int(p.ItvlMax),
		ChannelMap:   int(p.ChannelMap),
		FilterPolicy: int(p.FilterPolicy),
	}

	return h.txAsync(seq, req, func(st stack.Status) stack.Event {
		return &stack.AdvStartEvt{Status: st}
	})
}

func (h *Host) StopAdv() error {
	seq := BhdSeq(gsutil.NextSeq())
	req := &BhdAdvStopReq{
		Op:   MSG_OP_REQ,
		Type: MSG_TYPE_ADV_STOP,
		Seq:  seq,
	}

	return h.txAsync(seq, req, func(st stack.Status) stack.Event {
		return &stack.AdvStopEvt{Status: st}
	})
}

func (h *Host) SendRsp(iface stack.IfaceHandle, conn stack.ConnId,
	trans stack.TransId, status uint8, handle stack.AttrHandle,
	data []byte) error {

	seq := BhdSeq(gsutil.NextSeq())
	req := &BhdSendRspReq{
		Op:         MSG_OP_REQ,
		Type:       MSG_TYPE_SEND_RSP,
		Seq:        seq,
		Iface:      int(iface),
		ConnHandle: int(conn),
		TransId:    int(trans),
		Status:     int(status),
		AttrHandle: int(handle),
		Data:       BhdBytes(data),
	}

	return h.txAsync(seq, req, nil)
}

func (h *Host) Notify(iface stack.IfaceHandle, conn stack.ConnId,
	handle stack.AttrHandle, data []byte, needConfirm bool) error {

	seq := BhdSeq(gsutil.NextSeq())
	req := &BhdNotifyReq{
		Op:         MSG_OP_REQ,
		Type:       MSG_TYPE_NOTIFY,
		Seq:        seq,
		Iface:      int(iface),
		ConnHandle: int(conn),
		AttrHandle: int(handle),
		Data:       BhdBytes(data),
		Indicate:   needConfirm,
	}

	var fail failFn
	if needConfirm {
		fail = func(st stack.Status) stack.Event {
			return &stack.ConfirmEvt{Conn: conn, Handle: handle, Status: st}
		}
	}

	return h.txAsync(seq, req, fail)
}

func (h *Host) UpdateConnParams(conn stack.ConnId,
	p stack.ConnParams) error {

	seq := BhdSeq(gsutil.NextSeq())
	req := &BhdConnUpdateReq{
		Op:                 MSG_OP_REQ,
		Type:               MSG_TYPE_CONN_UPDATE,
		Seq:                seq,
		ConnHandle:         int(conn),
		ItvlMin:            int(p.ItvlMin),
		ItvlMax:            int(p.ItvlMax),
		Latency:            int(p.Latency),
		SupervisionTimeout: int(p.SupervisionTmo),
	}

	return h.txAsync(seq, req, nil)
}

// shutdown stops the transport and the event goroutine, then closes the
// event channel.
func (h *Host) shutdown() {
	h.mtx.Lock()
	if !h.started {
		h.mtx.Unlock()
		return
	}
	h.started = false
	close(h.stopChan)
	h.mtx.Unlock()

	if err := h.xport.Stop(); err != nil {
		log.Warnf("Failed to stop host transport: %s", err.Error())
	}
	h.wg.Wait()
	h.d.ErrorAll(gsutil.NewXportError("host closed"))

	h.mtx.Lock()
	close(h.evtCh)
	h.pending = map[BhdSeq]failFn{}
	h.mtx.Unlock()
}

func (h *Host) Close() error {
	h.shutdown()
	return nil
}
