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
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/bitmans/blesrv/gattsrv/bledefs"
	"github.com/bitmans/blesrv/gattsrv/gatts"
	"github.com/bitmans/blesrv/gattsrv/gsutil"
	"github.com/bitmans/blesrv/gattsrv/sim"
	"github.com/bitmans/blesrv/gattsrv/stack"
)

const testWait = 2 * time.Second

// fakeDaemon is a scripted host daemon.  It answers every request with an
// accepting response followed by the matching acknowledgement event.
type fakeDaemon struct {
	t     *testing.T
	codec Codec

	mtx      sync.Mutex
	rxCb     RxFn
	errCb    ErrFn
	out      chan []byte
	done     chan struct{}
	reqs     []MsgType
	refuse   map[MsgType]int
	unsynced bool
	nextAttr int
	nextIf   int
	notifies []BhdNotifyReq
	started  bool
}

func newFakeDaemon(t *testing.T, c Codec) *fakeDaemon {
	return &fakeDaemon{
		t:        t,
		codec:    c,
		refuse:   map[MsgType]int{},
		nextAttr: 1,
	}
}

func (fd *fakeDaemon) Start(rxCb RxFn, errCb ErrFn) error {
	fd.mtx.Lock()
	defer fd.mtx.Unlock()

	fd.rxCb = rxCb
	fd.errCb = errCb
	fd.out = make(chan []byte, 64)
	fd.done = make(chan struct{})
	fd.started = true

	go func(out chan []byte, done chan struct{}) {
		for {
			select {
			case b := <-out:
				rxCb(b)
			case <-done:
				return
			}
		}
	}(fd.out, fd.done)

	return nil
}

func (fd *fakeDaemon) Stop() error {
	fd.mtx.Lock()
	defer fd.mtx.Unlock()

	if fd.started {
		close(fd.done)
		fd.started = false
	}
	return nil
}

func (fd *fakeDaemon) send(msg BhdMsg) {
	b, err := fd.codec.Encode(msg)
	if err != nil {
		fd.t.Errorf("fake daemon encode failed: %s", err.Error())
		return
	}
	fd.out <- b
}

func (fd *fakeDaemon) requests() []MsgType {
	fd.mtx.Lock()
	defer fd.mtx.Unlock()

	return append([]MsgType(nil), fd.reqs...)
}

func (fd *fakeDaemon) count(typ MsgType) int {
	n := 0
	for _, r := range fd.requests() {
		if r == typ {
			n++
		}
	}
	return n
}

func (fd *fakeDaemon) Tx(data []byte) error {
	hdr := BhdHdr{}
	if err := fd.codec.Decode(data, &hdr); err != nil {
		fd.t.Errorf("fake daemon got undecodable frame: %s", err.Error())
		return nil
	}

	fd.mtx.Lock()
	defer fd.mtx.Unlock()

	fd.reqs = append(fd.reqs, hdr.Type)

	if hdr.Type == MSG_TYPE_SYNC {
		fd.send(&BhdSyncRsp{Op: MSG_OP_RSP, Type: MSG_TYPE_SYNC,
			Seq: hdr.Seq, Synced: !fd.unsynced})
		if fd.unsynced {
			fd.send(&BhdSyncEvt{Op: MSG_OP_EVT, Type: MSG_TYPE_SYNC_EVT,
				Seq: BHD_SEQ_NONE, Synced: true})
		}
		return nil
	}

	status := fd.refuse[hdr.Type]
	fd.send(&BhdRsp{Op: MSG_OP_RSP, Type: hdr.Type, Seq: hdr.Seq,
		Status: status})
	if status != 0 {
		return nil
	}

	evt := func(typ MsgType) (MsgOp, MsgType, BhdSeq) {
		return MSG_OP_EVT, typ, BHD_SEQ_NONE
	}

	switch hdr.Type {
	case MSG_TYPE_REGISTER_APP:
		var req BhdRegisterAppReq
		fd.codec.Decode(data, &req)
		op, typ, seq := evt(MSG_TYPE_APP_REG_EVT)
		fd.send(&BhdAppRegEvt{Op: op, Type: typ, Seq: seq,
			AppId: req.AppId, Iface: 3 + fd.nextIf})
		fd.nextIf++

	case MSG_TYPE_UNREGISTER_APP:
		var req BhdUnregisterAppReq
		fd.codec.Decode(data, &req)
		op, typ, seq := evt(MSG_TYPE_APP_UNREG_EVT)
		fd.send(&BhdAppUnregEvt{Op: op, Type: typ, Seq: seq,
			Iface: req.Iface})

	case MSG_TYPE_CREATE_SVC:
		var req BhdCreateSvcReq
		fd.codec.Decode(data, &req)
		op, typ, seq := evt(MSG_TYPE_SVC_CREATE_EVT)
		fd.send(&BhdSvcCreateEvt{Op: op, Type: typ, Seq: seq,
			Iface: req.Iface, Uuid: req.Uuid, SvcHandle: fd.nextAttr})
		fd.nextAttr++

	case MSG_TYPE_ADD_CHR:
		var req BhdAddChrReq
		fd.codec.Decode(data, &req)
		op, typ, seq := evt(MSG_TYPE_CHR_ADD_EVT)
		fd.send(&BhdAttrAddEvt{Op: op, Type: typ, Seq: seq,
			SvcHandle: req.SvcHandle, Uuid: req.Uuid,
			AttrHandle: fd.nextAttr})
		fd.nextAttr++

	case MSG_TYPE_ADD_DSC:
		var req BhdAddDscReq
		fd.codec.Decode(data, &req)
		op, typ, seq := evt(MSG_TYPE_DSC_ADD_EVT)
		fd.send(&BhdAttrAddEvt{Op: op, Type: typ, Seq: seq,
			SvcHandle: req.SvcHandle, Uuid: req.Uuid,
			AttrHandle: fd.nextAttr})
		fd.nextAttr++

	case MSG_TYPE_START_SVC, MSG_TYPE_STOP_SVC, MSG_TYPE_DELETE_SVC:
		var req BhdSvcReq
		fd.codec.Decode(data, &req)
		evtType := map[MsgType]MsgType{
			MSG_TYPE_START_SVC:  MSG_TYPE_SVC_START_EVT,
			MSG_TYPE_STOP_SVC:   MSG_TYPE_SVC_STOP_EVT,
			MSG_TYPE_DELETE_SVC: MSG_TYPE_SVC_DELETE_EVT,
		}[hdr.Type]
		op, typ, seq := evt(evtType)
		fd.send(&BhdSvcEvt{Op: op, Type: typ, Seq: seq,
			SvcHandle: req.SvcHandle})

	case MSG_TYPE_ADV_SET_DATA, MSG_TYPE_ADV_RSP_SET_DATA,
		MSG_TYPE_ADV_START, MSG_TYPE_ADV_STOP:

		evtType := map[MsgType]MsgType{
			MSG_TYPE_ADV_SET_DATA:     MSG_TYPE_ADV_DATA_EVT,
			MSG_TYPE_ADV_RSP_SET_DATA: MSG_TYPE_RSP_DATA_EVT,
			MSG_TYPE_ADV_START:        MSG_TYPE_ADV_START_EVT,
			MSG_TYPE_ADV_STOP:         MSG_TYPE_ADV_STOP_EVT,
		}[hdr.Type]
		op, typ, seq := evt(evtType)
		fd.send(&BhdAdvEvt{Op: op, Type: typ, Seq: seq})

	case MSG_TYPE_NOTIFY:
		var req BhdNotifyReq
		fd.codec.Decode(data, &req)
		fd.notifies = append(fd.notifies, req)
	}

	return nil
}

func (fd *fakeDaemon) inject(msg BhdMsg) {
	fd.mtx.Lock()
	defer fd.mtx.Unlock()

	fd.send(msg)
}

func (fd *fakeDaemon) fail(err error) {
	fd.mtx.Lock()
	cb := fd.errCb
	fd.mtx.Unlock()

	cb(err)
}

func testHostCfg(c Codec) HostCfg {
	cfg := NewHostCfg()
	cfg.Codec = c
	cfg.SyncTimeout = testWait
	cfg.RspTimeout = testWait
	return cfg
}

func batteryDef() gatts.ServiceDef {
	return gatts.ServiceDef{
		Uuid:  bledefs.NewUuid16(bledefs.BLE_UUID16_SVC_BATTERY),
		Name:  "battery",
		AppId: 0,
		Chrs: []gatts.ChrDef{
			{
				Uuid:    bledefs.NewUuid16(bledefs.BLE_UUID16_CHR_BATT_LVL),
				Name:    "level",
				Flags:   bledefs.BLE_GATT_F_READ | bledefs.BLE_GATT_F_NOTIFY,
				Perms:   bledefs.BLE_ATT_F_READ,
				AddCccd: true,
				InitVal: []byte{100},
			},
		},
		AutoStart:    true,
		IncludeInAdv: true,
	}
}

func provision(t *testing.T, c Codec) (*gatts.Server, *fakeDaemon) {
	t.Helper()

	fd := newFakeDaemon(t, c)
	host := NewHost(fd, testHostCfg(c))

	cfg := gatts.NewConfig()
	cfg.OperationTimeout = testWait
	s := gatts.NewServer(host, cfg)

	if err := s.Init(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddService(batteryDef()); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}

	if !sim.WaitFor(testWait, func() bool {
		return s.State() == gatts.STATE_ADVERTISING
	}) {
		t.Fatalf("server did not reach advertising; state=%s", s.State())
	}

	return s, fd
}

func TestProvisionOverHost(t *testing.T) {
	for _, c := range []Codec{JsonCodec{}, CborCodec{}} {
		t.Run(c.Name(), func(t *testing.T) {
			s, fd := provision(t, c)

			exp := []MsgType{
				MSG_TYPE_SYNC,
				MSG_TYPE_INIT,
				MSG_TYPE_REGISTER_APP,
				MSG_TYPE_CREATE_SVC,
				MSG_TYPE_ADD_CHR,
				MSG_TYPE_ADD_DSC,
				MSG_TYPE_START_SVC,
				MSG_TYPE_ADV_SET_DATA,
				MSG_TYPE_ADV_RSP_SET_DATA,
				MSG_TYPE_ADV_START,
			}
			reqs := fd.requests()
			if len(reqs) != len(exp) {
				t.Fatalf("wrong request sequence: have=%v want=%v", reqs, exp)
			}
			for i := range exp {
				if reqs[i] != exp[i] {
					t.Fatalf("wrong request %d: have=%s want=%s",
						i, MsgTypeToString(reqs[i]), MsgTypeToString(exp[i]))
				}
			}

			ci, ok := s.ChrByName("battery", "level")
			if !ok || ci.Handle == 0 || ci.CccdHandle == 0 {
				t.Fatalf("characteristic not registered: %+v", ci)
			}

			if err := s.Stop(testWait); err != nil {
				t.Fatal(err)
			}
			if n := fd.count(MSG_TYPE_DELETE_SVC); n != 1 {
				t.Fatalf("expected 1 delete; got %d", n)
			}
			if n := fd.count(MSG_TYPE_UNREGISTER_APP); n != 1 {
				t.Fatalf("expected 1 unregister; got %d", n)
			}
			s.Deinit()
		})
	}
}

func TestRefusedRequestBecomesAck(t *testing.T) {
	c := JsonCodec{}
	fd := newFakeDaemon(t, c)
	fd.refuse[MSG_TYPE_CREATE_SVC] = int(stack.STATUS_ENOMEM)

	host := NewHost(fd, testHostCfg(c))
	cfg := gatts.NewConfig()
	cfg.OperationTimeout = testWait
	s := gatts.NewServer(host, cfg)
	defer s.Deinit()

	if err := s.Init(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddService(batteryDef()); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}

	if !sim.WaitFor(testWait, func() bool {
		return s.State() == gatts.STATE_ERROR
	}) {
		t.Fatalf("server did not enter error; state=%s", s.State())
	}

	ei := s.LastError()
	if ei.Kind != gatts.ERR_KIND_SERVICE_CREATE_FAILED ||
		ei.Status != stack.STATUS_ENOMEM {

		t.Fatalf("wrong error: %+v", ei)
	}
}

func TestHostWaitsForSync(t *testing.T) {
	c := CborCodec{}
	fd := newFakeDaemon(t, c)
	fd.unsynced = true

	host := NewHost(fd, testHostCfg(c))
	if err := host.Init(stack.InitCfg{DeviceName: "x"}); err != nil {
		t.Fatal(err)
	}
	defer host.Close()

	if n := fd.count(MSG_TYPE_INIT); n != 1 {
		t.Fatalf("init request not sent after sync")
	}
}

func TestHostEvents(t *testing.T) {
	s, fd := provision(t, JsonCodec{})
	defer s.Deinit()

	ci, _ := s.ChrByName("battery", "level")

	fd.inject(&BhdConnectEvt{
		Op:         MSG_OP_EVT,
		Type:       MSG_TYPE_CONNECT_EVT,
		Seq:        BHD_SEQ_NONE,
		ConnHandle: 1,
		PeerAddr:   "01:02:03:04:05:06",
	})
	if !sim.WaitFor(testWait, s.IsConnected) {
		t.Fatalf("connect not delivered")
	}
	if ci, ok := s.ConnInfo(); !ok || ci.Peer.String() != "01:02:03:04:05:06" {
		t.Fatalf("wrong connection info: %+v", ci)
	}

	fd.inject(&BhdWriteEvt{
		Op:         MSG_OP_EVT,
		Type:       MSG_TYPE_WRITE_EVT,
		Seq:        BHD_SEQ_NONE,
		ConnHandle: 1,
		TransId:    9,
		AttrHandle: int(ci.CccdHandle),
		Data:       BhdBytes{0x01, 0x00},
		NeedRsp:    true,
	})
	if !sim.WaitFor(testWait, func() bool {
		ci, _ := s.ChrByName("battery", "level")
		return ci.Notify
	}) {
		t.Fatalf("notifications not enabled")
	}

	if err := s.SendNotification(ci.Handle, []byte{42}); err != nil {
		t.Fatal(err)
	}
	if !sim.WaitFor(testWait, func() bool {
		fd.mtx.Lock()
		defer fd.mtx.Unlock()
		return len(fd.notifies) == 1
	}) {
		t.Fatalf("notification not sent")
	}
	fd.mtx.Lock()
	n := fd.notifies[0]
	fd.mtx.Unlock()
	if n.AttrHandle != int(ci.Handle) || !bytes.Equal(n.Data, []byte{42}) {
		t.Fatalf("wrong notification: %+v", n)
	}
}

func TestXportFailure(t *testing.T) {
	s, fd := provision(t, JsonCodec{})
	defer s.Deinit()

	fd.fail(gsutil.NewXportError("link lost"))
	if !sim.WaitFor(testWait, func() bool {
		return s.State() == gatts.STATE_ERROR
	}) {
		t.Fatalf("transport failure not reported; state=%s", s.State())
	}
	if s.LastError().Kind != gatts.ERR_KIND_INTERNAL {
		t.Fatalf("wrong error kind: %s", s.LastError().Kind)
	}
}
