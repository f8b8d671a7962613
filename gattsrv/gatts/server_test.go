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
	"bytes"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bitmans/blesrv/gattsrv/adv"
	"github.com/bitmans/blesrv/gattsrv/bledefs"
	"github.com/bitmans/blesrv/gattsrv/gsutil"
	"github.com/bitmans/blesrv/gattsrv/sim"
	"github.com/bitmans/blesrv/gattsrv/stack"
)

const testWait = 2 * time.Second

var testPeer = bledefs.BleAddr{
	Bytes: [6]byte{0xc6, 0x05, 0x04, 0x03, 0x02, 0x01},
}

type evtRec struct {
	mtx      sync.Mutex
	evts     []Event
	periodic int
}

func (r *evtRec) OnEvent(evt Event) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	r.evts = append(r.evts, evt)
}

func (r *evtRec) OnPeriodic() {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	r.periodic++
}

func (r *evtRec) all() []Event {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	return append([]Event(nil), r.evts...)
}

func (r *evtRec) count(typ EventType) int {
	n := 0
	for _, e := range r.all() {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func (r *evtRec) last(typ EventType) (Event, bool) {
	evts := r.all()
	for i := len(evts) - 1; i >= 0; i-- {
		if evts[i].Type == typ {
			return evts[i], true
		}
	}
	return Event{}, false
}

func (r *evtRec) waitCount(t *testing.T, typ EventType, n int) {
	t.Helper()

	if !sim.WaitFor(testWait, func() bool { return r.count(typ) >= n }) {
		t.Fatalf("timed out waiting for %d %s event(s); got %d",
			n, typ, r.count(typ))
	}
}

func batteryDef() ServiceDef {
	return ServiceDef{
		Uuid:  bledefs.NewUuid16(bledefs.BLE_UUID16_SVC_BATTERY),
		Name:  "battery",
		AppId: 0,
		Chrs: []ChrDef{
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

// genDefs builds n services with m characteristics each.  Only the first
// characteristic of each service gets a CCCD.
func genDefs(n int, m int) []ServiceDef {
	defs := make([]ServiceDef, n)
	for i := 0; i < n; i++ {
		def := ServiceDef{
			Uuid:      bledefs.NewUuid16(bledefs.BleUuid16(0xff00 + i)),
			Name:      fmt.Sprintf("svc%d", i),
			AppId:     stack.AppId(i),
			AutoStart: true,
		}
		for j := 0; j < m; j++ {
			def.Chrs = append(def.Chrs, ChrDef{
				Uuid: bledefs.NewUuid16(
					bledefs.BleUuid16(0xfe00 + i*16 + j)),
				Name:    fmt.Sprintf("chr%d", j),
				Flags:   bledefs.BLE_GATT_F_READ | bledefs.BLE_GATT_F_WRITE,
				Perms:   bledefs.BLE_ATT_F_READ | bledefs.BLE_ATT_F_WRITE,
				AddCccd: j == 0,
			})
		}
		defs[i] = def
	}

	return defs
}

func testConfig() Config {
	cfg := NewConfig()
	cfg.DeviceName = "blesrv-test"
	cfg.OperationTimeout = testWait
	return cfg
}

func newTestServer(t *testing.T, cfg Config, defs ...ServiceDef) (
	*Server, *sim.Sim, *evtRec) {

	t.Helper()

	stk := sim.NewSim(cfg.EventQueueSize)
	s := NewServer(stk, cfg)
	rec := &evtRec{}
	s.SetHandler(rec)

	if err := s.Init(); err != nil {
		t.Fatalf("init failed: %s", err.Error())
	}
	for _, def := range defs {
		if _, err := s.AddService(def); err != nil {
			t.Fatalf("add service %s failed: %s", def.Name, err.Error())
		}
	}

	return s, stk, rec
}

func waitState(t *testing.T, s *Server, st State) {
	t.Helper()

	if !sim.WaitFor(testWait, func() bool { return s.State() == st }) {
		t.Fatalf("timed out waiting for state %s; state=%s",
			st, s.State())
	}
}

func provision(t *testing.T, defs ...ServiceDef) (
	*Server, *sim.Sim, *evtRec) {

	t.Helper()

	s, stk, rec := newTestServer(t, testConfig(), defs...)
	if err := s.Start(); err != nil {
		t.Fatalf("start failed: %s", err.Error())
	}
	waitState(t, s, STATE_ADVERTISING)
	rec.waitCount(t, EVT_SERVER_READY, 1)

	return s, stk, rec
}

func connect(t *testing.T, s *Server, stk *sim.Sim, rec *evtRec,
	conn stack.ConnId) {

	t.Helper()

	n := rec.count(EVT_CLIENT_CONNECTED)
	stk.Connect(conn, testPeer)
	rec.waitCount(t, EVT_CLIENT_CONNECTED, n+1)
	waitState(t, s, STATE_CONNECTED)
}

func TestBatteryProvisioning(t *testing.T) {
	s, stk, rec := provision(t, batteryDef())
	defer s.Deinit()

	expOps := []string{
		sim.OP_INIT,
		sim.OP_REGISTER_APP,
		sim.OP_CREATE_SERVICE,
		sim.OP_ADD_CHR,
		sim.OP_ADD_DSC,
		sim.OP_START_SERVICE,
		sim.OP_SET_ADV_DATA,
		sim.OP_SET_RSP_DATA,
		sim.OP_START_ADV,
	}
	ops := stk.Ops()
	if len(ops) != len(expOps) {
		t.Fatalf("wrong request sequence: have=%v want=%v", ops, expOps)
	}
	for i := range ops {
		if ops[i] != expOps[i] {
			t.Fatalf("wrong request %d: have=%s want=%s; all=%v",
				i, ops[i], expOps[i], ops)
		}
	}

	if n := rec.count(EVT_SERVER_READY); n != 1 {
		t.Fatalf("expected 1 server-ready event; got %d", n)
	}
	if n := rec.count(EVT_SERVICE_READY); n != 1 {
		t.Fatalf("expected 1 service-ready event; got %d", n)
	}
	if n := rec.count(EVT_ERROR); n != 0 {
		t.Fatalf("unexpected error events: %d", n)
	}

	info, ok := s.ServiceByName("battery")
	if !ok {
		t.Fatalf("battery service not found")
	}
	if info.State != SVC_STATE_STARTED {
		t.Fatalf("wrong service state: %s", info.State)
	}
	if len(info.Chrs) != 1 || info.Chrs[0].Handle == 0 ||
		info.Chrs[0].CccdHandle == 0 {

		t.Fatalf("characteristic handles not assigned: %+v", info.Chrs)
	}

	// Create request sized for the declaration plus two per characteristic.
	for _, r := range stk.Requests() {
		if r.Op == sim.OP_CREATE_SERVICE && r.Num != 3 {
			t.Fatalf("wrong handle budget: %d", r.Num)
		}
	}

	f, err := adv.ParseFields(stk.AdvData)
	if err != nil {
		t.Fatalf("bad adv data: %s", err.Error())
	}
	if len(f.Uuids128) != 1 ||
		f.Uuids128[0] != bledefs.NewUuid16(
			bledefs.BLE_UUID16_SVC_BATTERY).To128() {

		t.Fatalf("battery UUID not advertised: %+v", f.Uuids128)
	}

	rsp, err := adv.ParseFields(stk.RspData)
	if err != nil {
		t.Fatalf("bad scan response: %s", err.Error())
	}
	if rsp.Name == nil || *rsp.Name != "blesrv-test" {
		t.Fatalf("device name missing from scan response")
	}

	if !stk.Advertising() || !s.IsAdvertising() {
		t.Fatalf("not advertising")
	}
}

func TestPhaseOrder(t *testing.T) {
	s, stk, _ := provision(t, genDefs(3, 2)...)
	defer s.Deinit()

	rank := map[string]int{
		sim.OP_INIT:           0,
		sim.OP_REGISTER_APP:   1,
		sim.OP_CREATE_SERVICE: 2,
		sim.OP_ADD_CHR:        3,
		sim.OP_ADD_DSC:        4,
		sim.OP_START_SERVICE:  5,
		sim.OP_SET_ADV_DATA:   6,
		sim.OP_SET_RSP_DATA:   7,
		sim.OP_START_ADV:      8,
	}

	prev := -1
	for _, op := range stk.Ops() {
		r, ok := rank[op]
		if !ok {
			t.Fatalf("unexpected request during setup: %s", op)
		}
		if r < prev {
			t.Fatalf("request %s issued out of phase order: %v",
				op, stk.Ops())
		}
		prev = r
	}
}

func TestRequestCounts(t *testing.T) {
	tests := []struct {
		n int
		m int
	}{
		{1, 1},
		{2, 3},
		{4, 2},
	}

	for _, tst := range tests {
		s, stk, _ := provision(t, genDefs(tst.n, tst.m)...)

		exp := map[string]int{
			sim.OP_REGISTER_APP:   tst.n,
			sim.OP_CREATE_SERVICE: tst.n,
			sim.OP_ADD_CHR:        tst.n * tst.m,
			sim.OP_ADD_DSC:        tst.n,
			sim.OP_START_SERVICE:  tst.n,
			sim.OP_START_ADV:      1,
		}
		for op, want := range exp {
			if have := stk.Count(op); have != want {
				t.Fatalf("n=%d m=%d: wrong %s count: have=%d want=%d",
					tst.n, tst.m, op, have, want)
			}
		}

		s.Deinit()
	}
}

func TestAutoStartSkipped(t *testing.T) {
	defs := genDefs(3, 1)
	defs[1].AutoStart = false

	s, stk, _ := provision(t, defs...)
	defer s.Deinit()

	if n := stk.Count(sim.OP_START_SERVICE); n != 2 {
		t.Fatalf("expected 2 start requests; got %d", n)
	}

	info, _ := s.ServiceByName("svc1")
	if info.State != SVC_STATE_DESCRIPTORS_ADDED {
		t.Fatalf("unstarted service in wrong state: %s", info.State)
	}
}

func TestCreateFailure(t *testing.T) {
	s, stk, rec := newTestServer(t, testConfig(), genDefs(2, 1)...)
	defer s.Deinit()

	stk.FailOn(sim.OP_CREATE_SERVICE, stack.STATUS_ENOMEM)
	if err := s.Start(); err != nil {
		t.Fatalf("start failed: %s", err.Error())
	}

	waitState(t, s, STATE_ERROR)
	rec.waitCount(t, EVT_ERROR, 1)

	// Nothing further may trickle in.
	time.Sleep(50 * time.Millisecond)
	if n := rec.count(EVT_ERROR); n != 1 {
		t.Fatalf("expected exactly 1 error event; got %d", n)
	}

	evt, _ := rec.last(EVT_ERROR)
	if evt.Err.Kind != ERR_KIND_SERVICE_CREATE_FAILED {
		t.Fatalf("wrong error kind: %s", evt.Err.Kind)
	}
	if evt.Err.Status != stack.STATUS_ENOMEM {
		t.Fatalf("wrong error status: %s", evt.Err.Status)
	}
	if evt.State != STATE_CREATING_SERVICES {
		t.Fatalf("error event carries wrong state: %s", evt.State)
	}

	le := s.LastError()
	if le.Kind != ERR_KIND_SERVICE_CREATE_FAILED || le.IsNone() {
		t.Fatalf("wrong last error: %+v", le)
	}

	if n := stk.Count(sim.OP_CREATE_SERVICE); n != 1 {
		t.Fatalf("failed request was retried: %d", n)
	}
	if n := stk.Count(sim.OP_ADD_CHR); n != 0 {
		t.Fatalf("setup continued after failure")
	}
}

func TestRefusedRequest(t *testing.T) {
	s, stk, rec := newTestServer(t, testConfig(), batteryDef())
	defer s.Deinit()

	stk.Refuse(sim.OP_ADD_CHR, gsutil.NewXportError("link down"))
	if err := s.Start(); err != nil {
		t.Fatalf("start failed: %s", err.Error())
	}

	waitState(t, s, STATE_ERROR)
	rec.waitCount(t, EVT_ERROR, 1)
	if k := s.LastError().Kind; k != ERR_KIND_CHAR_ADD_FAILED {
		t.Fatalf("wrong error kind: %s", k)
	}
}

func TestStopDuringAddChrs(t *testing.T) {
	s, stk, rec := newTestServer(t, testConfig(), genDefs(2, 2)...)
	defer s.Deinit()

	stk.HoldOp(sim.OP_ADD_CHR)
	if err := s.Start(); err != nil {
		t.Fatalf("start failed: %s", err.Error())
	}
	waitState(t, s, STATE_ADDING_CHARACTERISTICS)
	if !sim.WaitFor(testWait, func() bool {
		return stk.Count(sim.OP_ADD_CHR) == 1
	}) {
		t.Fatalf("first add-characteristic request not issued")
	}

	stopErr := make(chan error, 1)
	go func() {
		stopErr <- s.Stop(5 * time.Second)
	}()

	if !sim.WaitFor(testWait, func() bool {
		s.mtx.Lock()
		defer s.mtx.Unlock()
		return s.stopRequested
	}) {
		t.Fatalf("stop request never reached the server")
	}

	// The in-flight request completes before teardown begins.
	if st := s.State(); st != STATE_ADDING_CHARACTERISTICS {
		t.Fatalf("teardown began with a request in flight; state=%s", st)
	}
	stk.Release(sim.OP_ADD_CHR)

	select {
	case err := <-stopErr:
		if err != nil {
			t.Fatalf("stop failed: %s", err.Error())
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("stop did not complete")
	}

	if st := s.State(); st != STATE_IDLE {
		t.Fatalf("wrong state after stop: %s", st)
	}
	if n := stk.Count(sim.OP_ADD_CHR); n != 1 {
		t.Fatalf("characteristics added after stop: %d", n)
	}

	exp := map[string]int{
		sim.OP_STOP_SERVICE:   0,
		sim.OP_DELETE_SERVICE: 2,
		sim.OP_UNREGISTER_APP: 2,
		sim.OP_STOP_ADV:       0,
	}
	for op, want := range exp {
		if have := stk.Count(op); have != want {
			t.Fatalf("wrong %s count: have=%d want=%d", op, have, want)
		}
	}

	if n := rec.count(EVT_ERROR); n != 0 {
		t.Fatalf("unexpected error events during stop: %d", n)
	}

	// Teardown order: deletes precede unregistrations.
	ops := stk.Ops()
	lastDelete := -1
	firstUnreg := len(ops)
	for i, op := range ops {
		if op == sim.OP_DELETE_SERVICE {
			lastDelete = i
		}
		if op == sim.OP_UNREGISTER_APP && i < firstUnreg {
			firstUnreg = i
		}
	}
	if lastDelete > firstUnreg {
		t.Fatalf("wrong teardown order: %v", ops)
	}
}

func TestStopFromAdvertising(t *testing.T) {
	s, stk, rec := provision(t, genDefs(2, 1)...)
	defer s.Deinit()

	if err := s.Stop(5 * time.Second); err != nil {
		t.Fatalf("stop failed: %s", err.Error())
	}
	if st := s.State(); st != STATE_IDLE {
		t.Fatalf("wrong state after stop: %s", st)
	}

	exp := map[string]int{
		sim.OP_STOP_ADV:       1,
		sim.OP_STOP_SERVICE:   2,
		sim.OP_DELETE_SERVICE: 2,
		sim.OP_UNREGISTER_APP: 2,
	}
	for op, want := range exp {
		if have := stk.Count(op); have != want {
			t.Fatalf("wrong %s count: have=%d want=%d", op, have, want)
		}
	}

	if n := rec.count(EVT_ADVERTISING_STOPPED); n != 1 {
		t.Fatalf("expected 1 advertising-stopped event; got %d", n)
	}
	if stk.Advertising() {
		t.Fatalf("stack still advertising")
	}

	for _, info := range s.Services() {
		if info.State != SVC_STATE_DEFINED || info.Handle != 0 ||
			info.Iface != stack.IFACE_NONE {

			t.Fatalf("service record not reset: %+v", info)
		}
	}
}

// expectOpsSince checks the stack requests issued after the first n.
func expectOpsSince(t *testing.T, stk *sim.Sim, n int, exp []string) {
	t.Helper()

	ops := stk.Ops()
	if len(ops) < n {
		t.Fatalf("op log shrank: have=%d want>=%d", len(ops), n)
	}
	if !reflect.DeepEqual(ops[n:], exp) {
		t.Fatalf("wrong teardown requests:\nhave=%v\nwant=%v", ops[n:], exp)
	}
}

// stopWithHeld stops the server while op is held, then releases op.
func stopWithHeld(t *testing.T, s *Server, stk *sim.Sim, op string) {
	t.Helper()

	stopErr := make(chan error, 1)
	go func() {
		stopErr <- s.Stop(5 * time.Second)
	}()

	if !sim.WaitFor(testWait, func() bool {
		s.mtx.Lock()
		defer s.mtx.Unlock()
		return s.stopRequested
	}) {
		t.Fatalf("stop request never reached the server")
	}
	stk.Release(op)

	select {
	case err := <-stopErr:
		if err != nil {
			t.Fatalf("stop failed: %s", err.Error())
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("stop did not complete")
	}

	if st := s.State(); st != STATE_IDLE {
		t.Fatalf("wrong state after stop: %s", st)
	}
}

func TestStopDuringRegister(t *testing.T) {
	s, stk, rec := newTestServer(t, testConfig(), batteryDef())
	defer s.Deinit()

	stk.HoldOp(sim.OP_REGISTER_APP)
	if err := s.Start(); err != nil {
		t.Fatalf("start failed: %s", err.Error())
	}
	waitState(t, s, STATE_REGISTERING_APPS)
	if !sim.WaitFor(testWait, func() bool {
		return stk.Count(sim.OP_REGISTER_APP) == 1
	}) {
		t.Fatalf("register request not issued")
	}

	stopWithHeld(t, s, stk, sim.OP_REGISTER_APP)

	// Only the registration exists, so teardown goes straight to
	// unregistering.
	expectOpsSince(t, stk, 0, []string{
		sim.OP_INIT,
		sim.OP_REGISTER_APP,
		sim.OP_UNREGISTER_APP,
	})
	if n := rec.count(EVT_ERROR); n != 0 {
		t.Fatalf("unexpected error events during stop: %d", n)
	}
}

func TestStopDuringAdvData(t *testing.T) {
	s, stk, rec := newTestServer(t, testConfig(), batteryDef())
	defer s.Deinit()

	stk.HoldOp(sim.OP_SET_ADV_DATA)
	if err := s.Start(); err != nil {
		t.Fatalf("start failed: %s", err.Error())
	}
	waitState(t, s, STATE_SETTING_ADV_DATA)
	if !sim.WaitFor(testWait, func() bool {
		return stk.Count(sim.OP_SET_ADV_DATA) == 1
	}) {
		t.Fatalf("advertising data request not issued")
	}
	n := len(stk.Ops())

	stopWithHeld(t, s, stk, sim.OP_SET_ADV_DATA)

	// Advertising never started, so teardown begins with the services.
	expectOpsSince(t, stk, n, []string{
		sim.OP_STOP_SERVICE,
		sim.OP_DELETE_SERVICE,
		sim.OP_UNREGISTER_APP,
	})
	if stk.Advertising() {
		t.Fatalf("stack advertising after stop")
	}
	if c := rec.count(EVT_SERVER_READY); c != 0 {
		t.Fatalf("server-ready emitted during stop: %d", c)
	}
	if c := rec.count(EVT_ERROR); c != 0 {
		t.Fatalf("unexpected error events during stop: %d", c)
	}
}

func TestStopWhileConnected(t *testing.T) {
	s, stk, rec := provision(t, batteryDef())
	defer s.Deinit()

	connect(t, s, stk, rec, 5)
	rec.waitCount(t, EVT_ADVERTISING_STOPPED, 1)
	if !sim.WaitFor(testWait, func() bool {
		return stk.Count(sim.OP_CONN_UPDATE) == 1
	}) {
		t.Fatalf("connection parameter update not issued")
	}
	n := len(stk.Ops())

	if err := s.Stop(5 * time.Second); err != nil {
		t.Fatalf("stop failed: %s", err.Error())
	}
	if st := s.State(); st != STATE_IDLE {
		t.Fatalf("wrong state after stop: %s", st)
	}

	// Advertising already stopped on connect; no second stop_adv.
	expectOpsSince(t, stk, n, []string{
		sim.OP_STOP_SERVICE,
		sim.OP_DELETE_SERVICE,
		sim.OP_UNREGISTER_APP,
	})
	if c := rec.count(EVT_ADVERTISING_STOPPED); c != 1 {
		t.Fatalf("wrong advertising-stopped count: %d", c)
	}
}

func TestScanRspOverlap(t *testing.T) {
	s, stk, _ := provision(t, batteryDef())
	defer s.Deinit()

	before := stk.Count(sim.OP_SET_RSP_DATA)
	stk.HoldOp(sim.OP_SET_RSP_DATA)

	first := []byte{0x03, 0x09, 'a', 'b'}
	firstErr := make(chan error, 1)
	go func() {
		firstErr <- s.SetScanRsp(first, testWait)
	}()

	if !sim.WaitFor(testWait, func() bool {
		return stk.Count(sim.OP_SET_RSP_DATA) == before+1
	}) {
		t.Fatalf("first scan response update not issued")
	}

	err := s.SetScanRsp([]byte{0x03, 0x09, 'c', 'd'}, testWait)
	if !gsutil.IsAlready(err) {
		t.Fatalf("overlapping update not refused: %v", err)
	}
	if n := stk.Count(sim.OP_SET_RSP_DATA); n != before+1 {
		t.Fatalf("overlapping update reached the stack: %d", n-before)
	}

	// The refusal must not wake the pending caller.
	select {
	case err := <-firstErr:
		t.Fatalf("pending update finished early: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	stk.Release(sim.OP_SET_RSP_DATA)

	select {
	case err := <-firstErr:
		if err != nil {
			t.Fatalf("first update failed: %s", err.Error())
		}
	case <-time.After(testWait):
		t.Fatalf("first update never completed")
	}
	if !bytes.Equal(stk.RspData, first) {
		t.Fatalf("wrong scan response applied: %x", stk.RspData)
	}

	// Later updates are accepted again.
	if err := s.SetScanRsp([]byte{0x02, 0x09, 'z'}, testWait); err != nil {
		t.Fatalf("update after overlap failed: %s", err.Error())
	}
}

func TestStopIdempotent(t *testing.T) {
	cfg := testConfig()
	stk := sim.NewSim(cfg.EventQueueSize)
	s := NewServer(stk, cfg)
	rec := &evtRec{}
	s.SetHandler(rec)

	// Never initialized.
	if err := s.Stop(100 * time.Millisecond); err != nil {
		t.Fatalf("stop in idle failed: %s", err.Error())
	}

	if err := s.Init(); err != nil {
		t.Fatalf("init failed: %s", err.Error())
	}
	if _, err := s.AddService(batteryDef()); err != nil {
		t.Fatalf("add service failed: %s", err.Error())
	}
	if err := s.Start(); err != nil {
		t.Fatalf("start failed: %s", err.Error())
	}
	waitState(t, s, STATE_ADVERTISING)

	if err := s.Stop(time.Second); err != nil {
		t.Fatalf("stop failed: %s", err.Error())
	}

	before := len(rec.all())
	for i := 0; i < 3; i++ {
		if err := s.Stop(100 * time.Millisecond); err != nil {
			t.Fatalf("repeated stop failed: %s", err.Error())
		}
	}
	time.Sleep(20 * time.Millisecond)
	if after := len(rec.all()); after != before {
		t.Fatalf("repeated stop emitted events: %d -> %d", before, after)
	}

	s.Deinit()
}

func TestStopInError(t *testing.T) {
	s, stk, rec := newTestServer(t, testConfig(), batteryDef())
	defer s.Deinit()

	stk.FailOn(sim.OP_REGISTER_APP, stack.STATUS_EUNKNOWN)
	s.Start()
	waitState(t, s, STATE_ERROR)
	rec.waitCount(t, EVT_ERROR, 1)

	start := time.Now()
	if err := s.Stop(time.Second); err != nil {
		t.Fatalf("stop in error failed: %s", err.Error())
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("stop in error blocked")
	}
	if st := s.State(); st != STATE_ERROR {
		t.Fatalf("stop left the error state: %s", st)
	}
	if n := rec.count(EVT_ERROR); n != 1 {
		t.Fatalf("stop emitted events: %d errors", n)
	}
}

func TestHandleRoundTrip(t *testing.T) {
	s, _, _ := provision(t, genDefs(3, 3)...)
	defer s.Deinit()

	seen := map[stack.AttrHandle]bool{}
	for _, svc := range s.Services() {
		for _, ci := range svc.Chrs {
			if ci.Handle == 0 {
				t.Fatalf("unassigned handle: %s", ci.String())
			}
			if seen[ci.Handle] {
				t.Fatalf("duplicate handle %d", ci.Handle)
			}
			seen[ci.Handle] = true

			got, ok := s.ChrByHandle(ci.Handle)
			if !ok || got.Name != ci.Name || got.SvcName != ci.SvcName {
				t.Fatalf("handle %d resolved to %+v; want %s",
					ci.Handle, got, ci.String())
			}

			if ci.CccdHandle != 0 {
				got, ok := s.ChrByHandle(ci.CccdHandle)
				if !ok || got.Handle != ci.Handle {
					t.Fatalf("CCCD handle %d did not resolve to %s",
						ci.CccdHandle, ci.String())
				}
			}

			byName, ok := s.ChrByName(ci.SvcName, ci.Name)
			if !ok || byName.Handle != ci.Handle {
				t.Fatalf("lookup by name failed for %s", ci.String())
			}
		}
	}

	if _, ok := s.ChrByHandle(0x7777); ok {
		t.Fatalf("unknown handle resolved")
	}
	if _, ok := s.ChrByName("svc0", "nope"); ok {
		t.Fatalf("unknown characteristic resolved")
	}
}

func TestNotifyEnable(t *testing.T) {
	s, stk, rec := provision(t, batteryDef())
	defer s.Deinit()

	connect(t, s, stk, rec, 1)
	ci, _ := s.ChrByName("battery", "level")

	trans := stk.Write(1, ci.CccdHandle, []byte{0x01, 0x00}, true)
	rsp, err := stk.WaitRsp(trans, testWait)
	if err != nil {
		t.Fatal(err)
	}
	if rsp.Status != bledefs.BLE_ATT_ERR_OK {
		t.Fatalf("CCCD write rejected: 0x%02x", rsp.Status)
	}

	rec.waitCount(t, EVT_NOTIFY_ENABLED, 1)
	evt, _ := rec.last(EVT_NOTIFY_ENABLED)
	if evt.Handle != ci.Handle || evt.ChrName != "level" {
		t.Fatalf("notify event for wrong characteristic: %s", evt.String())
	}

	ci, _ = s.ChrByName("battery", "level")
	if !ci.Notify {
		t.Fatalf("notify flag not recorded")
	}

	// CCCD reads are answered by the server.
	trans = stk.Read(1, ci.CccdHandle, 0)
	rsp, err = stk.WaitRsp(trans, testWait)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(rsp.Data, []byte{0x01, 0x00}) {
		t.Fatalf("wrong CCCD value: %x", rsp.Data)
	}

	if err := s.SendNotification(ci.Handle, []byte{42}); err != nil {
		t.Fatalf("notify failed: %s", err.Error())
	}
	notifs := stk.Notifs()
	if len(notifs) != 1 || notifs[0].Handle != ci.Handle ||
		notifs[0].Indicate {

		t.Fatalf("wrong notifications: %+v", notifs)
	}

	if err := s.SendIndication(ci.Handle, []byte{42}); err == nil {
		t.Fatalf("indication allowed on notify-only characteristic")
	}

	stk.Write(1, ci.CccdHandle, []byte{0x00, 0x00}, false)
	rec.waitCount(t, EVT_NOTIFY_DISABLED, 1)
}

func TestUnknownHandle(t *testing.T) {
	s, stk, rec := provision(t, batteryDef())
	defer s.Deinit()

	connect(t, s, stk, rec, 1)

	trans := stk.Read(1, 0x99, 0)
	rsp, err := stk.WaitRsp(trans, testWait)
	if err != nil {
		t.Fatal(err)
	}
	if rsp.Status != bledefs.BLE_ATT_ERR_READ_NOT_PERMIT {
		t.Fatalf("wrong read status: 0x%02x", rsp.Status)
	}

	trans = stk.Write(1, 0x99, []byte{1}, true)
	rsp, err = stk.WaitRsp(trans, testWait)
	if err != nil {
		t.Fatal(err)
	}
	if rsp.Status != bledefs.BLE_ATT_ERR_WRITE_NOT_PERMIT {
		t.Fatalf("wrong write status: 0x%02x", rsp.Status)
	}

	if rec.count(EVT_READ_REQUEST)+rec.count(EVT_WRITE_REQUEST) != 0 {
		t.Fatalf("unknown handle reached the handler")
	}
}

func TestReadRequestAnsweredByUser(t *testing.T) {
	s, stk, rec := provision(t, batteryDef())
	defer s.Deinit()

	connect(t, s, stk, rec, 3)
	ci, _ := s.ChrByName("battery", "level")

	trans := stk.Read(3, ci.Handle, 0)
	rec.waitCount(t, EVT_READ_REQUEST, 1)

	evt, _ := rec.last(EVT_READ_REQUEST)
	if evt.Answered || evt.Trans != trans || evt.Conn != 3 {
		t.Fatalf("wrong read event: %s answered=%v", evt.String(),
			evt.Answered)
	}

	if err := s.SendResponse(evt.Conn, evt.Trans, bledefs.BLE_ATT_ERR_OK,
		evt.Handle, []byte{87}); err != nil {

		t.Fatalf("send response failed: %s", err.Error())
	}

	rsp, err := stk.WaitRsp(trans, testWait)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(rsp.Data, []byte{87}) {
		t.Fatalf("wrong response data: %x", rsp.Data)
	}
}

func TestReadNegativeOffset(t *testing.T) {
	var calls int32

	withCb := batteryDef()
	withCb.Chrs[0].AccessCb = func(a bledefs.BleGattAccess) (uint8, []byte) {
		atomic.AddInt32(&calls, 1)
		return bledefs.BLE_ATT_ERR_OK, []byte{1, 2, 3}
	}

	for _, def := range []ServiceDef{batteryDef(), withCb} {
		s, stk, rec := provision(t, def)

		connect(t, s, stk, rec, 3)
		ci, _ := s.ChrByName("battery", "level")

		trans := stk.Read(3, ci.Handle, -1)
		rsp, err := stk.WaitRsp(trans, testWait)
		if err != nil {
			t.Fatal(err)
		}
		if rsp.Status != bledefs.BLE_ATT_ERR_INVALID_OFFSET ||
			len(rsp.Data) != 0 {

			t.Fatalf("wrong response to negative offset: %+v", rsp)
		}
		if n := rec.count(EVT_READ_REQUEST); n != 0 {
			t.Fatalf("negative offset reached the handler: %d", n)
		}

		s.Deinit()
	}

	if n := atomic.LoadInt32(&calls); n != 0 {
		t.Fatalf("access callback invoked for negative offset: %d", n)
	}
}

func TestAccessCb(t *testing.T) {
	var mtx sync.Mutex
	var written []byte

	def := batteryDef()
	def.Chrs = append(def.Chrs, ChrDef{
		Uuid:  bledefs.NewUuid16(0xfff1),
		Name:  "blob",
		Flags: bledefs.BLE_GATT_F_READ | bledefs.BLE_GATT_F_WRITE,
		Perms: bledefs.BLE_ATT_F_READ | bledefs.BLE_ATT_F_WRITE,
		AccessCb: func(access bledefs.BleGattAccess) (uint8, []byte) {
			if access.Op == bledefs.BLE_GATT_ACCESS_OP_WRITE_CHR {
				mtx.Lock()
				written = access.Data
				mtx.Unlock()
				return 0x80, nil
			}
			return bledefs.BLE_ATT_ERR_OK, []byte{1, 2, 3}
		},
	})

	s, stk, rec := provision(t, def)
	defer s.Deinit()

	connect(t, s, stk, rec, 1)
	ci, _ := s.ChrByName("battery", "blob")

	trans := stk.Read(1, ci.Handle, 1)
	rsp, err := stk.WaitRsp(trans, testWait)
	if err != nil {
		t.Fatal(err)
	}
	if rsp.Status != bledefs.BLE_ATT_ERR_OK ||
		!bytes.Equal(rsp.Data, []byte{2, 3}) {

		t.Fatalf("wrong read response: status=0x%02x data=%x",
			rsp.Status, rsp.Data)
	}
	rec.waitCount(t, EVT_READ_REQUEST, 1)
	if evt, _ := rec.last(EVT_READ_REQUEST); !evt.Answered {
		t.Fatalf("read event not marked answered")
	}

	trans = stk.Read(1, ci.Handle, 9)
	rsp, err = stk.WaitRsp(trans, testWait)
	if err != nil {
		t.Fatal(err)
	}
	if rsp.Status != bledefs.BLE_ATT_ERR_INVALID_OFFSET {
		t.Fatalf("wrong status for bad offset: 0x%02x", rsp.Status)
	}

	trans = stk.Write(1, ci.Handle, []byte{7, 7}, true)
	rsp, err = stk.WaitRsp(trans, testWait)
	if err != nil {
		t.Fatal(err)
	}
	if rsp.Status != 0x80 {
		t.Fatalf("write status not taken from callback: 0x%02x",
			rsp.Status)
	}

	mtx.Lock()
	defer mtx.Unlock()
	if !bytes.Equal(written, []byte{7, 7}) {
		t.Fatalf("callback saw wrong data: %x", written)
	}
}

func TestMaxLenRejected(t *testing.T) {
	def := batteryDef()
	def.Chrs = append(def.Chrs, ChrDef{
		Uuid:   bledefs.NewUuid16(0xfff2),
		Name:   "cfg",
		Flags:  bledefs.BLE_GATT_F_WRITE,
		Perms:  bledefs.BLE_ATT_F_WRITE,
		MaxLen: 4,
	})

	s, stk, rec := provision(t, def)
	defer s.Deinit()

	connect(t, s, stk, rec, 1)
	ci, _ := s.ChrByName("battery", "cfg")

	trans := stk.Write(1, ci.Handle, []byte{1, 2, 3, 4, 5}, true)
	rsp, err := stk.WaitRsp(trans, testWait)
	if err != nil {
		t.Fatal(err)
	}
	if rsp.Status != bledefs.BLE_ATT_ERR_INVALID_ATTR_LEN {
		t.Fatalf("wrong status for long write: 0x%02x", rsp.Status)
	}

	trans = stk.Write(1, ci.Handle, []byte{1, 2, 3, 4}, true)
	rsp, err = stk.WaitRsp(trans, testWait)
	if err != nil {
		t.Fatal(err)
	}
	if rsp.Status != bledefs.BLE_ATT_ERR_OK {
		t.Fatalf("valid write rejected: 0x%02x", rsp.Status)
	}

	rec.waitCount(t, EVT_WRITE_REQUEST, 1)
	time.Sleep(20 * time.Millisecond)
	if n := rec.count(EVT_WRITE_REQUEST); n != 1 {
		t.Fatalf("expected 1 write event; got %d", n)
	}

	// Reads of a write-only characteristic are refused.
	trans = stk.Read(1, ci.Handle, 0)
	rsp, err = stk.WaitRsp(trans, testWait)
	if err != nil {
		t.Fatal(err)
	}
	if rsp.Status != bledefs.BLE_ATT_ERR_READ_NOT_PERMIT {
		t.Fatalf("read of write-only characteristic allowed")
	}
}

func TestConnectDisconnect(t *testing.T) {
	s, stk, rec := provision(t, batteryDef())
	defer s.Deinit()

	connect(t, s, stk, rec, 5)

	if !s.IsConnected() {
		t.Fatalf("not connected")
	}
	ci, ok := s.ConnInfo()
	if !ok || ci.Conn != 5 || ci.Peer != testPeer {
		t.Fatalf("wrong connection info: %+v", ci)
	}

	rec.waitCount(t, EVT_ADVERTISING_STOPPED, 1)
	if s.IsAdvertising() {
		t.Fatalf("still advertising while connected")
	}

	p, ok := stk.ConnParams(5)
	if !ok || p.ItvlMin != 0x06 || p.ItvlMax != 0x10 {
		t.Fatalf("connection parameters not requested: %+v", p)
	}

	// A second connection is ignored.
	stk.Connect(6, testPeer)
	time.Sleep(20 * time.Millisecond)
	if ci, _ := s.ConnInfo(); ci.Conn != 5 {
		t.Fatalf("second connection replaced the first")
	}

	stk.Disconnect(5, testPeer, 0x13)
	rec.waitCount(t, EVT_CLIENT_DISCONNECTED, 1)
	waitState(t, s, STATE_ADVERTISING)
	rec.waitCount(t, EVT_ADVERTISING_STARTED, 2)

	evt, _ := rec.last(EVT_CLIENT_DISCONNECTED)
	if evt.Reason != 0x13 {
		t.Fatalf("wrong disconnect reason: %d", evt.Reason)
	}
	if s.IsConnected() {
		t.Fatalf("still connected")
	}
	if n := stk.Count(sim.OP_START_ADV); n != 2 {
		t.Fatalf("advertising not restarted: %d", n)
	}
	if n := rec.count(EVT_SERVER_READY); n != 1 {
		t.Fatalf("server-ready emitted %d times", n)
	}

	if err := s.SendNotification(1, []byte{1}); err == nil {
		t.Fatalf("notification sent with no client")
	}
}

func TestAdvertisingControl(t *testing.T) {
	s, stk, rec := provision(t, batteryDef())
	defer s.Deinit()

	if err := s.StopAdvertising(); err != nil {
		t.Fatalf("stop advertising failed: %s", err.Error())
	}
	rec.waitCount(t, EVT_ADVERTISING_STOPPED, 1)
	if stk.Advertising() {
		t.Fatalf("stack still advertising")
	}

	if err := s.StartAdvertising(); err != nil {
		t.Fatalf("start advertising failed: %s", err.Error())
	}
	rec.waitCount(t, EVT_ADVERTISING_STARTED, 2)
	if !stk.Advertising() {
		t.Fatalf("stack not advertising")
	}

	if err := s.SetScanRsp([]byte{0x03, 0x09, 'h', 'i'},
		testWait); err != nil {

		t.Fatalf("set scan response failed: %s", err.Error())
	}
	if !bytes.Equal(stk.RspData, []byte{0x03, 0x09, 'h', 'i'}) {
		t.Fatalf("scan response not applied: %x", stk.RspData)
	}

	stk.FailOn(sim.OP_SET_RSP_DATA, stack.STATUS_EINVAL)
	err := s.SetScanRsp([]byte{0x02, 0x09, 'x'}, testWait)
	if err == nil || !gsutil.IsStack(err) {
		t.Fatalf("expected stack error; got %v", err)
	}
	if st := s.State(); st != STATE_ADVERTISING {
		t.Fatalf("scan response failure changed state: %s", st)
	}
}

func TestClearError(t *testing.T) {
	s, stk, rec := newTestServer(t, testConfig(), batteryDef())
	defer s.Deinit()

	if err := s.ClearError(); !gsutil.IsInvalidState(err) {
		t.Fatalf("clear error outside error state: %v", err)
	}

	stk.FailOn(sim.OP_START_SERVICE, stack.STATUS_EINVAL)
	s.Start()
	waitState(t, s, STATE_ERROR)
	rec.waitCount(t, EVT_ERROR, 1)
	if k := s.LastError().Kind; k != ERR_KIND_SERVICE_START_FAILED {
		t.Fatalf("wrong error kind: %s", k)
	}

	if err := s.Start(); !gsutil.IsInvalidState(err) {
		t.Fatalf("start allowed in error state: %v", err)
	}

	if err := s.ClearError(); err != nil {
		t.Fatalf("clear error failed: %s", err.Error())
	}
	if st := s.State(); st != STATE_READY {
		t.Fatalf("wrong state after clear: %s", st)
	}
	if !s.LastError().IsNone() {
		t.Fatalf("last error not cleared")
	}

	stk.ClearFaults()
	if err := s.Start(); err != nil {
		t.Fatalf("restart failed: %s", err.Error())
	}
	waitState(t, s, STATE_ADVERTISING)
	rec.waitCount(t, EVT_SERVER_READY, 1)
}

func TestWatchdogTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.OperationTimeout = 50 * time.Millisecond

	s, stk, rec := newTestServer(t, cfg, batteryDef())
	defer s.Deinit()

	stk.HoldOp(sim.OP_REGISTER_APP)
	s.Start()

	waitState(t, s, STATE_ERROR)
	rec.waitCount(t, EVT_ERROR, 1)

	le := s.LastError()
	if le.Kind != ERR_KIND_TIMEOUT || le.Status != stack.STATUS_ETIMEOUT {
		t.Fatalf("wrong error: %+v", le)
	}

	// A late ack is ignored.
	stk.Release(sim.OP_REGISTER_APP)
	time.Sleep(20 * time.Millisecond)
	if st := s.State(); st != STATE_ERROR {
		t.Fatalf("late ack changed state: %s", st)
	}
}

func TestInitFailure(t *testing.T) {
	cfg := testConfig()
	stk := sim.NewSim(cfg.EventQueueSize)
	stk.FailInit(fmt.Errorf("no controller"))

	s := NewServer(stk, cfg)
	rec := &evtRec{}
	s.SetHandler(rec)
	defer s.Deinit()

	if err := s.Init(); err == nil {
		t.Fatalf("init succeeded")
	}
	if st := s.State(); st != STATE_ERROR {
		t.Fatalf("wrong state: %s", st)
	}
	rec.waitCount(t, EVT_ERROR, 1)
	if k := s.LastError().Kind; k != ERR_KIND_INIT_FAILED {
		t.Fatalf("wrong error kind: %s", k)
	}

	if err := s.Init(); !gsutil.IsInvalidState(err) {
		t.Fatalf("second init allowed: %v", err)
	}
}

func TestAddServiceRules(t *testing.T) {
	cfg := testConfig()
	cfg.MaxServices = 2

	stk := sim.NewSim(cfg.EventQueueSize)
	s := NewServer(stk, cfg)
	defer s.Deinit()

	if _, err := s.AddService(batteryDef()); err == nil {
		t.Fatalf("service added before init")
	}

	if err := s.Init(); err != nil {
		t.Fatalf("init failed: %s", err.Error())
	}

	if _, err := s.AddService(batteryDef()); err != nil {
		t.Fatalf("add service failed: %s", err.Error())
	}

	dup := batteryDef()
	dup.Name = "battery2"
	if _, err := s.AddService(dup); err == nil {
		t.Fatalf("duplicate app id accepted")
	}

	noUuid := genDefs(1, 1)[0]
	noUuid.AppId = 7
	noUuid.Uuid = bledefs.BleUuid{}
	if _, err := s.AddService(noUuid); err == nil {
		t.Fatalf("service without UUID accepted")
	}

	defs := genDefs(3, 1)
	if _, err := s.AddService(defs[1]); err != nil {
		t.Fatalf("add service failed: %s", err.Error())
	}
	if _, err := s.AddService(defs[2]); !gsutil.IsNoMem(err) {
		t.Fatalf("service limit not enforced: %v", err)
	}

	if err := s.Start(); err != nil {
		t.Fatalf("start failed: %s", err.Error())
	}
	if _, err := s.AddService(defs[0]); !gsutil.IsInvalidState(err) {
		t.Fatalf("service added after start: %v", err)
	}
}

func TestRestart(t *testing.T) {
	s, stk, rec := provision(t, genDefs(2, 2)...)
	defer s.Deinit()

	if err := s.Stop(5 * time.Second); err != nil {
		t.Fatalf("stop failed: %s", err.Error())
	}

	if err := s.Init(); err != nil {
		t.Fatalf("re-init failed: %s", err.Error())
	}
	if n := len(s.Services()); n != 2 {
		t.Fatalf("service records lost across stop: %d", n)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("restart failed: %s", err.Error())
	}
	waitState(t, s, STATE_ADVERTISING)
	rec.waitCount(t, EVT_SERVER_READY, 2)

	if n := stk.Count(sim.OP_REGISTER_APP); n != 4 {
		t.Fatalf("wrong register count across restart: %d", n)
	}

	for _, svc := range s.Services() {
		for _, ci := range svc.Chrs {
			if got, ok := s.ChrByHandle(ci.Handle); !ok ||
				got.Name != ci.Name {

				t.Fatalf("handle %d not indexed after restart", ci.Handle)
			}
		}
	}
}

func TestPeriodic(t *testing.T) {
	cfg := testConfig()
	cfg.PeriodicInterval = 5 * time.Millisecond

	s, _, rec := newTestServer(t, cfg, batteryDef())
	defer s.Deinit()

	s.Start()
	waitState(t, s, STATE_ADVERTISING)

	if !sim.WaitFor(testWait, func() bool {
		rec.mtx.Lock()
		defer rec.mtx.Unlock()
		return rec.periodic >= 3
	}) {
		t.Fatalf("periodic callback not invoked")
	}
}

func TestStackError(t *testing.T) {
	s, stk, rec := provision(t, batteryDef())
	defer s.Deinit()

	stk.InjectError(stack.STATUS_ENOTCONN, "controller reset")
	waitState(t, s, STATE_ERROR)
	rec.waitCount(t, EVT_ERROR, 1)

	if k := s.LastError().Kind; k != ERR_KIND_INTERNAL {
		t.Fatalf("wrong error kind: %s", k)
	}
}

func TestTransitions(t *testing.T) {
	s := NewServer(sim.NewSim(0), NewConfig())

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if err := s.transition(STATE_IDLE); !gsutil.IsAlready(err) {
		t.Fatalf("same-state transition: %v", err)
	}
	if err := s.transition(STATE_ADVERTISING); !gsutil.IsInvalidState(err) {
		t.Fatalf("invalid transition allowed: %v", err)
	}

	path := []State{
		STATE_INITIALIZING,
		STATE_READY,
		STATE_REGISTERING_APPS,
		STATE_CREATING_SERVICES,
		STATE_ADDING_CHARACTERISTICS,
		STATE_ADDING_DESCRIPTORS,
		STATE_STARTING_SERVICES,
		STATE_SETTING_ADV_DATA,
		STATE_ADVERTISING,
		STATE_CONNECTED,
		STATE_ADVERTISING,
		STATE_STOPPING_ADVERTISING,
		STATE_STOPPING_SERVICES,
		STATE_DELETING_SERVICES,
		STATE_UNREGISTERING_APPS,
		STATE_IDLE,
	}
	for _, st := range path {
		if err := s.transition(st); err != nil {
			t.Fatalf("transition to %s failed: %s", st, err.Error())
		}
	}

	for st := range StateStringMap {
		if st == STATE_ERROR {
			continue
		}
		if !transitionAllowed(st, STATE_ERROR) {
			t.Fatalf("%s cannot fail", st)
		}
	}
	if transitionAllowed(STATE_ERROR, STATE_ADVERTISING) {
		t.Fatalf("error state is not sticky")
	}
}
