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
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/bitmans/blesrv/gattsrv/gsutil"
)

type OpTypePair struct {
	Op   MsgOp
	Type MsgType
}

// Listener receives the messages its key matches.  Errors are delivered on
// ErrChan when the transport fails.
type Listener struct {
	MsgChan chan BhdMsg
	ErrChan chan error
	TmoChan chan time.Time
	Acked   bool

	timer *time.Timer
}

func NewListener() *Listener {
	return &Listener{
		MsgChan: make(chan BhdMsg, 16),
		ErrChan: make(chan error, 4),
		TmoChan: make(chan time.Time, 1),
	}
}

func (bl *Listener) AfterTimeout(tmo time.Duration) <-chan time.Time {
	fn := func() {
		if !bl.Acked {
			bl.TmoChan <- time.Now()
		}
	}
	bl.timer = time.AfterFunc(tmo, fn)
	return bl.TmoChan
}

func (bl *Listener) Stop() {
	if bl.timer != nil {
		bl.timer.Stop()
	}
}

// Dispatcher routes decoded messages to listeners.  A listener keyed by
// sequence number takes precedence over one keyed by op and type; anything
// unclaimed goes to the default listener, if there is one.
type Dispatcher struct {
	codec   Codec
	seqMap  map[BhdSeq]*Listener
	typeMap map[OpTypePair]*Listener
	dflt    *Listener
	mutex   sync.Mutex
}

type msgCtor func() BhdMsg

func errRspCtor() BhdMsg  { return &BhdErrRsp{} }
func syncRspCtor() BhdMsg { return &BhdSyncRsp{} }
func rspCtor() BhdMsg     { return &BhdRsp{} }

func syncEvtCtor() BhdMsg       { return &BhdSyncEvt{} }
func resetEvtCtor() BhdMsg      { return &BhdResetEvt{} }
func appRegEvtCtor() BhdMsg     { return &BhdAppRegEvt{} }
func appUnregEvtCtor() BhdMsg   { return &BhdAppUnregEvt{} }
func svcCreateEvtCtor() BhdMsg  { return &BhdSvcCreateEvt{} }
func attrAddEvtCtor() BhdMsg    { return &BhdAttrAddEvt{} }
func svcEvtCtor() BhdMsg        { return &BhdSvcEvt{} }
func advEvtCtor() BhdMsg        { return &BhdAdvEvt{} }
func connectEvtCtor() BhdMsg    { return &BhdConnectEvt{} }
func disconnectEvtCtor() BhdMsg { return &BhdDisconnectEvt{} }
func readEvtCtor() BhdMsg       { return &BhdReadEvt{} }
func writeEvtCtor() BhdMsg      { return &BhdWriteEvt{} }
func confirmEvtCtor() BhdMsg    { return &BhdConfirmEvt{} }

var msgCtorMap = map[OpTypePair]msgCtor{
	{MSG_OP_RSP, MSG_TYPE_ERR}:              errRspCtor,
	{MSG_OP_RSP, MSG_TYPE_SYNC}:             syncRspCtor,
	{MSG_OP_RSP, MSG_TYPE_RESET}:            rspCtor,
	{MSG_OP_RSP, MSG_TYPE_INIT}:             rspCtor,
	{MSG_OP_RSP, MSG_TYPE_REGISTER_APP}:     rspCtor,
	{MSG_OP_RSP, MSG_TYPE_UNREGISTER_APP}:   rspCtor,
	{MSG_OP_RSP, MSG_TYPE_CREATE_SVC}:       rspCtor,
	{MSG_OP_RSP, MSG_TYPE_ADD_CHR}:          rspCtor,
	{MSG_OP_RSP, MSG_TYPE_ADD_DSC}:          rspCtor,
	{MSG_OP_RSP, MSG_TYPE_START_SVC}:        rspCtor,
	{MSG_OP_RSP, MSG_TYPE_STOP_SVC}:         rspCtor,
	{MSG_OP_RSP, MSG_TYPE_DELETE_SVC}:       rspCtor,
	{MSG_OP_RSP, MSG_TYPE_ADV_SET_DATA}:     rspCtor,
	{MSG_OP_RSP, MSG_TYPE_ADV_RSP_SET_DATA}: rspCtor,
	{MSG_OP_RSP, MSG_TYPE_ADV_START}:        rspCtor,
	{MSG_OP_RSP, MSG_TYPE_ADV_STOP}:         rspCtor,
	{MSG_OP_RSP, MSG_TYPE_SEND_RSP}:         rspCtor,
	{MSG_OP_RSP, MSG_TYPE_NOTIFY}:           rspCtor,
	{MSG_OP_RSP, MSG_TYPE_CONN_UPDATE}:      rspCtor,

	{MSG_OP_EVT, MSG_TYPE_SYNC_EVT}:       syncEvtCtor,
	{MSG_OP_EVT, MSG_TYPE_RESET_EVT}:      resetEvtCtor,
	{MSG_OP_EVT, MSG_TYPE_APP_REG_EVT}:    appRegEvtCtor,
	{MSG_OP_EVT, MSG_TYPE_APP_UNREG_EVT}:  appUnregEvtCtor,
	{MSG_OP_EVT, MSG_TYPE_SVC_CREATE_EVT}: svcCreateEvtCtor,
	{MSG_OP_EVT, MSG_TYPE_CHR_ADD_EVT}:    attrAddEvtCtor,
	{MSG_OP_EVT, MSG_TYPE_DSC_ADD_EVT}:    attrAddEvtCtor,
	{MSG_OP_EVT, MSG_TYPE_SVC_START_EVT}:  svcEvtCtor,
	{MSG_OP_EVT, MSG_TYPE_SVC_STOP_EVT}:   svcEvtCtor,
	{MSG_OP_EVT, MSG_TYPE_SVC_DELETE_EVT}: svcEvtCtor,
	{MSG_OP_EVT, MSG_TYPE_ADV_DATA_EVT}:   advEvtCtor,
	{MSG_OP_EVT, MSG_TYPE_RSP_DATA_EVT}:   advEvtCtor,
	{MSG_OP_EVT, MSG_TYPE_ADV_START_EVT}:  advEvtCtor,
	{MSG_OP_EVT, MSG_TYPE_ADV_STOP_EVT}:   advEvtCtor,
	{MSG_OP_EVT, MSG_TYPE_CONNECT_EVT}:    connectEvtCtor,
	{MSG_OP_EVT, MSG_TYPE_DISCONNECT_EVT}: disconnectEvtCtor,
	{MSG_OP_EVT, MSG_TYPE_READ_EVT}:       readEvtCtor,
	{MSG_OP_EVT, MSG_TYPE_WRITE_EVT}:      writeEvtCtor,
	{MSG_OP_EVT, MSG_TYPE_CONFIRM_EVT}:    confirmEvtCtor,
}

func NewDispatcher(c Codec) *Dispatcher {
	return &Dispatcher{
		codec:   c,
		seqMap:  map[BhdSeq]*Listener{},
		typeMap: map[OpTypePair]*Listener{},
	}
}

func (d *Dispatcher) AddSeqListener(seq BhdSeq, bl *Listener) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.seqMap[seq] != nil {
		return fmt.Errorf("Duplicate listener; seq=%d", seq)
	}

	gsutil.LogAddListener(2, uint32(seq), "bhd")
	d.seqMap[seq] = bl
	return nil
}

func (d *Dispatcher) RemoveSeqListener(seq BhdSeq) *Listener {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	bl := d.seqMap[seq]
	if bl != nil {
		gsutil.LogRemoveListener(2, uint32(seq), "bhd")
		bl.Stop()
		delete(d.seqMap, seq)
	}

	return bl
}

func (d *Dispatcher) AddTypeListener(op MsgOp, msgType MsgType,
	bl *Listener) error {

	d.mutex.Lock()
	defer d.mutex.Unlock()

	key := OpTypePair{op, msgType}
	if d.typeMap[key] != nil {
		return fmt.Errorf("Duplicate listener; op=%s type=%s",
			MsgOpToString(op), MsgTypeToString(msgType))
	}

	d.typeMap[key] = bl
	return nil
}

func (d *Dispatcher) RemoveTypeListener(op MsgOp,
	msgType MsgType) *Listener {

	d.mutex.Lock()
	defer d.mutex.Unlock()

	key := OpTypePair{op, msgType}
	bl := d.typeMap[key]
	if bl != nil {
		bl.Stop()
		delete(d.typeMap, key)
	}

	return bl
}

func (d *Dispatcher) SetDefaultListener(bl *Listener) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.dflt = bl
}

func (d *Dispatcher) findListener(hdr BhdHdr) *Listener {
	if hdr.Seq != BHD_SEQ_NONE {
		if bl := d.seqMap[hdr.Seq]; bl != nil {
			return bl
		}
	}

	if bl := d.typeMap[OpTypePair{hdr.Op, hdr.Type}]; bl != nil {
		return bl
	}

	return d.dflt
}

func DecodeMsg(c Codec, data []byte) (BhdHdr, BhdMsg, error) {
	hdr := BhdHdr{}
	if err := c.Decode(data, &hdr); err != nil {
		return hdr, nil, err
	}

	cb := msgCtorMap[OpTypePair{hdr.Op, hdr.Type}]
	if cb == nil {
		return hdr, nil, fmt.Errorf(
			"Unrecognized op+type pair: %s, %s",
			MsgOpToString(hdr.Op), MsgTypeToString(hdr.Type))
	}

	msg := cb()
	if err := c.Decode(data, msg); err != nil {
		return hdr, nil, err
	}

	return hdr, msg, nil
}

func (d *Dispatcher) Dispatch(data []byte) {
	hdr, msg, err := DecodeMsg(d.codec, data)
	if err != nil {
		log.Warnf("bhd dispatch error: %s", err.Error())
		return
	}

	d.mutex.Lock()
	listener := d.findListener(hdr)
	d.mutex.Unlock()

	if listener == nil {
		log.Debugf("No bhd listener for op=%s type=%s seq=%d",
			MsgOpToString(hdr.Op), MsgTypeToString(hdr.Type), hdr.Seq)
		return
	}

	listener.MsgChan <- msg
}

// ErrorAll reports err to every listener and forgets them.
func (d *Dispatcher) ErrorAll(err error) {
	d.mutex.Lock()

	listeners := make([]*Listener, 0, len(d.seqMap)+len(d.typeMap)+1)
	for _, v := range d.seqMap {
		listeners = append(listeners, v)
	}
	for _, v := range d.typeMap {
		listeners = append(listeners, v)
	}
	if d.dflt != nil {
		listeners = append(listeners, d.dflt)
	}

	d.clear()

	d.mutex.Unlock()

	for _, listener := range listeners {
		select {
		case listener.ErrChan <- err:
		default:
		}
	}
}

// Caller must lock the mutex.
func (d *Dispatcher) clear() {
	for s := range d.seqMap {
		delete(d.seqMap, s)
	}
	for k := range d.typeMap {
		delete(d.typeMap, k)
	}
	d.dflt = nil
}
