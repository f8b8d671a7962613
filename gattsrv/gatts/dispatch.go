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
	"encoding/binary"

	log "github.com/sirupsen/logrus"

	"github.com/bitmans/blesrv/gattsrv/bledefs"
	"github.com/bitmans/blesrv/gattsrv/stack"
)

func logAccess(a bledefs.BleGattAccess, status uint8) {
	log.Debugf("Access callback: op=%s chr=%s offset=%d status=0x%02x",
		bledefs.BleGattOpToString(a.Op), a.ChrUuid.String(), a.Offset, status)
}

// onStackEvent routes one item from the stack's event channel.  Caller must
// hold the lock.
func (s *Server) onStackEvent(evt stack.Event) {
	switch e := evt.(type) {
	case *stack.AppRegEvt:
		s.onAppReg(e)
	case *stack.SvcCreateEvt:
		s.onSvcCreate(e)
	case *stack.ChrAddEvt:
		s.onChrAdd(e)
	case *stack.DscAddEvt:
		s.onDscAdd(e)
	case *stack.SvcStartEvt:
		s.onSvcStart(e)
	case *stack.AdvDataEvt:
		s.onAdvData(e)
	case *stack.RspDataEvt:
		s.onRspData(e)
	case *stack.AdvStartEvt:
		s.onAdvStart(e)
	case *stack.AdvStopEvt:
		s.onAdvStop(e)
	case *stack.SvcStopEvt:
		s.onSvcStop(e)
	case *stack.SvcDeleteEvt:
		s.onSvcDelete(e)
	case *stack.AppUnregEvt:
		s.onAppUnreg(e)

	case *stack.ConnectEvt:
		s.onConnect(e)
	case *stack.DisconnectEvt:
		s.onDisconnect(e)
	case *stack.ReadEvt:
		s.onRead(e)
	case *stack.WriteEvt:
		s.onWrite(e)
	case *stack.ConfirmEvt:
		if e.Status != stack.STATUS_OK {
			log.Warnf("Indication on handle %d not confirmed: %s",
				e.Handle, e.Status)
		}
	case *stack.ErrEvt:
		s.onStackErr(e)

	default:
		log.Warnf("Unknown stack event type: %T", evt)
	}
}

func (s *Server) onStackErr(e *stack.ErrEvt) {
	if s.state == STATE_IDLE || isTeardown(s.state) {
		log.Warnf("Stack error during teardown: %s (%s)", e.Text, e.Status)
		return
	}

	s.setError(ERR_KIND_INTERNAL, e.Status, "stack error: "+e.Text)
}

func (s *Server) onConnect(e *stack.ConnectEvt) {
	if s.connected {
		log.Warnf("Connect from %s while already connected to %s; ignoring",
			e.Peer.String(), s.conn.Peer.String())
		return
	}

	switch {
	case s.state == STATE_ADVERTISING:
	case isTeardown(s.state):
		log.Debugf("Client connected during teardown")
	default:
		log.Warnf("Ignoring connect in state %s", s.state)
		return
	}

	s.connected = true
	s.conn = ConnInfo{Conn: e.Conn, Peer: e.Peer}
	log.Infof("Client connected: conn=%d peer=%s", e.Conn, e.Peer.String())

	if s.state == STATE_ADVERTISING {
		if err := s.transition(STATE_CONNECTED); err != nil {
			s.setError(ERR_KIND_INVALID_STATE, stack.STATUS_EINVAL,
				err.Error())
			return
		}
		s.stopAdvOp()

		err := s.stk.UpdateConnParams(e.Conn, stack.ConnParams{
			ItvlMin:        s.cfg.ConnItvlMin,
			ItvlMax:        s.cfg.ConnItvlMax,
			Latency:        0,
			SupervisionTmo: 400,
		})
		if err != nil {
			log.Warnf("Connection parameter update failed: %s", err.Error())
		}
	}

	s.emit(Event{
		Type: EVT_CLIENT_CONNECTED,
		Conn: e.Conn,
		Peer: e.Peer,
	})
}

func (s *Server) onDisconnect(e *stack.DisconnectEvt) {
	if !s.connected || s.conn.Conn != e.Conn {
		log.Warnf("Disconnect for unknown connection %d", e.Conn)
		return
	}

	s.connected = false
	s.conn = ConnInfo{}
	for _, c := range s.chrs {
		c.cccdVal = 0
	}
	log.Infof("Client disconnected: conn=%d reason=%d", e.Conn, e.Reason)

	s.emit(Event{
		Type:   EVT_CLIENT_DISCONNECTED,
		Conn:   e.Conn,
		Peer:   e.Peer,
		Reason: e.Reason,
	})

	if s.state == STATE_CONNECTED {
		if err := s.transition(STATE_ADVERTISING); err != nil {
			s.setError(ERR_KIND_INVALID_STATE, stack.STATUS_EINVAL,
				err.Error())
			return
		}
		if !s.stopRequested {
			s.startAdvOp()
		}
	}
}

// respond sends a response for a request the server answers itself.  Caller
// must hold the lock.
func (s *Server) respond(conn stack.ConnId, trans stack.TransId,
	status uint8, handle stack.AttrHandle, data []byte) {

	iface := s.ifaceForHandle(handle)
	if err := s.stk.SendRsp(iface, conn, trans, status, handle,
		data); err != nil {

		log.Warnf("Failed to respond on handle %d: %s", handle, err.Error())
	}
}

func (s *Server) onRead(e *stack.ReadEvt) {
	c := s.chrByHandle(e.Handle)
	if c == nil {
		log.Warnf("Read of unknown handle %d", e.Handle)
		s.respond(e.Conn, e.Trans, bledefs.BLE_ATT_ERR_READ_NOT_PERMIT,
			e.Handle, nil)
		return
	}

	if e.Offset < 0 {
		log.Warnf("Read of handle %d at negative offset %d",
			e.Handle, e.Offset)
		s.respond(e.Conn, e.Trans, bledefs.BLE_ATT_ERR_INVALID_OFFSET,
			e.Handle, nil)
		return
	}

	if e.Handle == c.cccdHandle {
		val := make([]byte, 2)
		binary.LittleEndian.PutUint16(val, c.cccdVal)
		s.respond(e.Conn, e.Trans, bledefs.BLE_ATT_ERR_OK, e.Handle, val)
		return
	}

	if c.def.Flags&bledefs.BLE_GATT_F_READ == 0 {
		s.respond(e.Conn, e.Trans, bledefs.BLE_ATT_ERR_READ_NOT_PERMIT,
			e.Handle, nil)
		return
	}

	svc := s.svcs[c.svcIdx]
	evt := Event{
		Type:    EVT_READ_REQUEST,
		State:   s.state,
		SvcName: svc.def.Name,
		ChrName: c.def.Name,
		Handle:  e.Handle,
		Conn:    e.Conn,
		Peer:    s.conn.Peer,
		Trans:   e.Trans,
		Offset:  e.Offset,
		NeedRsp: true,
	}

	if c.def.AccessCb == nil {
		s.emit(evt)
		return
	}

	cb := c.def.AccessCb
	access := bledefs.BleGattAccess{
		Op:         bledefs.BLE_GATT_ACCESS_OP_READ_CHR,
		ConnHandle: uint16(e.Conn),
		SvcUuid:    svc.def.Uuid,
		ChrUuid:    c.def.Uuid,
		Offset:     e.Offset,
	}
	stk := s.stk
	iface := svc.iface

	// The callback is user code; it runs after the lock is released.
	s.queue(func(h Handler) {
		status, data := cb(access)
		logAccess(access, status)
		if status == bledefs.BLE_ATT_ERR_OK {
			if e.Offset < 0 || e.Offset > len(data) {
				status = bledefs.BLE_ATT_ERR_INVALID_OFFSET
				data = nil
			} else {
				data = data[e.Offset:]
			}
		} else {
			data = nil
		}

		if err := stk.SendRsp(iface, e.Conn, e.Trans, status, e.Handle,
			data); err != nil {

			log.Warnf("Failed to respond on handle %d: %s",
				e.Handle, err.Error())
		}

		evt.Data = data
		evt.Answered = true
		h.OnEvent(evt)
	})
}

func (s *Server) onWrite(e *stack.WriteEvt) {
	c := s.chrByHandle(e.Handle)
	if c == nil {
		log.Warnf("Write to unknown handle %d", e.Handle)
		if e.NeedRsp {
			s.respond(e.Conn, e.Trans, bledefs.BLE_ATT_ERR_WRITE_NOT_PERMIT,
				e.Handle, nil)
		}
		return
	}

	if e.Offset < 0 {
		log.Warnf("Write to handle %d at negative offset %d",
			e.Handle, e.Offset)
		if e.NeedRsp {
			s.respond(e.Conn, e.Trans, bledefs.BLE_ATT_ERR_INVALID_OFFSET,
				e.Handle, nil)
		}
		return
	}

	svc := s.svcs[c.svcIdx]
	val := append([]byte(nil), e.Value...)

	if e.Handle == c.cccdHandle {
		s.onCccdWrite(c, e, val)
		return
	}

	if c.def.Flags&(bledefs.BLE_GATT_F_WRITE|
		bledefs.BLE_GATT_F_WRITE_NO_RSP) == 0 {

		if e.NeedRsp {
			s.respond(e.Conn, e.Trans, bledefs.BLE_ATT_ERR_WRITE_NOT_PERMIT,
				e.Handle, nil)
		}
		return
	}

	if c.def.MaxLen > 0 && e.Offset+len(val) > c.def.MaxLen {
		log.Warnf("Write of %d bytes at offset %d to %s.%s exceeds %d",
			len(val), e.Offset, svc.def.Name, c.def.Name, c.def.MaxLen)
		if e.NeedRsp {
			s.respond(e.Conn, e.Trans, bledefs.BLE_ATT_ERR_INVALID_ATTR_LEN,
				e.Handle, nil)
		}
		return
	}

	evt := Event{
		Type:    EVT_WRITE_REQUEST,
		State:   s.state,
		SvcName: svc.def.Name,
		ChrName: c.def.Name,
		Handle:  e.Handle,
		Conn:    e.Conn,
		Peer:    s.conn.Peer,
		Trans:   e.Trans,
		Offset:  e.Offset,
		Data:    val,
		NeedRsp: e.NeedRsp,
	}

	if c.def.AccessCb == nil {
		if e.NeedRsp {
			s.respond(e.Conn, e.Trans, bledefs.BLE_ATT_ERR_OK, e.Handle, nil)
			evt.Answered = true
		}
		s.emit(evt)
		return
	}

	cb := c.def.AccessCb
	access := bledefs.BleGattAccess{
		Op:         bledefs.BLE_GATT_ACCESS_OP_WRITE_CHR,
		ConnHandle: uint16(e.Conn),
		SvcUuid:    svc.def.Uuid,
		ChrUuid:    c.def.Uuid,
		Offset:     e.Offset,
		Data:       val,
	}
	stk := s.stk
	iface := svc.iface

	s.queue(func(h Handler) {
		status, _ := cb(access)
		logAccess(access, status)
		if e.NeedRsp {
			if err := stk.SendRsp(iface, e.Conn, e.Trans, status, e.Handle,
				nil); err != nil {

				log.Warnf("Failed to respond on handle %d: %s",
					e.Handle, err.Error())
			}
		}

		evt.Answered = true
		h.OnEvent(evt)
	})
}

// Caller must hold the lock.
func (s *Server) onCccdWrite(c *chr, e *stack.WriteEvt, val []byte) {
	switch len(val) {
	case 0:
		c.cccdVal = 0
	case 1:
		c.cccdVal = uint16(val[0])
	default:
		c.cccdVal = binary.LittleEndian.Uint16(val)
	}

	typ := EVT_NOTIFY_DISABLED
	if len(val) >= 2 &&
		val[0]&(bledefs.BLE_CCCD_NOTIFY|bledefs.BLE_CCCD_INDICATE) != 0 {

		typ = EVT_NOTIFY_ENABLED
	}

	if e.NeedRsp {
		s.respond(e.Conn, e.Trans, bledefs.BLE_ATT_ERR_OK, e.Handle, nil)
	}

	s.emit(Event{
		Type:    typ,
		SvcName: s.svcs[c.svcIdx].def.Name,
		ChrName: c.def.Name,
		Handle:  c.handle,
		Conn:    e.Conn,
		Peer:    s.conn.Peer,
		Data:    val,
	})
}
