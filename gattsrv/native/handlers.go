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

package native

import (
	"time"

	"github.com/JuulLabs-OSS/ble"
	log "github.com/sirupsen/logrus"

	"github.com/bitmans/blesrv/gattsrv/bledefs"
	"github.com/bitmans/blesrv/gattsrv/gsutil"
	"github.com/bitmans/blesrv/gattsrv/stack"
)

// "Unlikely error"; reported when the application never answers a read.
const attErrUnlikely = ble.ATTError(0x0e)

func (s *Stack) bindHandlers(cr *chrRec) {
	c := cr.chr

	if cr.props&bledefs.BLE_GATT_F_READ != 0 {
		c.HandleRead(ble.ReadHandlerFunc(
			func(req ble.Request, rsp ble.ResponseWriter) {
				s.onRead(cr, req, rsp)
			}))
	}

	if cr.props&(bledefs.BLE_GATT_F_WRITE|
		bledefs.BLE_GATT_F_WRITE_NO_RSP) != 0 {

		c.HandleWrite(ble.WriteHandlerFunc(
			func(req ble.Request, rsp ble.ResponseWriter) {
				s.onWrite(cr, req)
			}))
	}

	if cr.props&bledefs.BLE_GATT_F_NOTIFY != 0 {
		c.HandleNotify(ble.NotifyHandlerFunc(
			func(req ble.Request, n ble.Notifier) {
				s.onSubscribe(cr, req, n, bledefs.BLE_CCCD_NOTIFY)
			}))
	}

	if cr.props&bledefs.BLE_GATT_F_INDICATE != 0 {
		c.HandleIndicate(ble.NotifyHandlerFunc(
			func(req ble.Request, n ble.Notifier) {
				s.onSubscribe(cr, req, n, bledefs.BLE_CCCD_INDICATE)
			}))
	}
}

// connFor maps a library connection to a connection ID, reporting a connect
// event the first time the connection is seen.
func (s *Stack) connFor(c ble.Conn) *connRec {
	s.mtx.Lock()
	if cr := s.conns[c]; cr != nil {
		s.mtx.Unlock()
		return cr
	}

	cr := &connRec{
		id:        s.nextConn,
		conn:      c,
		notifiers: map[stack.AttrHandle]ble.Notifier{},
	}
	s.nextConn++
	s.conns[c] = cr
	closeCh := s.closeCh

	peer, err := bledefs.ParseBleAddr(c.RemoteAddr().String())
	if err != nil {
		log.Debugf("Unparseable peer address: %s", err.Error())
	}

	// Queued under the lock so that no request on this connection can
	// overtake the connect.
	s.post(&stack.ConnectEvt{Conn: cr.id, Peer: peer})
	s.mtx.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		select {
		case <-c.Disconnected():
		case <-closeCh:
			return
		}

		s.mtx.Lock()
		delete(s.conns, c)
		s.mtx.Unlock()

		s.post(&stack.DisconnectEvt{Conn: cr.id, Peer: peer})
	}()

	return cr
}

func (s *Stack) onRead(cr *chrRec, req ble.Request,
	rsp ble.ResponseWriter) {

	conn := s.connFor(req.Conn())

	trans := stack.TransId(gsutil.NextSeq())
	ch := make(chan rspVal, 1)

	s.mtx.Lock()
	s.trans[trans] = ch
	s.mtx.Unlock()

	s.post(&stack.ReadEvt{
		Conn:   conn.id,
		Trans:  trans,
		Handle: cr.handle,
		Offset: req.Offset(),
		IsLong: req.Offset() > 0,
	})

	timer := time.NewTimer(s.cfg.RspTimeout)
	defer gsutil.StopAndDrainTimer(timer)

	select {
	case r, ok := <-ch:
		if !ok {
			rsp.SetStatus(attErrUnlikely)
			return
		}
		if r.status != 0 {
			rsp.SetStatus(ble.ATTError(r.status))
			return
		}
		data := r.data
		if cr.maxLen > 0 && len(data) > cr.maxLen {
			data = data[:cr.maxLen]
		}
		if _, err := rsp.Write(data); err != nil {
			log.Debugf("Read response truncated: %s", err.Error())
		}

	case <-timer.C:
		s.mtx.Lock()
		delete(s.trans, trans)
		s.mtx.Unlock()

		log.Warnf("No response to read of handle %d; trans=%d",
			cr.handle, trans)
		rsp.SetStatus(attErrUnlikely)
	}
}

func (s *Stack) onWrite(cr *chrRec, req ble.Request) {
	conn := s.connFor(req.Conn())

	s.post(&stack.WriteEvt{
		Conn:   conn.id,
		Trans:  stack.TransId(gsutil.NextSeq()),
		Handle: cr.handle,
		Offset: req.Offset(),
		Value:  append([]byte(nil), req.Data()...),
	})
}

// onSubscribe runs for the life of a subscription.  Subscription changes are
// reported as CCCD writes.
func (s *Stack) onSubscribe(cr *chrRec, req ble.Request, n ble.Notifier,
	bits uint16) {

	conn := s.connFor(req.Conn())

	s.mtx.Lock()
	conn.notifiers[cr.handle] = n
	s.mtx.Unlock()

	s.cccdWrite(conn, cr, bits)

	<-n.Context().Done()

	s.mtx.Lock()
	delete(conn.notifiers, cr.handle)
	s.mtx.Unlock()

	s.cccdWrite(conn, cr, 0)
}

func (s *Stack) cccdWrite(conn *connRec, cr *chrRec, bits uint16) {
	if cr.cccdHandle == 0 {
		return
	}

	s.post(&stack.WriteEvt{
		Conn:   conn.id,
		Trans:  stack.TransId(gsutil.NextSeq()),
		Handle: cr.cccdHandle,
		Value:  []byte{byte(bits), byte(bits >> 8)},
	})
}
