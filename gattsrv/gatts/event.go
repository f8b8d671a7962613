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

	"github.com/bitmans/blesrv/gattsrv/bledefs"
	"github.com/bitmans/blesrv/gattsrv/stack"
)

// Event is delivered to the Handler.  Only the fields relevant to Type are
// populated.
type Event struct {
	Type  EventType `json:"type"`
	State State     `json:"state"`

	SvcName string           `json:"svc_name,omitempty"`
	ChrName string           `json:"chr_name,omitempty"`
	Handle  stack.AttrHandle `json:"handle,omitempty"`

	Conn  stack.ConnId    `json:"conn,omitempty"`
	Peer  bledefs.BleAddr `json:"peer"`
	Trans stack.TransId   `json:"trans,omitempty"`

	Offset  int    `json:"offset,omitempty"`
	Data    []byte `json:"data,omitempty"`
	NeedRsp bool   `json:"need_rsp,omitempty"`

	// Set when the characteristic's AccessCb already sent the response.
	Answered bool `json:"answered,omitempty"`

	// Disconnect reason.
	Reason int `json:"reason,omitempty"`

	Err ErrorInfo `json:"err"`
}

func (e *Event) String() string {
	switch e.Type {
	case EVT_ERROR:
		return fmt.Sprintf("%s state=%s %s",
			e.Type, e.State, e.Err.Error())
	case EVT_CLIENT_CONNECTED, EVT_CLIENT_DISCONNECTED:
		return fmt.Sprintf("%s conn=%d peer=%s reason=%d",
			e.Type, e.Conn, e.Peer.String(), e.Reason)
	case EVT_READ_REQUEST, EVT_WRITE_REQUEST, EVT_NOTIFY_ENABLED,
		EVT_NOTIFY_DISABLED:

		return fmt.Sprintf("%s %s/%s handle=%d conn=%d len=%d",
			e.Type, e.SvcName, e.ChrName, e.Handle, e.Conn, len(e.Data))
	default:
		return fmt.Sprintf("%s state=%s %s", e.Type, e.State, e.SvcName)
	}
}

// Handler receives server events.  Both methods run on the server's event
// goroutine; they must not call Start, Stop, AddService or ClearError.
type Handler interface {
	OnEvent(evt Event)
	OnPeriodic()
}

type NopHandler struct{}

func (NopHandler) OnEvent(evt Event) {}
func (NopHandler) OnPeriodic()       {}

// HandlerFuncs adapts plain functions to a Handler.  Nil members are
// ignored.
type HandlerFuncs struct {
	EventFn    func(evt Event)
	PeriodicFn func()
}

func (h HandlerFuncs) OnEvent(evt Event) {
	if h.EventFn != nil {
		h.EventFn(evt)
	}
}

func (h HandlerFuncs) OnPeriodic() {
	if h.PeriodicFn != nil {
		h.PeriodicFn()
	}
}
