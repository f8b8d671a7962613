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

package stack

import (
	"github.com/bitmans/blesrv/gattsrv/bledefs"
)

// Event is anything a stack delivers on its event channel.  Consumers
// type-switch on the concrete types below.
type Event interface{}

type AppRegEvt struct {
	Status Status
	App    AppId
	Iface  IfaceHandle
}

type AppUnregEvt struct {
	Status Status
	Iface  IfaceHandle
}

type SvcCreateEvt struct {
	Status Status
	Iface  IfaceHandle
	Uuid   bledefs.BleUuid
	Handle AttrHandle
}

type ChrAddEvt struct {
	Status Status
	Svc    AttrHandle
	Uuid   bledefs.BleUuid
	Handle AttrHandle
}

type DscAddEvt struct {
	Status Status
	Svc    AttrHandle
	Uuid   bledefs.BleUuid
	Handle AttrHandle
}

type SvcStartEvt struct {
	Status Status
	Svc    AttrHandle
}

type SvcStopEvt struct {
	Status Status
	Svc    AttrHandle
}

type SvcDeleteEvt struct {
	Status Status
	Svc    AttrHandle
}

type AdvDataEvt struct {
	Status Status
}

type RspDataEvt struct {
	Status Status
}

type AdvStartEvt struct {
	Status Status
}

type AdvStopEvt struct {
	Status Status
}

type ConnectEvt struct {
	Conn ConnId
	Peer bledefs.BleAddr
}

type DisconnectEvt struct {
	Conn   ConnId
	Peer   bledefs.BleAddr
	Reason int
}

type ReadEvt struct {
	Conn   ConnId
	Trans  TransId
	Handle AttrHandle
	Offset int
	IsLong bool
}

type WriteEvt struct {
	Conn    ConnId
	Trans   TransId
	Handle  AttrHandle
	Offset  int
	Value   []byte
	NeedRsp bool
	IsPrep  bool
}

type ConfirmEvt struct {
	Conn   ConnId
	Handle AttrHandle
	Status Status
}

// Unsolicited stack failure, e.g. transport loss.
type ErrEvt struct {
	Status Status
	Text   string
}
