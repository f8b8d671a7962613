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

// Package stack defines the boundary between the GATT server and a vendor
// BLE stack.  Every setup request is asynchronous: the call only queues the
// request, and its outcome arrives later as an acknowledgement event on the
// stack's event channel.
package stack

import (
	"fmt"

	"github.com/bitmans/blesrv/gattsrv/bledefs"
)

type AppId uint16

// Interface handle assigned by the stack when an application registers.
type IfaceHandle uint16

const IFACE_NONE IfaceHandle = 0xffff

// Attribute handle (service, characteristic value or descriptor).
type AttrHandle uint16

type ConnId uint16

type TransId uint32

// Status reported in acknowledgements; zero means success.
type Status int

const STATUS_OK Status = 0

// Stack status codes used by the in-tree backends.
const (
	STATUS_EALREADY Status = 2
	STATUS_EINVAL   Status = 3
	STATUS_ENOENT   Status = 5
	STATUS_ENOMEM   Status = 6
	STATUS_ENOTCONN Status = 7
	STATUS_ENOTSUP  Status = 8
	STATUS_ETIMEOUT Status = 13
	STATUS_EUNKNOWN Status = 17
)

var StatusStringMap = map[Status]string{
	STATUS_OK:       "ok",
	STATUS_EALREADY: "ealready",
	STATUS_EINVAL:   "einval",
	STATUS_ENOENT:   "enoent",
	STATUS_ENOMEM:   "enomem",
	STATUS_ENOTCONN: "enotconn",
	STATUS_ENOTSUP:  "enotsup",
	STATUS_ETIMEOUT: "etimeout",
	STATUS_EUNKNOWN: "eunknown",
}

func (s Status) String() string {
	if str, ok := StatusStringMap[s]; ok {
		return str
	}

	return fmt.Sprintf("status=%d", int(s))
}

type InitCfg struct {
	DeviceName string
	Appearance uint16
}

type ChrParams struct {
	Uuid  bledefs.BleUuid
	Perms bledefs.BleAttFlags
	Props bledefs.BleChrFlags
	Val   []byte
	// Maximum attribute length.
	MaxLen int
}

type DscParams struct {
	Uuid  bledefs.BleUuid
	Perms bledefs.BleAttFlags
	// Characteristic value handle the descriptor belongs to.
	ChrHandle AttrHandle
}

type AdvParams struct {
	ItvlMin      uint16
	ItvlMax      uint16
	AdvType      bledefs.BleAdvType
	OwnAddrType  bledefs.BleAddrType
	ChannelMap   uint8
	FilterPolicy bledefs.BleAdvFilterPolicy
}

type ConnParams struct {
	ItvlMin uint16
	ItvlMax uint16
	Latency uint16
	// Supervision timeout, in units of 10 ms.
	SupervisionTmo uint16
}

// Stack is an asynchronous BLE peripheral stack.  A nil error from a request
// method only means the request was queued; completion is reported by the
// matching acknowledgement event.  SendRsp, Notify and UpdateConnParams are
// fire-and-forget.
type Stack interface {
	Init(cfg InitCfg) error
	Events() <-chan Event

	RegisterApp(app AppId) error
	UnregisterApp(iface IfaceHandle) error

	CreateService(iface IfaceHandle, uuid bledefs.BleUuid,
		numHandles int) error
	AddChr(iface IfaceHandle, svc AttrHandle, p ChrParams) error
	AddDsc(iface IfaceHandle, svc AttrHandle, p DscParams) error
	StartService(svc AttrHandle) error
	StopService(svc AttrHandle) error
	DeleteService(svc AttrHandle) error

	SetAdvData(data []byte) error
	SetRspData(data []byte) error
	StartAdv(p AdvParams) error
	StopAdv() error

	SendRsp(iface IfaceHandle, conn ConnId, trans TransId, status uint8,
		handle AttrHandle, data []byte) error
	Notify(iface IfaceHandle, conn ConnId, handle AttrHandle, data []byte,
		needConfirm bool) error
	UpdateConnParams(conn ConnId, p ConnParams) error

	Close() error
}
