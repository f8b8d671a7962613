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

// AccessFn answers reads and writes for a characteristic.  It returns an ATT
// status and, for reads, the value to send.
type AccessFn bledefs.BleGattAccessFn

type ChrDef struct {
	Uuid bledefs.BleUuid
	Name string

	// Characteristic properties (read, write, notify, ...).
	Flags bledefs.BleChrFlags
	Perms bledefs.BleAttFlags

	AddCccd bool

	// Longest value a client may write; zero means no limit.
	MaxLen  int
	InitVal []byte

	// Optional.  When set, reads and writes are answered by the server.
	AccessCb AccessFn
}

type ServiceDef struct {
	Uuid  bledefs.BleUuid
	Name  string
	AppId stack.AppId
	Chrs  []ChrDef

	AutoStart    bool
	IncludeInAdv bool
}

// Handles the stack needs for a service: the declaration plus a declaration
// and value per characteristic.
func (d *ServiceDef) NumHandles() int {
	return 1 + 2*len(d.Chrs)
}

type service struct {
	def    ServiceDef
	state  SvcState
	iface  stack.IfaceHandle
	handle stack.AttrHandle

	// Indices into Server.chrs.
	chrs []int
}

type chr struct {
	def        ChrDef
	handle     stack.AttrHandle
	cccdHandle stack.AttrHandle
	cccdVal    uint16

	// Index into Server.svcs.
	svcIdx int
}

func (c *chr) owns(h stack.AttrHandle) bool {
	if h == 0 {
		return false
	}
	return c.handle == h || c.cccdHandle == h
}

func (svc *service) reset() {
	svc.state = SVC_STATE_DEFINED
	svc.iface = stack.IFACE_NONE
	svc.handle = 0
}

func (c *chr) reset() {
	c.handle = 0
	c.cccdHandle = 0
	c.cccdVal = 0
}

// Snapshot of a service's runtime record.
type SvcInfo struct {
	Name   string
	Uuid   bledefs.BleUuid
	AppId  stack.AppId
	State  SvcState
	Iface  stack.IfaceHandle
	Handle stack.AttrHandle
	Chrs   []ChrInfo
}

// Snapshot of a characteristic's runtime record.
type ChrInfo struct {
	Name       string
	SvcName    string
	Uuid       bledefs.BleUuid
	Flags      bledefs.BleChrFlags
	Handle     stack.AttrHandle
	CccdHandle stack.AttrHandle
	Notify     bool
	Indicate   bool
}

func (ci ChrInfo) String() string {
	return fmt.Sprintf("%s/%s uuid=%s handle=%d cccd=%d",
		ci.SvcName, ci.Name, ci.Uuid.String(), ci.Handle, ci.CccdHandle)
}

func validateServiceDef(def *ServiceDef, maxChrs int) error {
	if def.Name == "" {
		return fmt.Errorf("service has no name")
	}
	if def.Uuid.IsZero() {
		return fmt.Errorf("service %s has no UUID", def.Name)
	}
	if len(def.Chrs) > maxChrs {
		return fmt.Errorf("service %s has too many characteristics: %d > %d",
			def.Name, len(def.Chrs), maxChrs)
	}

	names := map[string]struct{}{}
	for _, c := range def.Chrs {
		if c.Uuid.IsZero() {
			return fmt.Errorf("characteristic %s.%s has no UUID",
				def.Name, c.Name)
		}
		if c.Name != "" {
			if _, ok := names[c.Name]; ok {
				return fmt.Errorf("duplicate characteristic name: %s.%s",
					def.Name, c.Name)
			}
			names[c.Name] = struct{}{}
		}
	}

	return nil
}
