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

package cli

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/fatih/structs"
	log "github.com/sirupsen/logrus"

	"github.com/bitmans/blesrv/gattsrv/bledefs"
	"github.com/bitmans/blesrv/gattsrv/gatts"
	"github.com/bitmans/blesrv/gattsrv/sim"
)

// Characteristic values served by the tool, keyed by "service/chr".
type valueStore struct {
	mtx  sync.Mutex
	vals map[string][]byte
}

func valKey(svcName string, chrName string) string {
	return svcName + "/" + chrName
}

func newValueStore(defs []gatts.ServiceDef) *valueStore {
	vs := &valueStore{
		vals: map[string][]byte{},
	}

	for _, d := range defs {
		for _, c := range d.Chrs {
			vs.vals[valKey(d.Name, c.Name)] = c.InitVal
		}
	}

	return vs
}

func (vs *valueStore) Get(svcName string, chrName string) []byte {
	vs.mtx.Lock()
	defer vs.mtx.Unlock()

	return vs.vals[valKey(svcName, chrName)]
}

func (vs *valueStore) Set(svcName string, chrName string, val []byte) {
	vs.mtx.Lock()
	defer vs.mtx.Unlock()

	vs.vals[valKey(svcName, chrName)] = append([]byte(nil), val...)
}

func (vs *valueStore) Keys() []string {
	vs.mtx.Lock()
	defer vs.mtx.Unlock()

	keys := make([]string, 0, len(vs.vals))
	for k := range vs.vals {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return keys
}

// eventFields renders the non-zero fields of an event as key=value pairs.
func eventFields(evt gatts.Event) string {
	var parts []string

	for _, f := range structs.New(evt).Fields() {
		if !f.IsExported() || f.IsZero() {
			continue
		}

		var s string
		switch v := f.Value().(type) {
		case []byte:
			s = fmt.Sprintf("%x", v)
		case fmt.Stringer:
			s = v.String()
		case error:
			s = v.Error()
		default:
			s = fmt.Sprintf("%v", v)
		}

		parts = append(parts, strings.ToLower(f.Name())+"="+s)
	}

	return strings.Join(parts, " ")
}

// cliHandler serves reads from a valueStore, records writes, and reports
// events through printFn.
type cliHandler struct {
	s       *gatts.Server
	vals    *valueStore
	printFn func(line string)

	// Connect a simulated client once advertising starts.
	simPeer *bledefs.BleAddr
	simConn *sim.Sim

	// Called after the event has been handled.
	hookFn func(evt gatts.Event)
}

func (h *cliHandler) OnEvent(evt gatts.Event) {
	h.printFn("event: " + eventFields(evt))

	switch evt.Type {
	case gatts.EVT_READ_REQUEST:
		if evt.Answered {
			break
		}

		status := uint8(bledefs.BLE_ATT_ERR_OK)
		data := h.vals.Get(evt.SvcName, evt.ChrName)
		if evt.Offset < 0 || evt.Offset > len(data) {
			status = bledefs.BLE_ATT_ERR_INVALID_OFFSET
			data = nil
		} else {
			data = data[evt.Offset:]
		}

		err := h.s.SendResponse(evt.Conn, evt.Trans, status, evt.Handle,
			data)
		if err != nil {
			log.Warnf("Failed to answer read of %s/%s: %s",
				evt.SvcName, evt.ChrName, err.Error())
		}

	case gatts.EVT_WRITE_REQUEST:
		h.vals.Set(evt.SvcName, evt.ChrName, evt.Data)

	case gatts.EVT_ADVERTISING_STARTED:
		if h.simConn != nil && h.simPeer != nil && !h.s.IsConnected() {
			h.simConn.Connect(1, *h.simPeer)
		}
	}

	if h.hookFn != nil {
		h.hookFn(evt)
	}
}

func (h *cliHandler) OnPeriodic() {
}

// newCliHandler wires a handler to the global server, arranging a simulated
// client connection if the connstring asks for one.
func newCliHandler(s *gatts.Server, vals *valueStore,
	printFn func(line string)) *cliHandler {

	h := &cliHandler{
		s:       s,
		vals:    vals,
		printFn: printFn,
	}

	if ss, ok := globalStack.(*sim.Sim); ok && globalStackCfg.Sim.Connect {
		peer := globalStackCfg.Sim.Peer
		h.simConn = ss
		h.simPeer = &peer
	}

	return h
}
