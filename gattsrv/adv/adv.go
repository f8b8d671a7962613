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

// Package adv builds and parses legacy advertising payloads.
package adv

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/bitmans/blesrv/gattsrv/bledefs"
)

// AD structure types.
const (
	BLE_HS_ADV_TYPE_FLAGS           = 0x01
	BLE_HS_ADV_TYPE_INCOMP_UUIDS16  = 0x02
	BLE_HS_ADV_TYPE_COMP_UUIDS16    = 0x03
	BLE_HS_ADV_TYPE_INCOMP_UUIDS128 = 0x06
	BLE_HS_ADV_TYPE_COMP_UUIDS128   = 0x07
	BLE_HS_ADV_TYPE_INCOMP_NAME     = 0x08
	BLE_HS_ADV_TYPE_COMP_NAME       = 0x09
	BLE_HS_ADV_TYPE_TX_PWR_LVL      = 0x0a
	BLE_HS_ADV_TYPE_APPEARANCE      = 0x19
	BLE_HS_ADV_TYPE_MFG_DATA        = 0xff
)

// Flags field bits.
const (
	BLE_HS_ADV_F_DISC_LTD    = 0x01
	BLE_HS_ADV_F_DISC_GEN    = 0x02
	BLE_HS_ADV_F_BREDR_UNSUP = 0x04
)

const flagsSz = 3
const appearanceSz = 4

// Fields describes what the server wants to advertise.
type Fields struct {
	Name string

	// Put the name in the advertising payload as well as the scan response.
	NameInAdv bool

	// Omitted when zero.
	Appearance uint16

	// Candidate service UUIDs, in priority order.
	Uuids []bledefs.BleUuid
}

type Payload struct {
	Adv []byte
	Rsp []byte

	Included []bledefs.BleUuid
	Dropped  []bledefs.BleUuid
}

// Build lays out the advertising and scan-response payloads.  Service UUIDs
// are always carried as a complete 128-bit list.  A UUID is accepted only if
// the estimated payload, with room for the list header and every accepted
// UUID, stays within budget.  UUIDs that do not fit are dropped; they are not
// moved to the scan response.
func Build(f Fields, budget int) (Payload, error) {
	var p Payload

	if budget < flagsSz {
		return p, fmt.Errorf("advertising budget too small: %d", budget)
	}

	est := flagsSz
	if f.NameInAdv {
		est += 2 + len(f.Name)
	}
	if f.Appearance != 0 {
		est += appearanceSz
	}
	if est > budget {
		return p, fmt.Errorf(
			"advertising payload exceeds budget before UUIDs: %d > %d",
			est, budget)
	}

	for _, u := range f.Uuids {
		count := len(p.Included)
		if est+2+(count+1)*16 <= budget {
			p.Included = append(p.Included, u)
		} else {
			log.Warnf("Advertising payload full; dropping service UUID %s",
				u.String())
			p.Dropped = append(p.Dropped, u)
		}
	}

	buf := make([]byte, 0, budget)
	buf = append(buf, 2, BLE_HS_ADV_TYPE_FLAGS,
		BLE_HS_ADV_F_DISC_GEN|BLE_HS_ADV_F_BREDR_UNSUP)

	if f.NameInAdv {
		buf = appendField(buf, BLE_HS_ADV_TYPE_COMP_NAME, []byte(f.Name))
	}

	if f.Appearance != 0 {
		buf = appendField(buf, BLE_HS_ADV_TYPE_APPEARANCE,
			[]byte{byte(f.Appearance), byte(f.Appearance >> 8)})
	}

	if len(p.Included) > 0 {
		body := make([]byte, 0, 16*len(p.Included))
		for _, u := range p.Included {
			r := u.To128().Reversed()
			body = append(body, r[:]...)
		}
		buf = appendField(buf, BLE_HS_ADV_TYPE_COMP_UUIDS128, body)
	}
	p.Adv = buf

	p.Rsp = nameField(f.Name, budget)

	return p, nil
}

// nameField returns the scan-response name field, shortening the name if
// the complete one does not fit.
func nameField(name string, budget int) []byte {
	if name == "" {
		return []byte{}
	}

	if 2+len(name) <= budget {
		return appendField(nil, BLE_HS_ADV_TYPE_COMP_NAME, []byte(name))
	}

	short := []byte(name)[:budget-2]
	return appendField(nil, BLE_HS_ADV_TYPE_INCOMP_NAME, short)
}

func appendField(buf []byte, adType byte, body []byte) []byte {
	buf = append(buf, byte(len(body)+1), adType)
	return append(buf, body...)
}
