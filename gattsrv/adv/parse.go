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

package adv

import (
	"encoding/binary"
	"fmt"

	"github.com/bitmans/blesrv/gattsrv/bledefs"
)

// ParsedFields holds the AD structures recognized in a payload.  Each field
// is only present if the payload included it.
type ParsedFields struct {
	Data []byte

	Flags              *uint8
	Uuids16            []bledefs.BleUuid16
	Uuids16IsComplete  bool
	Uuids128           []bledefs.BleUuid128
	Uuids128IsComplete bool
	Name               *string
	NameIsComplete     bool
	Appearance         *uint16
	MfgData            []byte
}

// Uuids returns every advertised service UUID, 16-bit ones first.
func (pf *ParsedFields) Uuids() []bledefs.BleUuid {
	uuids := make([]bledefs.BleUuid, 0, len(pf.Uuids16)+len(pf.Uuids128))
	for _, u := range pf.Uuids16 {
		uuids = append(uuids, bledefs.NewUuid16(u))
	}
	for _, u := range pf.Uuids128 {
		uuids = append(uuids, bledefs.NewUuid128(u))
	}

	return uuids
}

func ParseFields(data []byte) (ParsedFields, error) {
	pf := ParsedFields{Data: data}

	off := 0
	for off < len(data) {
		l := int(data[off])
		if l == 0 {
			// Early terminator; the rest is padding.
			break
		}
		if off+1+l > len(data) {
			return pf, fmt.Errorf(
				"AD structure at offset %d overruns payload (len=%d)", off, l)
		}

		adType := data[off+1]
		body := data[off+2 : off+1+l]
		off += 1 + l

		switch adType {
		case BLE_HS_ADV_TYPE_FLAGS:
			if len(body) != 1 {
				return pf, fmt.Errorf("invalid flags length: %d", len(body))
			}
			f := body[0]
			pf.Flags = &f

		case BLE_HS_ADV_TYPE_INCOMP_UUIDS16, BLE_HS_ADV_TYPE_COMP_UUIDS16:
			if len(body)%2 != 0 {
				return pf, fmt.Errorf("invalid 16-bit UUID list length: %d",
					len(body))
			}
			for i := 0; i < len(body); i += 2 {
				pf.Uuids16 = append(pf.Uuids16,
					bledefs.BleUuid16(binary.LittleEndian.Uint16(body[i:])))
			}
			pf.Uuids16IsComplete = adType == BLE_HS_ADV_TYPE_COMP_UUIDS16

		case BLE_HS_ADV_TYPE_INCOMP_UUIDS128, BLE_HS_ADV_TYPE_COMP_UUIDS128:
			if len(body)%16 != 0 {
				return pf, fmt.Errorf("invalid 128-bit UUID list length: %d",
					len(body))
			}
			for i := 0; i < len(body); i += 16 {
				var u bledefs.BleUuid128
				for j := 0; j < 16; j++ {
					u[15-j] = body[i+j]
				}
				pf.Uuids128 = append(pf.Uuids128, u)
			}
			pf.Uuids128IsComplete = adType == BLE_HS_ADV_TYPE_COMP_UUIDS128

		case BLE_HS_ADV_TYPE_INCOMP_NAME, BLE_HS_ADV_TYPE_COMP_NAME:
			name := string(body)
			pf.Name = &name
			pf.NameIsComplete = adType == BLE_HS_ADV_TYPE_COMP_NAME

		case BLE_HS_ADV_TYPE_APPEARANCE:
			if len(body) != 2 {
				return pf, fmt.Errorf("invalid appearance length: %d",
					len(body))
			}
			a := binary.LittleEndian.Uint16(body)
			pf.Appearance = &a

		case BLE_HS_ADV_TYPE_MFG_DATA:
			pf.MfgData = body
		}
	}

	return pf, nil
}
