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
	"bytes"
	"testing"

	"github.com/bitmans/blesrv/gattsrv/bledefs"
)

func uuids(n int) []bledefs.BleUuid {
	us := make([]bledefs.BleUuid, n)
	for i := range us {
		us[i] = bledefs.NewUuid16(bledefs.BleUuid16(0x1800 + i))
	}
	return us
}

func TestBuildUuidBudget(t *testing.T) {
	tests := []struct {
		name       string
		fields     Fields
		wantIncl   int
		wantAdvLen int
	}{
		{
			name:       "none",
			fields:     Fields{Name: "ESP32 BLE Server"},
			wantIncl:   0,
			wantAdvLen: 3,
		},
		{
			name:       "one fits",
			fields:     Fields{Name: "ESP32 BLE Server", Uuids: uuids(1)},
			wantIncl:   1,
			wantAdvLen: 21,
		},
		{
			name:       "seven services, one fits",
			fields:     Fields{Name: "ESP32 BLE Server", Uuids: uuids(7)},
			wantIncl:   1,
			wantAdvLen: 21,
		},
		{
			name: "appearance still leaves room for one",
			fields: Fields{
				Name:       "dev",
				Appearance: 0x03c1,
				Uuids:      uuids(3),
			},
			wantIncl:   1,
			wantAdvLen: 25,
		},
		{
			name: "long name in adv leaves no room",
			fields: Fields{
				Name:      "sensor-0001",
				NameInAdv: true,
				Uuids:     uuids(2),
			},
			wantIncl:   0,
			wantAdvLen: 16,
		},
	}

	for _, tt := range tests {
		p, err := Build(tt.fields, bledefs.BLE_HS_ADV_MAX_SZ)
		if err != nil {
			t.Errorf("%s: unexpected error: %v", tt.name, err)
			continue
		}
		if len(p.Included) != tt.wantIncl {
			t.Errorf("%s: included %d UUIDs, want %d",
				tt.name, len(p.Included), tt.wantIncl)
		}
		if len(p.Included)+len(p.Dropped) != len(tt.fields.Uuids) {
			t.Errorf("%s: included+dropped != candidates", tt.name)
		}
		if len(p.Adv) != tt.wantAdvLen {
			t.Errorf("%s: adv length %d, want %d",
				tt.name, len(p.Adv), tt.wantAdvLen)
		}
		if len(p.Adv) > bledefs.BLE_HS_ADV_MAX_SZ {
			t.Errorf("%s: adv payload exceeds 31 bytes", tt.name)
		}
	}
}

func TestBuildRoundTrip(t *testing.T) {
	f := Fields{
		Name:       "ESP32 BLE Server",
		Appearance: 0x0340,
		Uuids:      []bledefs.BleUuid{bledefs.NewUuid16(bledefs.BLE_UUID16_SVC_BATTERY)},
	}

	p, err := Build(f, bledefs.BLE_HS_ADV_MAX_SZ)
	if err != nil {
		t.Fatal(err)
	}

	pf, err := ParseFields(p.Adv)
	if err != nil {
		t.Fatal(err)
	}
	if pf.Flags == nil || *pf.Flags != 0x06 {
		t.Fatalf("bad flags: %v", pf.Flags)
	}
	if pf.Name != nil {
		t.Fatalf("name present in main payload")
	}
	if pf.Appearance == nil || *pf.Appearance != 0x0340 {
		t.Fatalf("bad appearance: %v", pf.Appearance)
	}
	if len(pf.Uuids128) != 1 || !pf.Uuids128IsComplete {
		t.Fatalf("bad uuid list: %v", pf.Uuids128)
	}
	if pf.Uuids128[0] != f.Uuids[0].To128() {
		t.Fatalf("uuid mismatch: %s", pf.Uuids128[0].String())
	}

	rf, err := ParseFields(p.Rsp)
	if err != nil {
		t.Fatal(err)
	}
	if rf.Name == nil || *rf.Name != f.Name || !rf.NameIsComplete {
		t.Fatalf("bad scan response name: %v", rf.Name)
	}
}

func TestBuildShortenedName(t *testing.T) {
	name := "a-very-long-device-name-that-does-not-fit"
	p, err := Build(Fields{Name: name}, bledefs.BLE_HS_ADV_MAX_SZ)
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Rsp) != bledefs.BLE_HS_ADV_MAX_SZ {
		t.Fatalf("scan response length %d", len(p.Rsp))
	}

	rf, err := ParseFields(p.Rsp)
	if err != nil {
		t.Fatal(err)
	}
	if rf.NameIsComplete {
		t.Fatalf("shortened name marked complete")
	}
	if *rf.Name != name[:29] {
		t.Fatalf("got name %q", *rf.Name)
	}
}

func TestBuildEmptyName(t *testing.T) {
	p, err := Build(Fields{}, bledefs.BLE_HS_ADV_MAX_SZ)
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Rsp) != 0 {
		t.Fatalf("expected empty scan response, got % x", p.Rsp)
	}
	if !bytes.Equal(p.Adv, []byte{0x02, 0x01, 0x06}) {
		t.Fatalf("unexpected adv payload % x", p.Adv)
	}
}

func TestParseFieldsErrors(t *testing.T) {
	bad := [][]byte{
		{0x05, 0x09, 'a'},
		{0x02, 0x01},
		{0x04, 0x03, 0x0f, 0x18, 0x0a},
	}

	for i, b := range bad {
		if _, err := ParseFields(b); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}

	pf, err := ParseFields([]byte{0x03, 0x03, 0x0f, 0x18, 0x00, 0x00})
	if err != nil {
		t.Fatal(err)
	}
	if len(pf.Uuids()) != 1 || pf.Uuids()[0].U16 != 0x180f {
		t.Fatalf("bad 16-bit uuid parse: %v", pf.Uuids())
	}
}
