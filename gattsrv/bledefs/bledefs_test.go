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

package bledefs

import (
	"encoding/json"
	"testing"
)

func TestParseUuid(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"0x180f", "0x180f", false},
		{"6200", "0x1838", false},
		{"6e400001-b5a3-f393-e0a9-e50e24dcca9e",
			"6e400001-b5a3-f393-e0a9-e50e24dcca9e", false},
		{"6e400001b5a3f393e0a9e50e24dcca9e", "", true},
		{"bogus", "", true},
	}

	for _, tt := range tests {
		u, err := ParseUuid(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseUuid(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseUuid(%q): %v", tt.in, err)
			continue
		}
		if u.String() != tt.want {
			t.Errorf("ParseUuid(%q) = %s, want %s", tt.in, u.String(), tt.want)
		}
	}
}

func TestUuidTo128(t *testing.T) {
	u := NewUuid16(BLE_UUID16_SVC_BATTERY)
	got := u.To128().String()
	want := "0000180f-0000-1000-8000-00805f9b34fb"
	if got != want {
		t.Fatalf("To128() = %s, want %s", got, want)
	}

	r := u.To128().Reversed()
	if r[0] != 0xfb || r[12] != 0x0f || r[13] != 0x18 {
		t.Fatalf("unexpected little-endian encoding: % x", r)
	}
}

func TestUuidJSON(t *testing.T) {
	in := []BleUuid{
		NewUuid16(0x2a19),
		{U128: BleUuid128{0x6e, 0x40, 0x00, 0x01}},
	}

	b, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}

	var out []BleUuid
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatal(err)
	}

	for i := range in {
		if CompareUuids(in[i], out[i]) != 0 {
			t.Errorf("uuid %d: got %s, want %s", i, out[i], in[i])
		}
	}
}

func TestChrFlagsString(t *testing.T) {
	f := BLE_GATT_F_READ | BLE_GATT_F_NOTIFY
	if f.String() != "read|notify" {
		t.Fatalf("got %q", f.String())
	}

	g, err := BleChrFlagFromString("indicate")
	if err != nil || g != BLE_GATT_F_INDICATE {
		t.Fatalf("BleChrFlagFromString: %v %v", g, err)
	}
}

func TestParseBleAddr(t *testing.T) {
	a, err := ParseBleAddr("0A:0b:0c:0d:0e:0f")
	if err != nil {
		t.Fatal(err)
	}
	if a.String() != "0a:0b:0c:0d:0e:0f" {
		t.Fatalf("got %s", a.String())
	}

	if _, err := ParseBleAddr("0a:0b"); err == nil {
		t.Fatalf("expected error for short address")
	}
}

func TestEnumNames(t *testing.T) {
	for _, name := range []string{"public", "random", "rpa_pub", "rpa_rnd"} {
		at, err := BleAddrTypeFromString(name)
		if err != nil {
			t.Fatal(err)
		}
		if s := BleAddrTypeToString(at); s != name {
			t.Fatalf("address type round trip: %s != %s", s, name)
		}
	}
	if _, err := BleAddrTypeFromString("static"); err == nil {
		t.Fatalf("unknown address type accepted")
	}

	if s := BleGattOpToString(BLE_GATT_ACCESS_OP_WRITE_CHR); s != "write_chr" {
		t.Fatalf("wrong op name: %s", s)
	}
	if s := BleGattOpToString(BleGattOp(9)); s != "???" {
		t.Fatalf("wrong name for unknown op: %s", s)
	}
}
