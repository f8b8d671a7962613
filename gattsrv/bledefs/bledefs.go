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
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const BLE_ATT_ATTR_MAX_LEN = 512

const BLE_ATT_MTU_DFLT = 23

// Legacy advertising PDU payload size.
const BLE_HS_ADV_MAX_SZ = 31

// Client characteristic configuration descriptor.
const BLE_UUID16_CCCD BleUuid16 = 0x2902

const (
	BLE_UUID16_SVC_BATTERY   BleUuid16 = 0x180f
	BLE_UUID16_CHR_BATT_LVL  BleUuid16 = 0x2a19
	BLE_UUID16_SVC_DEV_INFO  BleUuid16 = 0x180a
	BLE_UUID16_CHR_MFG_NAME  BleUuid16 = 0x2a29
	BLE_UUID16_SVC_HEART     BleUuid16 = 0x180d
	BLE_UUID16_CHR_HEART_MSR BleUuid16 = 0x2a37
)

// CCCD value bits.
const (
	BLE_CCCD_NOTIFY   = 0x0001
	BLE_CCCD_INDICATE = 0x0002
)

// ATT error codes sent in read and write responses.
const (
	BLE_ATT_ERR_OK               = 0x00
	BLE_ATT_ERR_INVALID_HANDLE   = 0x01
	BLE_ATT_ERR_READ_NOT_PERMIT  = 0x02
	BLE_ATT_ERR_WRITE_NOT_PERMIT = 0x03
	BLE_ATT_ERR_INVALID_OFFSET   = 0x07
	BLE_ATT_ERR_INVALID_ATTR_LEN = 0x0d
	BLE_ATT_ERR_UNLIKELY         = 0x0e
)

type BleAddrType int

const (
	BLE_ADDR_TYPE_PUBLIC  BleAddrType = 0
	BLE_ADDR_TYPE_RANDOM  BleAddrType = 1
	BLE_ADDR_TYPE_RPA_PUB BleAddrType = 2
	BLE_ADDR_TYPE_RPA_RND BleAddrType = 3
)

var BleAddrTypeStringMap = map[BleAddrType]string{
	BLE_ADDR_TYPE_PUBLIC:  "public",
	BLE_ADDR_TYPE_RANDOM:  "random",
	BLE_ADDR_TYPE_RPA_PUB: "rpa_pub",
	BLE_ADDR_TYPE_RPA_RND: "rpa_rnd",
}

func BleAddrTypeToString(addrType BleAddrType) string {
	s := BleAddrTypeStringMap[addrType]
	if s == "" {
		return "???"
	}

	return s
}

func BleAddrTypeFromString(s string) (BleAddrType, error) {
	for addrType, name := range BleAddrTypeStringMap {
		if s == name {
			return addrType, nil
		}
	}

	return BleAddrType(0), fmt.Errorf("Invalid BleAddrType string: %s", s)
}

func (a BleAddrType) MarshalJSON() ([]byte, error) {
	return json.Marshal(BleAddrTypeToString(a))
}

func (a *BleAddrType) UnmarshalJSON(data []byte) error {
	var err error

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	*a, err = BleAddrTypeFromString(s)
	return err
}

type BleAddr struct {
	Bytes [6]byte
}

func ParseBleAddr(s string) (BleAddr, error) {
	ba := BleAddr{}

	toks := strings.Split(strings.ToLower(s), ":")
	if len(toks) != 6 {
		return ba, fmt.Errorf("invalid BLE addr string: %s", s)
	}

	for i, t := range toks {
		u64, err := strconv.ParseUint(t, 16, 8)
		if err != nil {
			return ba, err
		}
		ba.Bytes[i] = byte(u64)
	}

	return ba, nil
}

func (ba BleAddr) String() string {
	var buf bytes.Buffer
	buf.Grow(len(ba.Bytes) * 3)

	for i, b := range ba.Bytes {
		if i != 0 {
			buf.WriteString(":")
		}
		fmt.Fprintf(&buf, "%02x", b)
	}

	return buf.String()
}

func (ba BleAddr) MarshalJSON() ([]byte, error) {
	return json.Marshal(ba.String())
}

func (ba *BleAddr) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	var err error
	*ba, err = ParseBleAddr(s)
	return err
}

type BleUuid16 uint16

func (bu16 BleUuid16) String() string {
	return fmt.Sprintf("0x%04x", uint16(bu16))
}

func ParseUuid16(s string) (BleUuid16, error) {
	val, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return BleUuid16(0), fmt.Errorf("Invalid UUID: %s", s)
	}

	return BleUuid16(val), nil
}

// Stored in display order; reverse for over-the-air encoding.
type BleUuid128 [16]byte

// Bluetooth base UUID: 00000000-0000-1000-8000-00805f9b34fb.
var bleBaseUuid = BleUuid128{
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x10, 0x00,
	0x80, 0x00, 0x00, 0x80, 0x5f, 0x9b, 0x34, 0xfb,
}

func (bu128 BleUuid128) String() string {
	var buf bytes.Buffer
	buf.Grow(len(bu128)*2 + 4)

	for i, b := range bu128 {
		switch i {
		case 4, 6, 8, 10:
			buf.WriteString("-")
		}

		fmt.Fprintf(&buf, "%02x", b)
	}

	return buf.String()
}

// Little-endian byte order, as carried in AD structures and ATT PDUs.
func (bu128 BleUuid128) Reversed() [16]byte {
	var r [16]byte
	for i, b := range bu128 {
		r[15-i] = b
	}
	return r
}

func ParseUuid128(s string) (BleUuid128, error) {
	var bu128 BleUuid128

	if len(s) != 36 {
		return bu128, fmt.Errorf("Invalid UUID: %s", s)
	}

	boff := 0
	for i := 0; i < 36; {
		switch i {
		case 8, 13, 18, 23:
			if s[i] != '-' {
				return bu128, fmt.Errorf("Invalid UUID: %s", s)
			}
			i++

		default:
			u64, err := strconv.ParseUint(s[i:i+2], 16, 8)
			if err != nil {
				return bu128, fmt.Errorf("Invalid UUID: %s", s)
			}
			bu128[boff] = byte(u64)
			i += 2
			boff++
		}
	}

	return bu128, nil
}

func (bu128 BleUuid128) MarshalJSON() ([]byte, error) {
	return json.Marshal(bu128.String())
}

func (bu128 *BleUuid128) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	var err error
	*bu128, err = ParseUuid128(s)
	return err
}

type BleUuid struct {
	// Set to 0 if the 128-bit UUID should be used.
	U16 BleUuid16

	// Zero if the 16-bit UUID should be used.
	U128 BleUuid128
}

func NewUuid16(u16 BleUuid16) BleUuid {
	return BleUuid{U16: u16}
}

func NewUuid128(u128 BleUuid128) BleUuid {
	return BleUuid{U128: u128}
}

func (bu BleUuid) String() string {
	if bu.U16 != 0 {
		return bu.U16.String()
	} else {
		return bu.U128.String()
	}
}

func (bu BleUuid) IsZero() bool {
	return bu.U16 == 0 && bu.U128 == BleUuid128{}
}

// To128 expands a 16-bit UUID onto the Bluetooth base UUID.  A 128-bit UUID
// is returned unchanged.
func (bu BleUuid) To128() BleUuid128 {
	if bu.U16 == 0 {
		return bu.U128
	}

	u128 := bleBaseUuid
	u128[2] = byte(bu.U16 >> 8)
	u128[3] = byte(bu.U16)
	return u128
}

func ParseUuid(uuidStr string) (BleUuid, error) {
	bu := BleUuid{}
	var err error

	// First, try to parse as a 16-bit UUID.
	bu.U16, err = ParseUuid16(uuidStr)
	if err == nil {
		return bu, nil
	}

	// Try to parse as a 128-bit UUID.
	bu.U128, err = ParseUuid128(uuidStr)
	if err == nil {
		return bu, nil
	}

	return bu, err
}

func (bu BleUuid) MarshalJSON() ([]byte, error) {
	if bu.U16 != 0 {
		return json.Marshal(uint16(bu.U16))
	} else {
		return json.Marshal(bu.U128.String())
	}
}

func (bu *BleUuid) UnmarshalJSON(data []byte) error {
	var err error

	// If the value is a string, try to parse a UUID from it.
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*bu, err = ParseUuid(s)
		return err
	}

	// Not a string; maybe it's a raw 16-bit number.
	var u16 uint16
	if err = json.Unmarshal(data, &u16); err != nil {
		return err
	}
	*bu = NewUuid16(BleUuid16(u16))

	return nil
}

func CompareUuids(a BleUuid, b BleUuid) int {
	if a.U16 != 0 || b.U16 != 0 {
		return int(a.U16) - int(b.U16)
	} else {
		return bytes.Compare(a.U128[:], b.U128[:])
	}
}

type BleAdvType int

const (
	BLE_ADV_TYPE_IND             BleAdvType = 0
	BLE_ADV_TYPE_DIRECT_IND_HIGH BleAdvType = 1
	BLE_ADV_TYPE_SCAN_IND        BleAdvType = 2
	BLE_ADV_TYPE_NONCONN_IND     BleAdvType = 3
	BLE_ADV_TYPE_DIRECT_IND_LOW  BleAdvType = 4
)

var BleAdvTypeStringMap = map[BleAdvType]string{
	BLE_ADV_TYPE_IND:             "ind",
	BLE_ADV_TYPE_DIRECT_IND_HIGH: "direct_ind_high",
	BLE_ADV_TYPE_SCAN_IND:        "scan_ind",
	BLE_ADV_TYPE_NONCONN_IND:     "nonconn_ind",
	BLE_ADV_TYPE_DIRECT_IND_LOW:  "direct_ind_low",
}

func BleAdvTypeToString(advType BleAdvType) string {
	s := BleAdvTypeStringMap[advType]
	if s == "" {
		return "???"
	}

	return s
}

func BleAdvTypeFromString(s string) (BleAdvType, error) {
	for advType, name := range BleAdvTypeStringMap {
		if s == name {
			return advType, nil
		}
	}

	return BleAdvType(0), fmt.Errorf("Invalid BleAdvType string: %s", s)
}

func (a BleAdvType) MarshalJSON() ([]byte, error) {
	return json.Marshal(BleAdvTypeToString(a))
}

func (a *BleAdvType) UnmarshalJSON(data []byte) error {
	var err error

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	*a, err = BleAdvTypeFromString(s)
	return err
}

type BleAdvFilterPolicy int

const (
	BLE_ADV_FILTER_POLICY_NONE BleAdvFilterPolicy = iota
	BLE_ADV_FILTER_POLICY_SCAN
	BLE_ADV_FILTER_POLICY_CONN
	BLE_ADV_FILTER_POLICY_BOTH
)

const BLE_ADV_CHNL_ALL = 0x07

type BleGattOp int

const (
	BLE_GATT_ACCESS_OP_READ_CHR  BleGattOp = 0
	BLE_GATT_ACCESS_OP_WRITE_CHR BleGattOp = 1
)

// Descriptor accesses never reach an access callback; the server owns the
// CCCD.
var BleGattOpStringMap = map[BleGattOp]string{
	BLE_GATT_ACCESS_OP_READ_CHR:  "read_chr",
	BLE_GATT_ACCESS_OP_WRITE_CHR: "write_chr",
}

func BleGattOpToString(op BleGattOp) string {
	s := BleGattOpStringMap[op]
	if s == "" {
		return "???"
	}

	return s
}

// Characteristic properties.
type BleChrFlags int

const (
	BLE_GATT_F_BROADCAST       BleChrFlags = 0x0001
	BLE_GATT_F_READ            BleChrFlags = 0x0002
	BLE_GATT_F_WRITE_NO_RSP    BleChrFlags = 0x0004
	BLE_GATT_F_WRITE           BleChrFlags = 0x0008
	BLE_GATT_F_NOTIFY          BleChrFlags = 0x0010
	BLE_GATT_F_INDICATE        BleChrFlags = 0x0020
	BLE_GATT_F_AUTH_SIGN_WRITE BleChrFlags = 0x0040
	BLE_GATT_F_RELIABLE_WRITE  BleChrFlags = 0x0080
)

var bleChrFlagNames = []struct {
	flag BleChrFlags
	name string
}{
	{BLE_GATT_F_BROADCAST, "broadcast"},
	{BLE_GATT_F_READ, "read"},
	{BLE_GATT_F_WRITE_NO_RSP, "write_no_rsp"},
	{BLE_GATT_F_WRITE, "write"},
	{BLE_GATT_F_NOTIFY, "notify"},
	{BLE_GATT_F_INDICATE, "indicate"},
	{BLE_GATT_F_AUTH_SIGN_WRITE, "auth_sign_write"},
	{BLE_GATT_F_RELIABLE_WRITE, "reliable_write"},
}

func (f BleChrFlags) String() string {
	var names []string
	for _, e := range bleChrFlagNames {
		if f&e.flag != 0 {
			names = append(names, e.name)
		}
	}

	return strings.Join(names, "|")
}

func BleChrFlagFromString(s string) (BleChrFlags, error) {
	for _, e := range bleChrFlagNames {
		if e.name == s {
			return e.flag, nil
		}
	}

	return 0, fmt.Errorf("Invalid characteristic property: %s", s)
}

// Attribute permissions.
type BleAttFlags int

const (
	BLE_ATT_F_READ         BleAttFlags = 0x01
	BLE_ATT_F_WRITE        BleAttFlags = 0x02
	BLE_ATT_F_READ_ENC     BleAttFlags = 0x04
	BLE_ATT_F_READ_AUTHEN  BleAttFlags = 0x08
	BLE_ATT_F_READ_AUTHOR  BleAttFlags = 0x10
	BLE_ATT_F_WRITE_ENC    BleAttFlags = 0x20
	BLE_ATT_F_WRITE_AUTHEN BleAttFlags = 0x40
	BLE_ATT_F_WRITE_AUTHOR BleAttFlags = 0x80
)

var bleAttFlagNames = []struct {
	flag BleAttFlags
	name string
}{
	{BLE_ATT_F_READ, "read"},
	{BLE_ATT_F_WRITE, "write"},
	{BLE_ATT_F_READ_ENC, "read_enc"},
	{BLE_ATT_F_READ_AUTHEN, "read_authen"},
	{BLE_ATT_F_READ_AUTHOR, "read_author"},
	{BLE_ATT_F_WRITE_ENC, "write_enc"},
	{BLE_ATT_F_WRITE_AUTHEN, "write_authen"},
	{BLE_ATT_F_WRITE_AUTHOR, "write_author"},
}

func (f BleAttFlags) String() string {
	var names []string
	for _, e := range bleAttFlagNames {
		if f&e.flag != 0 {
			names = append(names, e.name)
		}
	}

	return strings.Join(names, "|")
}

func BleAttFlagFromString(s string) (BleAttFlags, error) {
	for _, e := range bleAttFlagNames {
		if e.name == s {
			return e.flag, nil
		}
	}

	return 0, fmt.Errorf("Invalid attribute permission: %s", s)
}

type BleGattAccess struct {
	Op         BleGattOp
	ConnHandle uint16
	SvcUuid    BleUuid
	ChrUuid    BleUuid
	Offset     int
	Data       []byte
}

// Returns an ATT status and, for reads, the attribute value.
type BleGattAccessFn func(access BleGattAccess) (uint8, []byte)
