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

package bhd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

type MsgOp int
type MsgType int

type BhdSeq uint32

// Raw bytes; JSON form is a colon-separated list of hex octets, e.g.
// "0x02:0x01:0x06".
type BhdBytes []byte

const BHD_SEQ_MIN BhdSeq = 0
const BHD_SEQ_EVT_MIN BhdSeq = 0xffffff00
const BHD_SEQ_NONE BhdSeq = 0xffffffff

const (
	MSG_OP_REQ MsgOp = 0
	MSG_OP_RSP       = 1
	MSG_OP_EVT       = 2
)

const (
	MSG_TYPE_ERR              MsgType = 1
	MSG_TYPE_SYNC                     = 2
	MSG_TYPE_RESET                    = 3
	MSG_TYPE_INIT                     = 4
	MSG_TYPE_REGISTER_APP             = 5
	MSG_TYPE_UNREGISTER_APP           = 6
	MSG_TYPE_CREATE_SVC               = 7
	MSG_TYPE_ADD_CHR                  = 8
	MSG_TYPE_ADD_DSC                  = 9
	MSG_TYPE_START_SVC                = 10
	MSG_TYPE_STOP_SVC                 = 11
	MSG_TYPE_DELETE_SVC               = 12
	MSG_TYPE_ADV_SET_DATA             = 13
	MSG_TYPE_ADV_RSP_SET_DATA         = 14
	MSG_TYPE_ADV_START                = 15
	MSG_TYPE_ADV_STOP                 = 16
	MSG_TYPE_SEND_RSP                 = 17
	MSG_TYPE_NOTIFY                   = 18
	MSG_TYPE_CONN_UPDATE              = 19

	MSG_TYPE_SYNC_EVT       = 2049
	MSG_TYPE_RESET_EVT      = 2050
	MSG_TYPE_APP_REG_EVT    = 2051
	MSG_TYPE_APP_UNREG_EVT  = 2052
	MSG_TYPE_SVC_CREATE_EVT = 2053
	MSG_TYPE_CHR_ADD_EVT    = 2054
	MSG_TYPE_DSC_ADD_EVT    = 2055
	MSG_TYPE_SVC_START_EVT  = 2056
	MSG_TYPE_SVC_STOP_EVT   = 2057
	MSG_TYPE_SVC_DELETE_EVT = 2058
	MSG_TYPE_ADV_DATA_EVT   = 2059
	MSG_TYPE_RSP_DATA_EVT   = 2060
	MSG_TYPE_ADV_START_EVT  = 2061
	MSG_TYPE_ADV_STOP_EVT   = 2062
	MSG_TYPE_CONNECT_EVT    = 2063
	MSG_TYPE_DISCONNECT_EVT = 2064
	MSG_TYPE_READ_EVT       = 2065
	MSG_TYPE_WRITE_EVT      = 2066
	MSG_TYPE_CONFIRM_EVT    = 2067
)

var MsgOpStringMap = map[MsgOp]string{
	MSG_OP_REQ: "request",
	MSG_OP_RSP: "response",
	MSG_OP_EVT: "event",
}

var MsgTypeStringMap = map[MsgType]string{
	MSG_TYPE_ERR:              "error",
	MSG_TYPE_SYNC:             "sync",
	MSG_TYPE_RESET:            "reset",
	MSG_TYPE_INIT:             "init",
	MSG_TYPE_REGISTER_APP:     "register_app",
	MSG_TYPE_UNREGISTER_APP:   "unregister_app",
	MSG_TYPE_CREATE_SVC:       "create_svc",
	MSG_TYPE_ADD_CHR:          "add_chr",
	MSG_TYPE_ADD_DSC:          "add_dsc",
	MSG_TYPE_START_SVC:        "start_svc",
	MSG_TYPE_STOP_SVC:         "stop_svc",
	MSG_TYPE_DELETE_SVC:       "delete_svc",
	MSG_TYPE_ADV_SET_DATA:     "adv_set_data",
	MSG_TYPE_ADV_RSP_SET_DATA: "adv_rsp_set_data",
	MSG_TYPE_ADV_START:        "adv_start",
	MSG_TYPE_ADV_STOP:         "adv_stop",
	MSG_TYPE_SEND_RSP:         "send_rsp",
	MSG_TYPE_NOTIFY:           "notify",
	MSG_TYPE_CONN_UPDATE:      "conn_update",

	MSG_TYPE_SYNC_EVT:       "sync_evt",
	MSG_TYPE_RESET_EVT:      "reset_evt",
	MSG_TYPE_APP_REG_EVT:    "app_reg_evt",
	MSG_TYPE_APP_UNREG_EVT:  "app_unreg_evt",
	MSG_TYPE_SVC_CREATE_EVT: "svc_create_evt",
	MSG_TYPE_CHR_ADD_EVT:    "chr_add_evt",
	MSG_TYPE_DSC_ADD_EVT:    "dsc_add_evt",
	MSG_TYPE_SVC_START_EVT:  "svc_start_evt",
	MSG_TYPE_SVC_STOP_EVT:   "svc_stop_evt",
	MSG_TYPE_SVC_DELETE_EVT: "svc_delete_evt",
	MSG_TYPE_ADV_DATA_EVT:   "adv_data_evt",
	MSG_TYPE_RSP_DATA_EVT:   "rsp_data_evt",
	MSG_TYPE_ADV_START_EVT:  "adv_start_evt",
	MSG_TYPE_ADV_STOP_EVT:   "adv_stop_evt",
	MSG_TYPE_CONNECT_EVT:    "connect_evt",
	MSG_TYPE_DISCONNECT_EVT: "disconnect_evt",
	MSG_TYPE_READ_EVT:       "read_evt",
	MSG_TYPE_WRITE_EVT:      "write_evt",
	MSG_TYPE_CONFIRM_EVT:    "confirm_evt",
}

type BhdHdr struct {
	Op   MsgOp   `json:"op"`
	Type MsgType `json:"type"`
	Seq  BhdSeq  `json:"seq"`
}

type BhdMsg interface{}

/*****************************************************************************
 * $requests
 *****************************************************************************/

type BhdSyncReq struct {
	// Header
	Op   MsgOp   `json:"op"`
	Type MsgType `json:"type"`
	Seq  BhdSeq  `json:"seq"`
}

type BhdInitReq struct {
	// Header
	Op   MsgOp   `json:"op"`
	Type MsgType `json:"type"`
	Seq  BhdSeq  `json:"seq"`

	// Mandatory
	Name       string `json:"name"`
	Appearance int    `json:"appearance"`
}

type BhdRegisterAppReq struct {
	// Header
	Op   MsgOp   `json:"op"`
	Type MsgType `json:"type"`
	Seq  BhdSeq  `json:"seq"`

	// Mandatory
	AppId int `json:"app_id"`
}

type BhdUnregisterAppReq struct {
	// Header
	Op   MsgOp   `json:"op"`
	Type MsgType `json:"type"`
	Seq  BhdSeq  `json:"seq"`

	// Mandatory
	Iface int `json:"iface"`
}

type BhdCreateSvcReq struct {
	// Header
	Op   MsgOp   `json:"op"`
	Type MsgType `json:"type"`
	Seq  BhdSeq  `json:"seq"`

	// Mandatory
	Iface      int    `json:"iface"`
	Uuid       string `json:"uuid"`
	NumHandles int    `json:"num_handles"`
}

type BhdAddChrReq struct {
	// Header
	Op   MsgOp   `json:"op"`
	Type MsgType `json:"type"`
	Seq  BhdSeq  `json:"seq"`

	// Mandatory
	Iface     int    `json:"iface"`
	SvcHandle int    `json:"svc_handle"`
	Uuid      string `json:"uuid"`
	Perms     int    `json:"perms"`
	Props     int    `json:"props"`
	MaxLen    int    `json:"max_len"`

	// Optional
	Val BhdBytes `json:"val,omitempty"`
}

type BhdAddDscReq struct {
	// Header
	Op   MsgOp   `json:"op"`
	Type MsgType `json:"type"`
	Seq  BhdSeq  `json:"seq"`

	// Mandatory
	Iface     int    `json:"iface"`
	SvcHandle int    `json:"svc_handle"`
	ChrHandle int    `json:"chr_handle"`
	Uuid      string `json:"uuid"`
	Perms     int    `json:"perms"`
}

// Start, stop and delete requests differ only in type.
type BhdSvcReq struct {
	// Header
	Op   MsgOp   `json:"op"`
	Type MsgType `json:"type"`
	Seq  BhdSeq  `json:"seq"`

	// Mandatory
	SvcHandle int `json:"svc_handle"`
}

type BhdAdvSetDataReq struct {
	// Header
	Op   MsgOp   `json:"op"`
	Type MsgType `json:"type"`
	Seq  BhdSeq  `json:"seq"`

	// Mandatory
	Data BhdBytes `json:"data"`
}

type BhdAdvStartReq struct {
	// Header
	Op   MsgOp   `json:"op"`
	Type MsgType `json:"type"`
	Seq  BhdSeq  `json:"seq"`

	// Mandatory
	OwnAddrType  string `json:"own_addr_type"`
	AdvType      string `json:"adv_type"`
	ItvlMin      int    `json:"itvl_min"`
	ItvlMax      int    `json:"itvl_max"`
	ChannelMap   int    `json:"channel_map"`
	FilterPolicy int    `json:"filter_policy"`
}

type BhdAdvStopReq struct {
	// Header
	Op   MsgOp   `json:"op"`
	Type MsgType `json:"type"`
	Seq  BhdSeq  `json:"seq"`
}

type BhdSendRspReq struct {
	// Header
	Op   MsgOp   `json:"op"`
	Type MsgType `json:"type"`
	Seq  BhdSeq  `json:"seq"`

	// Mandatory
	Iface      int `json:"iface"`
	ConnHandle int `json:"conn_handle"`
	TransId    int `json:"trans_id"`
	Status     int `json:"status"`
	AttrHandle int `json:"attr_handle"`

	// Optional
	Data BhdBytes `json:"data,omitempty"`
}

type BhdNotifyReq struct {
	// Header
	Op   MsgOp   `json:"op"`
	Type MsgType `json:"type"`
	Seq  BhdSeq  `json:"seq"`

	// Mandatory
	Iface      int      `json:"iface"`
	ConnHandle int      `json:"conn_handle"`
	AttrHandle int      `json:"attr_handle"`
	Data       BhdBytes `json:"data"`
	Indicate   bool     `json:"indicate"`
}

type BhdConnUpdateReq struct {
	// Header
	Op   MsgOp   `json:"op"`
	Type MsgType `json:"type"`
	Seq  BhdSeq  `json:"seq"`

	// Mandatory
	ConnHandle         int `json:"conn_handle"`
	ItvlMin            int `json:"itvl_min"`
	ItvlMax            int `json:"itvl_max"`
	Latency            int `json:"latency"`
	SupervisionTimeout int `json:"supervision_timeout"`
}

/*****************************************************************************
 * $responses
 *****************************************************************************/

type BhdErrRsp struct {
	// Header
	Op   MsgOp   `json:"op"`
	Type MsgType `json:"type"`
	Seq  BhdSeq  `json:"seq"`

	// Mandatory
	Status int    `json:"status"`
	Msg    string `json:"msg"`
}

type BhdSyncRsp struct {
	// Header
	Op   MsgOp   `json:"op"`
	Type MsgType `json:"type"`
	Seq  BhdSeq  `json:"seq"`

	// Mandatory
	Synced bool `json:"synced"`
}

// Generic response: the request was accepted (status 0) or refused.
type BhdRsp struct {
	// Header
	Op   MsgOp   `json:"op"`
	Type MsgType `json:"type"`
	Seq  BhdSeq  `json:"seq"`

	// Mandatory
	Status int `json:"status"`
}

/*****************************************************************************
 * $events
 *****************************************************************************/

type BhdSyncEvt struct {
	// Header
	Op   MsgOp   `json:"op"`
	Type MsgType `json:"type"`
	Seq  BhdSeq  `json:"seq"`

	// Mandatory
	Synced bool `json:"synced"`
}

type BhdResetEvt struct {
	// Header
	Op   MsgOp   `json:"op"`
	Type MsgType `json:"type"`
	Seq  BhdSeq  `json:"seq"`

	// Mandatory
	Reason int `json:"reason"`
}

type BhdAppRegEvt struct {
	// Header
	Op   MsgOp   `json:"op"`
	Type MsgType `json:"type"`
	Seq  BhdSeq  `json:"seq"`

	// Mandatory
	Status int `json:"status"`
	AppId  int `json:"app_id"`
	Iface  int `json:"iface"`
}

type BhdAppUnregEvt struct {
	// Header
	Op   MsgOp   `json:"op"`
	Type MsgType `json:"type"`
	Seq  BhdSeq  `json:"seq"`

	// Mandatory
	Status int `json:"status"`
	Iface  int `json:"iface"`
}

type BhdSvcCreateEvt struct {
	// Header
	Op   MsgOp   `json:"op"`
	Type MsgType `json:"type"`
	Seq  BhdSeq  `json:"seq"`

	// Mandatory
	Status    int    `json:"status"`
	Iface     int    `json:"iface"`
	Uuid      string `json:"uuid"`
	SvcHandle int    `json:"svc_handle"`
}

// Characteristic and descriptor add acknowledgements share a layout.
type BhdAttrAddEvt struct {
	// Header
	Op   MsgOp   `json:"op"`
	Type MsgType `json:"type"`
	Seq  BhdSeq  `json:"seq"`

	// Mandatory
	Status     int    `json:"status"`
	SvcHandle  int    `json:"svc_handle"`
	Uuid       string `json:"uuid"`
	AttrHandle int    `json:"attr_handle"`
}

// Service start, stop and delete acknowledgements.
type BhdSvcEvt struct {
	// Header
	Op   MsgOp   `json:"op"`
	Type MsgType `json:"type"`
	Seq  BhdSeq  `json:"seq"`

	// Mandatory
	Status    int `json:"status"`
	SvcHandle int `json:"svc_handle"`
}

// Advertising data, scan response, start and stop acknowledgements.
type BhdAdvEvt struct {
	// Header
	Op   MsgOp   `json:"op"`
	Type MsgType `json:"type"`
	Seq  BhdSeq  `json:"seq"`

	// Mandatory
	Status int `json:"status"`
}

type BhdConnectEvt struct {
	// Header
	Op   MsgOp   `json:"op"`
	Type MsgType `json:"type"`
	Seq  BhdSeq  `json:"seq"`

	// Mandatory
	ConnHandle int    `json:"conn_handle"`
	PeerAddr   string `json:"peer_addr"`
}

type BhdDisconnectEvt struct {
	// Header
	Op   MsgOp   `json:"op"`
	Type MsgType `json:"type"`
	Seq  BhdSeq  `json:"seq"`

	// Mandatory
	ConnHandle int    `json:"conn_handle"`
	PeerAddr   string `json:"peer_addr"`
	Reason     int    `json:"reason"`
}

type BhdReadEvt struct {
	// Header
	Op   MsgOp   `json:"op"`
	Type MsgType `json:"type"`
	Seq  BhdSeq  `json:"seq"`

	// Mandatory
	ConnHandle int  `json:"conn_handle"`
	TransId    int  `json:"trans_id"`
	AttrHandle int  `json:"attr_handle"`
	Offset     int  `json:"offset"`
	IsLong     bool `json:"is_long"`
}

type BhdWriteEvt struct {
	// Header
	Op   MsgOp   `json:"op"`
	Type MsgType `json:"type"`
	Seq  BhdSeq  `json:"seq"`

	// Mandatory
	ConnHandle int      `json:"conn_handle"`
	TransId    int      `json:"trans_id"`
	AttrHandle int      `json:"attr_handle"`
	Offset     int      `json:"offset"`
	Data       BhdBytes `json:"data"`
	NeedRsp    bool     `json:"need_rsp"`
	IsPrep     bool     `json:"is_prep"`
}

type BhdConfirmEvt struct {
	// Header
	Op   MsgOp   `json:"op"`
	Type MsgType `json:"type"`
	Seq  BhdSeq  `json:"seq"`

	// Mandatory
	ConnHandle int `json:"conn_handle"`
	AttrHandle int `json:"attr_handle"`
	Status     int `json:"status"`
}

func MsgOpToString(op MsgOp) string {
	s := MsgOpStringMap[op]
	if s == "" {
		return "???"
	}

	return s
}

func MsgOpFromString(s string) (MsgOp, error) {
	for op, name := range MsgOpStringMap {
		if s == name {
			return op, nil
		}
	}

	return MsgOp(0), errors.New("Invalid MsgOp string: " + s)
}

func MsgTypeToString(msgType MsgType) string {
	s := MsgTypeStringMap[msgType]
	if s == "" {
		return "???"
	}

	return s
}

func MsgTypeFromString(s string) (MsgType, error) {
	for msgType, name := range MsgTypeStringMap {
		if s == name {
			return msgType, nil
		}
	}

	return MsgType(0), errors.New("Invalid MsgType string: " + s)
}

func (o MsgOp) MarshalJSON() ([]byte, error) {
	return json.Marshal(MsgOpToString(o))
}

func (o *MsgOp) UnmarshalJSON(data []byte) error {
	var err error

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	*o, err = MsgOpFromString(s)
	return err
}

func (t MsgType) MarshalJSON() ([]byte, error) {
	return json.Marshal(MsgTypeToString(t))
}

func (t *MsgType) UnmarshalJSON(data []byte) error {
	var err error

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	*t, err = MsgTypeFromString(s)
	return err
}

func (bb BhdBytes) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(len(bb) * 5)

	for i, b := range bb {
		if i != 0 {
			buf.WriteString(":")
		}
		fmt.Fprintf(&buf, "0x%02x", b)
	}

	return json.Marshal(buf.String())
}

func (bb *BhdBytes) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	// strings.Split() returns { "" } when passed an empty string.
	if len(s) == 0 {
		*bb = BhdBytes{}
		return nil
	}

	toks := strings.Split(strings.ToLower(s), ":")
	b := make([]byte, len(toks))

	for i, t := range toks {
		if !strings.HasPrefix(t, "0x") {
			return fmt.Errorf(
				"Byte stream contains invalid token; token=%s stream=%s", t, s)
		}

		u64, err := strconv.ParseUint(t, 0, 8)
		if err != nil {
			return err
		}
		b[i] = byte(u64)
	}

	*bb = b
	return nil
}
