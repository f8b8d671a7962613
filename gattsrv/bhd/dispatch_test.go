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
	"encoding/json"
	"testing"
)

func TestBhdBytesJson(t *testing.T) {
	b, err := json.Marshal(BhdBytes{0x02, 0x01, 0x06})
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `"0x02:0x01:0x06"` {
		t.Fatalf("wrong encoding: %s", string(b))
	}

	var bb BhdBytes
	if err := json.Unmarshal([]byte(`"0x0A:0xff"`), &bb); err != nil {
		t.Fatal(err)
	}
	if len(bb) != 2 || bb[0] != 0x0a || bb[1] != 0xff {
		t.Fatalf("wrong decoding: %v", bb)
	}

	if err := json.Unmarshal([]byte(`"0a:ff"`), &bb); err == nil {
		t.Fatalf("token without 0x prefix accepted")
	}
}

func TestJsonHeaderNames(t *testing.T) {
	b, err := JsonCodec{}.Encode(&BhdSvcReq{
		Op:        MSG_OP_REQ,
		Type:      MSG_TYPE_START_SVC,
		Seq:       7,
		SvcHandle: 40,
	})
	if err != nil {
		t.Fatal(err)
	}

	m := map[string]interface{}{}
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatal(err)
	}
	if m["op"] != "request" || m["type"] != "start_svc" {
		t.Fatalf("wrong header: %v", m)
	}
}

func TestDecodeEachCodec(t *testing.T) {
	evt := &BhdWriteEvt{
		Op:         MSG_OP_EVT,
		Type:       MSG_TYPE_WRITE_EVT,
		Seq:        BHD_SEQ_NONE,
		ConnHandle: 2,
		TransId:    77,
		AttrHandle: 12,
		Data:       BhdBytes{1, 2, 3},
		NeedRsp:    true,
	}

	for _, c := range []Codec{JsonCodec{}, CborCodec{}} {
		b, err := c.Encode(evt)
		if err != nil {
			t.Fatalf("%s: %s", c.Name(), err.Error())
		}

		hdr, msg, err := DecodeMsg(c, b)
		if err != nil {
			t.Fatalf("%s: %s", c.Name(), err.Error())
		}
		if hdr.Op != MSG_OP_EVT || hdr.Type != MSG_TYPE_WRITE_EVT {
			t.Fatalf("%s: wrong header: %+v", c.Name(), hdr)
		}

		we, ok := msg.(*BhdWriteEvt)
		if !ok {
			t.Fatalf("%s: wrong message type: %T", c.Name(), msg)
		}
		if we.AttrHandle != 12 || we.TransId != 77 || !we.NeedRsp ||
			len(we.Data) != 3 || we.Data[2] != 3 {

			t.Fatalf("%s: wrong message: %+v", c.Name(), we)
		}
	}
}

func TestDecodeUnknownType(t *testing.T) {
	_, _, err := DecodeMsg(JsonCodec{},
		[]byte(`{"op":"event","type":"init","seq":1}`))
	if err == nil {
		t.Fatalf("event with request type accepted")
	}
}

func TestDispatchPrecedence(t *testing.T) {
	c := JsonCodec{}
	d := NewDispatcher(c)

	seql := NewListener()
	typel := NewListener()
	dflt := NewListener()

	if err := d.AddSeqListener(5, seql); err != nil {
		t.Fatal(err)
	}
	if err := d.AddSeqListener(5, NewListener()); err == nil {
		t.Fatalf("duplicate seq listener accepted")
	}
	if err := d.AddTypeListener(MSG_OP_RSP, MSG_TYPE_SYNC,
		typel); err != nil {

		t.Fatal(err)
	}
	d.SetDefaultListener(dflt)

	send := func(msg BhdMsg) {
		b, err := c.Encode(msg)
		if err != nil {
			t.Fatal(err)
		}
		d.Dispatch(b)
	}

	send(&BhdSyncRsp{Op: MSG_OP_RSP, Type: MSG_TYPE_SYNC, Seq: 5})
	send(&BhdSyncRsp{Op: MSG_OP_RSP, Type: MSG_TYPE_SYNC, Seq: 6})
	send(&BhdAdvEvt{Op: MSG_OP_EVT, Type: MSG_TYPE_ADV_START_EVT,
		Seq: BHD_SEQ_NONE})

	if len(seql.MsgChan) != 1 || len(typel.MsgChan) != 1 ||
		len(dflt.MsgChan) != 1 {

		t.Fatalf("wrong routing: seq=%d type=%d default=%d",
			len(seql.MsgChan), len(typel.MsgChan), len(dflt.MsgChan))
	}

	d.ErrorAll(nil)
	if len(seql.ErrChan) != 1 || len(dflt.ErrChan) != 1 {
		t.Fatalf("error not reported to all listeners")
	}
	if d.RemoveSeqListener(5) != nil {
		t.Fatalf("listener survived ErrorAll")
	}
}
