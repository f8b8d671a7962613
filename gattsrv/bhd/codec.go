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

	"github.com/fatih/structs"
	"github.com/ugorji/go/codec"
)

// Codec converts host protocol messages to and from their wire form.  The
// unix socket transport carries JSON; the serial transport carries CBOR to
// keep frames small.
type Codec interface {
	Name() string
	Encode(msg BhdMsg) ([]byte, error)
	// Decode fills msg, which must be a pointer to a message struct.  A
	// BhdHdr decodes just the header of any message.
	Decode(data []byte, msg BhdMsg) error
}

type JsonCodec struct{}

func (c JsonCodec) Name() string {
	return "json"
}

func (c JsonCodec) Encode(msg BhdMsg) ([]byte, error) {
	return json.Marshal(msg)
}

func (c JsonCodec) Decode(data []byte, msg BhdMsg) error {
	return json.Unmarshal(data, msg)
}

type CborCodec struct{}

func (c CborCodec) Name() string {
	return "cbor"
}

func (c CborCodec) Encode(msg BhdMsg) ([]byte, error) {
	// Convert the message struct to a map keyed by the json tag names so
	// both encodings carry the same field names.  Empty optional fields are
	// dropped by structs' omitempty handling.
	s := structs.New(msg)
	s.TagName = "json"
	m := s.Map()

	b := []byte{}
	enc := codec.NewEncoderBytes(&b, new(codec.CborHandle))
	if err := enc.Encode(m); err != nil {
		return nil, err
	}

	return b, nil
}

func (c CborCodec) Decode(data []byte, msg BhdMsg) error {
	dec := codec.NewDecoderBytes(data, new(codec.CborHandle))
	return dec.Decode(msg)
}

func CodecFromName(name string) (Codec, bool) {
	switch name {
	case "json":
		return JsonCodec{}, true
	case "cbor":
		return CborCodec{}, true
	default:
		return nil, false
	}
}
