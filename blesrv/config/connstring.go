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

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"

	"mynewt.apache.org/newt/util"

	"github.com/bitmans/blesrv/gattsrv/bhd"
	"github.com/bitmans/blesrv/gattsrv/bledefs"
	"github.com/bitmans/blesrv/gattsrv/gsserial"
	"github.com/bitmans/blesrv/gattsrv/native"
	"github.com/bitmans/blesrv/gattsrv/sim"
	"github.com/bitmans/blesrv/gattsrv/stack"
)

type SimConfig struct {
	QueueSize int

	// Connect a simulated client once advertising starts.
	Connect bool
	Peer    bledefs.BleAddr
}

type BhdConfig struct {
	Xport bhd.UnixXportCfg
	Host  bhd.HostCfg
}

type SerialConfig struct {
	Xport gsserial.XportCfg
	Host  bhd.HostCfg
}

// StackConfig is a parsed connstring.  Only the member matching Type is
// meaningful.
type StackConfig struct {
	Type   ConnType
	Sim    SimConfig
	Bhd    BhdConfig
	Serial SerialConfig
	Ble    native.XportCfg
}

func einvalConnString(ct ConnType, f string, args ...interface{}) error {
	suffix := fmt.Sprintf(f, args...)
	return util.FmtNewtError("Invalid %s connstring; %s",
		ConnTypeToString(ct), suffix)
}

type kvPair struct {
	k string
	v string
}

// splitConnString breaks a connstring into key=value pairs.  If dfltKey is
// not empty, a lone token is taken as that key's value.
func splitConnString(ct ConnType, cs string, dfltKey string) (
	[]kvPair, error) {

	var kvs []kvPair

	if strings.TrimSpace(cs) == "" {
		return kvs, nil
	}

	for _, p := range strings.Split(cs, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}

		kv := strings.SplitN(p, "=", 2)
		if len(kv) == 1 {
			if dfltKey == "" {
				return nil, einvalConnString(ct, "expected comma-separated "+
					"key=value pairs; no '=' in: %s", p)
			}
			kv = []string{dfltKey, kv[0]}
		}

		kvs = append(kvs, kvPair{k: kv[0], v: kv[1]})
	}

	return kvs, nil
}

func parseDuration(ct ConnType, k string, v string) (time.Duration, error) {
	d, err := cast.ToDurationE(v)
	if err != nil || d <= 0 {
		return 0, einvalConnString(ct, "Invalid %s: %s", k, v)
	}

	return d, nil
}

func parseHostKey(ct ConnType, hc *bhd.HostCfg, k string, v string) (
	bool, error) {

	var err error

	switch k {
	case "codec":
		c, ok := bhd.CodecFromName(v)
		if !ok {
			return true, einvalConnString(ct, "Invalid codec: %s", v)
		}
		hc.Codec = c

	case "sync_timeout":
		hc.SyncTimeout, err = parseDuration(ct, k, v)

	case "rsp_timeout":
		hc.RspTimeout, err = parseDuration(ct, k, v)

	default:
		return false, nil
	}

	return true, err
}

func ParseSimConnString(cs string) (SimConfig, error) {
	sc := SimConfig{
		QueueSize: 32,
	}
	sc.Peer, _ = bledefs.ParseBleAddr("0a:0b:0c:0d:0e:0f")

	kvs, err := splitConnString(CONN_TYPE_SIM, cs, "")
	if err != nil {
		return sc, err
	}

	for _, kv := range kvs {
		switch kv.k {
		case "queue":
			sc.QueueSize, err = cast.ToIntE(kv.v)
			if err != nil || sc.QueueSize <= 0 {
				return sc, einvalConnString(CONN_TYPE_SIM,
					"Invalid queue: %s", kv.v)
			}

		case "connect":
			sc.Connect, err = cast.ToBoolE(kv.v)
			if err != nil {
				return sc, einvalConnString(CONN_TYPE_SIM,
					"Invalid connect: %s", kv.v)
			}

		case "peer":
			sc.Peer, err = bledefs.ParseBleAddr(kv.v)
			if err != nil {
				return sc, einvalConnString(CONN_TYPE_SIM,
					"Invalid peer; %s", err.Error())
			}

		default:
			return sc, einvalConnString(CONN_TYPE_SIM,
				"Unrecognized key: %s", kv.k)
		}
	}

	return sc, nil
}

func ParseBhdConnString(cs string) (BhdConfig, error) {
	bc := BhdConfig{
		Xport: bhd.NewUnixXportCfg(),
		Host:  bhd.NewHostCfg(),
	}

	kvs, err := splitConnString(CONN_TYPE_BHD, cs, "")
	if err != nil {
		return bc, err
	}

	for _, kv := range kvs {
		handled, err := parseHostKey(CONN_TYPE_BHD, &bc.Host, kv.k, kv.v)
		if err != nil {
			return bc, err
		}
		if handled {
			continue
		}

		switch kv.k {
		case "sock":
			bc.Xport.SockPath = kv.v
		case "bhd_path":
			bc.Xport.DaemonPath = kv.v
		case "ctlr_path":
			bc.Xport.DevPath = kv.v
		case "accept_timeout":
			bc.Xport.AcceptTimeout, err = parseDuration(CONN_TYPE_BHD,
				kv.k, kv.v)
			if err != nil {
				return bc, err
			}
		default:
			return bc, einvalConnString(CONN_TYPE_BHD,
				"Unrecognized key: %s", kv.k)
		}
	}

	return bc, nil
}

// ParseSerialConnString accepts the old-style connstring (a lone device
// path) as well as key=value pairs.  The host protocol defaults to CBOR on
// a serial link.
func ParseSerialConnString(cs string) (SerialConfig, error) {
	sc := SerialConfig{
		Xport: gsserial.NewXportCfg(),
		Host:  bhd.NewHostCfg(),
	}
	sc.Host.Codec = bhd.CborCodec{}

	kvs, err := splitConnString(CONN_TYPE_SERIAL, cs, "dev")
	if err != nil {
		return sc, err
	}

	for _, kv := range kvs {
		handled, err := parseHostKey(CONN_TYPE_SERIAL, &sc.Host, kv.k, kv.v)
		if err != nil {
			return sc, err
		}
		if handled {
			continue
		}

		switch kv.k {
		case "dev":
			sc.Xport.DevPath = kv.v

		case "baud":
			sc.Xport.Baud, err = cast.ToIntE(kv.v)
			if err != nil || sc.Xport.Baud <= 0 {
				return sc, einvalConnString(CONN_TYPE_SERIAL,
					"Invalid baud: %s", kv.v)
			}

		case "read_timeout":
			sc.Xport.ReadTimeout, err = parseDuration(CONN_TYPE_SERIAL,
				kv.k, kv.v)
			if err != nil {
				return sc, err
			}

		case "line_delay":
			sc.Xport.LineDelay, err = parseDuration(CONN_TYPE_SERIAL,
				kv.k, kv.v)
			if err != nil {
				return sc, err
			}

		default:
			return sc, einvalConnString(CONN_TYPE_SERIAL,
				"Unrecognized key: %s", kv.k)
		}
	}

	if sc.Xport.DevPath == "" {
		return sc, einvalConnString(CONN_TYPE_SERIAL, "no dev specified")
	}

	return sc, nil
}

func ParseBleConnString(cs string) (native.XportCfg, error) {
	bc := native.NewXportCfg()

	kvs, err := splitConnString(CONN_TYPE_BLE, cs, "")
	if err != nil {
		return bc, err
	}

	for _, kv := range kvs {
		switch kv.k {
		case "hci":
			bc.DeviceId, err = cast.ToIntE(kv.v)
			if err != nil || bc.DeviceId < 0 {
				return bc, einvalConnString(CONN_TYPE_BLE,
					"Invalid hci: %s", kv.v)
			}

		case "rsp_timeout":
			bc.RspTimeout, err = parseDuration(CONN_TYPE_BLE, kv.k, kv.v)
			if err != nil {
				return bc, err
			}

		default:
			return bc, einvalConnString(CONN_TYPE_BLE,
				"Unrecognized key: %s", kv.k)
		}
	}

	return bc, nil
}

func ParseConnString(ct ConnType, cs string) (StackConfig, error) {
	sc := StackConfig{Type: ct}

	var err error
	switch ct {
	case CONN_TYPE_SIM:
		sc.Sim, err = ParseSimConnString(cs)
	case CONN_TYPE_BHD:
		sc.Bhd, err = ParseBhdConnString(cs)
	case CONN_TYPE_SERIAL:
		sc.Serial, err = ParseSerialConnString(cs)
	case CONN_TYPE_BLE:
		sc.Ble, err = ParseBleConnString(cs)
	default:
		err = util.FmtNewtError("Unknown connection type: %s (%d)",
			ConnTypeToString(ct), int(ct))
	}

	return sc, err
}

// BuildStack constructs, but does not initialize, the backend a parsed
// connstring describes.
func BuildStack(sc StackConfig) (stack.Stack, error) {
	switch sc.Type {
	case CONN_TYPE_SIM:
		return sim.NewSim(sc.Sim.QueueSize), nil

	case CONN_TYPE_BHD:
		x := bhd.NewUnixXport(sc.Bhd.Xport)
		return bhd.NewHost(x, sc.Bhd.Host), nil

	case CONN_TYPE_SERIAL:
		x := gsserial.NewSerialXport(sc.Serial.Xport)
		return bhd.NewHost(x, sc.Serial.Host), nil

	case CONN_TYPE_BLE:
		return native.NewStack(sc.Ble), nil

	default:
		return nil, util.FmtNewtError("Unknown connection type: %s (%d)",
			ConnTypeToString(sc.Type), int(sc.Type))
	}
}
