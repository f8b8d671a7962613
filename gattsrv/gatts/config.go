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

package gatts

import (
	"time"

	"github.com/bitmans/blesrv/gattsrv/bledefs"
)

const (
	DFLT_DEVICE_NAME       = "ESP32 BLE Server"
	DFLT_MAX_SERVICES      = 8
	DFLT_MAX_CHRS          = 16
	DFLT_EVENT_QUEUE_SIZE  = 32
	DFLT_OPERATION_TIMEOUT = 10 * time.Second

	IFACE_TABLE_SIZE  = 16
	HANDLE_TABLE_SIZE = 64
)

type Config struct {
	DeviceName string
	Appearance uint16

	// Connection interval requested after a client connects, in 1.25 ms
	// units.
	ConnItvlMin uint16
	ConnItvlMax uint16

	// Advertising interval, in 0.625 ms units.
	AdvItvlMin uint16
	AdvItvlMax uint16

	AdvType     bledefs.BleAdvType
	OwnAddrType bledefs.BleAddrType

	// Also carry the device name in the main advertising payload.
	NameInAdv bool

	// Legacy advertising payload size.
	AdvBudget int

	EventQueueSize   int
	OperationTimeout time.Duration

	// Handler.OnPeriodic cadence while advertising or connected; zero
	// disables it.
	PeriodicInterval time.Duration

	MaxServices int
	MaxChrs     int
}

func NewConfig() Config {
	return Config{
		DeviceName:       DFLT_DEVICE_NAME,
		Appearance:       0,
		ConnItvlMin:      0x06,
		ConnItvlMax:      0x10,
		AdvItvlMin:       0x20,
		AdvItvlMax:       0x40,
		AdvType:          bledefs.BLE_ADV_TYPE_IND,
		OwnAddrType:      bledefs.BLE_ADDR_TYPE_PUBLIC,
		AdvBudget:        bledefs.BLE_HS_ADV_MAX_SZ,
		EventQueueSize:   DFLT_EVENT_QUEUE_SIZE,
		OperationTimeout: DFLT_OPERATION_TIMEOUT,
		MaxServices:      DFLT_MAX_SERVICES,
		MaxChrs:          DFLT_MAX_CHRS,
	}
}
