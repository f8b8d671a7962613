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

// Battery service example.  Serves the standard battery level
// characteristic and notifies subscribers of a slowly draining level.
//
//     battery --conntype sim --connstring connect=true
//     battery --conntype serial --connstring dev=/dev/ttyUSB0
package main

import (
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/bitmans/blesrv/blesrv/config"
	"github.com/bitmans/blesrv/gattsrv/bledefs"
	"github.com/bitmans/blesrv/gattsrv/gatts"
	"github.com/bitmans/blesrv/gattsrv/gsutil"
	"github.com/bitmans/blesrv/gattsrv/sim"
)

const (
	BATTERY_SVC_UUID   = 0x180f
	BATTERY_LEVEL_UUID = 0x2a19
)

type battery struct {
	s     *gatts.Server
	level uint32

	// Set when the simulated backend should play the client.
	simStk *sim.Sim
	peer   bledefs.BleAddr
}

func (b *battery) levelVal() []byte {
	return []byte{byte(atomic.LoadUint32(&b.level))}
}

func (b *battery) access(a bledefs.BleGattAccess) (uint8, []byte) {
	switch a.Op {
	case bledefs.BLE_GATT_ACCESS_OP_READ_CHR:
		return bledefs.BLE_ATT_ERR_OK, b.levelVal()
	default:
		return bledefs.BLE_ATT_ERR_WRITE_NOT_PERMIT, nil
	}
}

func (b *battery) serviceDef() gatts.ServiceDef {
	return gatts.ServiceDef{
		Uuid:         bledefs.NewUuid16(BATTERY_SVC_UUID),
		Name:         "battery",
		AutoStart:    true,
		IncludeInAdv: true,
		Chrs: []gatts.ChrDef{
			{
				Uuid: bledefs.NewUuid16(BATTERY_LEVEL_UUID),
				Name: "level",
				Flags: bledefs.BLE_GATT_F_READ |
					bledefs.BLE_GATT_F_NOTIFY,
				Perms:    bledefs.BLE_ATT_F_READ,
				AddCccd:  true,
				MaxLen:   1,
				AccessCb: b.access,
			},
		},
	}
}

func (b *battery) OnEvent(evt gatts.Event) {
	fmt.Printf("event: %s\n", evt.String())

	if b.simStk == nil {
		return
	}

	switch evt.Type {
	case gatts.EVT_ADVERTISING_STARTED:
		b.simStk.Connect(1, b.peer)

	case gatts.EVT_CLIENT_CONNECTED:
		// Subscribe, as a real client would.
		if ci, ok := b.s.ChrByName("battery", "level"); ok {
			b.simStk.Write(evt.Conn, ci.CccdHandle,
				[]byte{bledefs.BLE_CCCD_NOTIFY, 0}, true)
		}
	}
}

// OnPeriodic drains the battery by one percent and notifies subscribers.
func (b *battery) OnPeriodic() {
	lvl := atomic.LoadUint32(&b.level)
	if lvl == 0 {
		lvl = 100
	} else {
		lvl--
	}
	atomic.StoreUint32(&b.level, lvl)

	ci, ok := b.s.ChrByName("battery", "level")
	if !ok || !ci.Notify || !b.s.IsConnected() {
		return
	}

	if err := b.s.SendNotification(ci.Handle, b.levelVal()); err != nil {
		log.Warnf("Battery notification failed: %s", err.Error())
	}
}

func runBattery(connType string, connString string, name string,
	period time.Duration) error {

	ct, err := config.ConnTypeFromString(connType)
	if err != nil {
		return err
	}

	sc, err := config.ParseConnString(ct, connString)
	if err != nil {
		return err
	}

	stk, err := config.BuildStack(sc)
	if err != nil {
		return err
	}

	cfg := gatts.NewConfig()
	cfg.DeviceName = name
	cfg.Appearance = 0x03c0
	cfg.PeriodicInterval = period

	b := &battery{
		s:     gatts.NewServer(stk, cfg),
		level: 100,
	}
	if ss, ok := stk.(*sim.Sim); ok && sc.Sim.Connect {
		b.simStk = ss
		b.peer = sc.Sim.Peer
	}
	b.s.SetHandler(b)

	if err := b.s.Init(); err != nil {
		return err
	}
	defer b.s.Deinit()

	if _, err := b.s.AddService(b.serviceDef()); err != nil {
		return err
	}
	if err := b.s.Start(); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	return nil
}

func main() {
	connType := ""
	connString := ""
	name := ""
	logLevelStr := ""
	periodMs := 0

	cmd := &cobra.Command{
		Use:   "battery",
		Short: "Serve a battery service over the selected backend",
		Run: func(cmd *cobra.Command, args []string) {
			level, err := log.ParseLevel(logLevelStr)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err.Error())
				os.Exit(1)
			}
			gsutil.SetLogLevel(level)

			err = runBattery(connType, connString, name,
				time.Duration(periodMs)*time.Millisecond)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err.Error())
				os.Exit(1)
			}
		},
	}

	cmd.Flags().StringVar(&connType, "conntype", "sim",
		"backend: sim, bhd, serial or ble")
	cmd.Flags().StringVar(&connString, "connstring", "connect=true",
		"backend key-value pairs")
	cmd.Flags().StringVar(&name, "name", "Battery Demo",
		"advertised device name")
	cmd.Flags().StringVarP(&logLevelStr, "loglevel", "l", "info",
		"log level to use")
	cmd.Flags().IntVar(&periodMs, "period", 1000,
		"notification period in milliseconds")

	cmd.Execute()
}
