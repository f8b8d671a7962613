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

package cli

import (
	"encoding/hex"

	"github.com/spf13/cobra"
	"gopkg.in/abiosoft/ishell.v2"

	"github.com/bitmans/blesrv/blesrv/bsutil"
	"github.com/bitmans/blesrv/blesrv/config"
	"github.com/bitmans/blesrv/gattsrv/gatts"
)

type shellCtx struct {
	s    *gatts.Server
	df   *config.DefFile
	vals *valueStore
}

func (sc *shellCtx) lookupChr(c *ishell.Context) (gatts.ChrInfo, bool) {
	if len(c.Args) < 2 {
		c.Println(c.HelpText())
		return gatts.ChrInfo{}, false
	}

	ci, ok := sc.s.ChrByName(c.Args[0], c.Args[1])
	if !ok {
		c.Printf("No characteristic %s/%s\n", c.Args[0], c.Args[1])
		return gatts.ChrInfo{}, false
	}

	return ci, true
}

func (sc *shellCtx) startCmd(c *ishell.Context) {
	if sc.s.State() != gatts.STATE_IDLE {
		c.Printf("Server already started; state=%s\n", sc.s.State())
		return
	}

	if err := provision(sc.s, sc.df); err != nil {
		c.Println("Error:", err)
	}
}

func (sc *shellCtx) stopCmd(c *ishell.Context) {
	if err := sc.s.Stop(bsutil.OpTimeout()); err != nil {
		c.Println("Error:", err)
		return
	}
	c.Printf("state=%s\n", sc.s.State())
}

func (sc *shellCtx) advCmd(c *ishell.Context) {
	if len(c.Args) != 1 {
		c.Println(c.HelpText())
		return
	}

	var err error
	switch c.Args[0] {
	case "on":
		err = sc.s.StartAdvertising()
	case "off":
		err = sc.s.StopAdvertising()
	default:
		c.Println(c.HelpText())
		return
	}

	if err != nil {
		c.Println("Error:", err)
	}
}

func (sc *shellCtx) stateCmd(c *ishell.Context) {
	c.Printf("state=%s advertising=%t connected=%t\n",
		sc.s.State(), sc.s.IsAdvertising(), sc.s.IsConnected())

	if ci, ok := sc.s.ConnInfo(); ok {
		c.Printf("conn=%d peer=%s\n", ci.Conn, ci.Peer.String())
	}
	if ei := sc.s.LastError(); !ei.IsNone() {
		c.Printf("last error: %s\n", ei.Error())
	}
}

func (sc *shellCtx) servicesCmd(c *ishell.Context) {
	for _, si := range sc.s.Services() {
		c.Printf("%s uuid=%s state=%s handle=%d\n",
			si.Name, si.Uuid.String(), si.State, si.Handle)
		for _, ci := range si.Chrs {
			c.Printf("    %s uuid=%s flags=%s handle=%d cccd=%d "+
				"notify=%t indicate=%t\n",
				ci.Name, ci.Uuid.String(), ci.Flags, ci.Handle,
				ci.CccdHandle, ci.Notify, ci.Indicate)
		}
	}
}

func (sc *shellCtx) getCmd(c *ishell.Context) {
	if len(c.Args) != 2 {
		c.Println(c.HelpText())
		return
	}

	c.Printf("%x\n", sc.vals.Get(c.Args[0], c.Args[1]))
}

func (sc *shellCtx) setCmd(c *ishell.Context) {
	if len(c.Args) != 3 {
		c.Println(c.HelpText())
		return
	}

	val, err := hex.DecodeString(c.Args[2])
	if err != nil {
		c.Println("Error: invalid hex value:", err)
		return
	}

	sc.vals.Set(c.Args[0], c.Args[1], val)
}

func (sc *shellCtx) sendCmd(c *ishell.Context, indicate bool) {
	ci, ok := sc.lookupChr(c)
	if !ok {
		return
	}

	if len(c.Args) > 2 {
		val, err := hex.DecodeString(c.Args[2])
		if err != nil {
			c.Println("Error: invalid hex value:", err)
			return
		}
		sc.vals.Set(ci.SvcName, ci.Name, val)
	}

	val := sc.vals.Get(ci.SvcName, ci.Name)
	var err error
	if indicate {
		err = sc.s.SendIndication(ci.Handle, val)
	} else {
		err = sc.s.SendNotification(ci.Handle, val)
	}
	if err != nil {
		c.Println("Error:", err)
	}
}

func (sc *shellCtx) scanRspCmd(c *ishell.Context) {
	if len(c.Args) != 1 {
		c.Println(c.HelpText())
		return
	}

	data, err := hex.DecodeString(c.Args[0])
	if err != nil {
		c.Println("Error: invalid hex payload:", err)
		return
	}

	if err := sc.s.SetScanRsp(data, bsutil.OpTimeout()); err != nil {
		c.Println("Error:", err)
	}
}

func (sc *shellCtx) clearCmd(c *ishell.Context) {
	if err := sc.s.ClearError(); err != nil {
		c.Println("Error:", err)
	}
}

func startShell(cmd *cobra.Command, args []string) {
	df, err := loadDefs()
	if err != nil {
		bsUsage(nil, err)
	}

	defs, err := df.ServiceDefs()
	if err != nil {
		bsUsage(nil, err)
	}

	s, err := GetServer(df)
	if err != nil {
		bsUsage(nil, err)
	}

	shell := ishell.New()
	shell.SetPrompt("blesrv> ")

	sc := &shellCtx{
		s:    s,
		df:   df,
		vals: newValueStore(defs),
	}
	s.SetHandler(newCliHandler(s, sc.vals, func(line string) {
		shell.Println(line)
	}))

	shell.Println()
	shell.Println(" " + bsutil.ToolInfo.LongName + " shell")
	shell.Println("	Definition file: ", bsutil.DefPath)
	shell.Println()

	shell.AddCmd(&ishell.Cmd{
		Name: "start",
		Help: "Initialize the server and provision all services: start",
		Func: sc.startCmd,
	})
	shell.AddCmd(&ishell.Cmd{
		Name: "stop",
		Help: "Tear down everything provisioned: stop",
		Func: sc.stopCmd,
	})
	shell.AddCmd(&ishell.Cmd{
		Name: "adv",
		Help: "Start or stop advertising: adv <on|off>",
		Func: sc.advCmd,
	})
	shell.AddCmd(&ishell.Cmd{
		Name: "state",
		Help: "Show server state: state",
		Func: sc.stateCmd,
	})
	shell.AddCmd(&ishell.Cmd{
		Name: "services",
		Help: "List services and characteristics: services",
		Func: sc.servicesCmd,
	})
	shell.AddCmd(&ishell.Cmd{
		Name: "get",
		Help: "Show a served value: get <svc> <chr>",
		Func: sc.getCmd,
	})
	shell.AddCmd(&ishell.Cmd{
		Name: "set",
		Help: "Replace a served value: set <svc> <chr> <hex>",
		Func: sc.setCmd,
	})
	shell.AddCmd(&ishell.Cmd{
		Name: "notify",
		Help: "Send a notification: notify <svc> <chr> [hex]",
		Func: func(c *ishell.Context) { sc.sendCmd(c, false) },
	})
	shell.AddCmd(&ishell.Cmd{
		Name: "indicate",
		Help: "Send an indication: indicate <svc> <chr> [hex]",
		Func: func(c *ishell.Context) { sc.sendCmd(c, true) },
	})
	shell.AddCmd(&ishell.Cmd{
		Name: "scanrsp",
		Help: "Replace the scan response while advertising: scanrsp <hex>",
		Func: sc.scanRspCmd,
	})
	shell.AddCmd(&ishell.Cmd{
		Name: "reset",
		Help: "Clear a failure and return to idle: reset",
		Func: sc.clearCmd,
	})
	shell.AddCmd(&ishell.Cmd{
		Name: "values",
		Help: "List served values: values",
		Func: func(c *ishell.Context) {
			for _, k := range sc.vals.Keys() {
				c.Println(k)
			}
		},
	})

	shell.Run()
	shell.Close()
}

func shellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Run " + bsutil.ToolInfo.ShortName + " interactively",
		Example: "  " + bsutil.ToolInfo.ExeName +
			" --conntype sim --defs battery.yml shell",
		Run: startShell,
	}
}
