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
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"mynewt.apache.org/newt/util"

	"github.com/bitmans/blesrv/blesrv/bsutil"
	"github.com/bitmans/blesrv/blesrv/config"
)

// parseProfileArgs builds a profile from "name key=value ..." arguments.
func parseProfileArgs(args []string) (*config.ConnProfile, error) {
	if len(args) == 0 {
		return nil, util.NewNewtError("Need connection profile name")
	}

	cp := &config.ConnProfile{Name: args[0]}

	for _, arg := range args[1:] {
		kv := strings.SplitN(arg, "=", 2)
		if len(kv) != 2 {
			return nil, util.FmtNewtError("Expected key=value: %s", arg)
		}

		switch kv[0] {
		case "type":
			ct, err := config.ConnTypeFromString(kv[1])
			if err != nil {
				return nil, err
			}
			cp.Type = ct

		case "connstring":
			cp.ConnString = kv[1]

		case "defs":
			cp.Defs = kv[1]

		default:
			return nil, util.FmtNewtError("Unknown profile key: %s", kv[0])
		}
	}

	if cp.Type == config.CONN_TYPE_NONE {
		return nil, util.NewNewtError("Must specify a connection type")
	}

	return cp, nil
}

func connProfileAddCmd(cmd *cobra.Command, args []string) {
	cp, err := parseProfileArgs(args)
	if err != nil {
		bsUsage(cmd, err)
	}

	if err := config.GlobalConnProfileMgr().AddConnProfile(cp); err != nil {
		bsUsage(cmd, err)
	}

	fmt.Printf("Connection profile %s saved\n", cp.Name)
}

func connProfileShowCmd(cmd *cobra.Command, args []string) {
	var list []*config.ConnProfile
	for _, cp := range config.GlobalConnProfileMgr().GetConnProfileList() {
		if len(args) == 0 || cp.Name == args[0] {
			list = append(list, cp)
		}
	}

	if len(list) == 0 {
		if len(args) == 0 {
			fmt.Printf("No connection profiles defined\n")
		} else {
			fmt.Printf("No connection profile named %s\n", args[0])
		}
		return
	}

	for _, cp := range list {
		fmt.Printf("%s\n", cp.Name)
		fmt.Printf("    type:       %s\n", cp.Type)
		if cp.ConnString != "" {
			fmt.Printf("    connstring: %s\n", cp.ConnString)
		}
		if cp.Defs != "" {
			fmt.Printf("    defs:       %s\n", cp.Defs)
		}
	}
}

func connProfileDelCmd(cmd *cobra.Command, args []string) {
	if len(args) == 0 {
		bsUsage(cmd, util.NewNewtError("Need connection profile name"))
	}

	if err := config.GlobalConnProfileMgr().DeleteConnProfile(
		args[0]); err != nil {

		bsUsage(cmd, err)
	}

	fmt.Printf("Connection profile %s deleted\n", args[0])
}

func connProfileCmd() *cobra.Command {
	exe := bsutil.ToolInfo.ExeName

	cpCmd := &cobra.Command{
		Use:   "conn",
		Short: "Manage saved backend selections",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.HelpFunc()(cmd, args)
		},
	}

	cpCmd.AddCommand(&cobra.Command{
		Use:   "add <name> type=<type> [connstring=<cs>] [defs=<file>]",
		Short: "Add or replace a connection profile",
		Long: "Add or replace a connection profile.  Types are sim, bhd, " +
			"serial and ble.\nThe optional defs file is used when " +
			"--defs is not given.",
		Example: "  " + exe + " conn add usb type=serial " +
			"connstring=dev=/dev/ttyUSB0,baud=115200\n" +
			"  " + exe + " conn add demo type=sim connstring=connect=true " +
			"defs=~/gatt/battery.yaml",
		Run: connProfileAddCmd,
	})

	cpCmd.AddCommand(&cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a connection profile",
		Run:   connProfileDelCmd,
	})

	cpCmd.AddCommand(&cobra.Command{
		Use:   "show [name]",
		Short: "Show one or all connection profiles",
		Run:   connProfileShowCmd,
	})

	return cpCmd
}
