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
	"io/ioutil"
	"os"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"

	"mynewt.apache.org/newt/util"

	"github.com/bitmans/blesrv/blesrv/bsutil"
	"github.com/bitmans/blesrv/blesrv/config"
)

func defPathArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return bsutil.DefPath
}

func defInitCmd(cmd *cobra.Command, args []string) {
	path := defPathArg(args)
	if path == "" {
		bsUsage(cmd, util.NewNewtError("Need a definition file path"))
	}

	full, err := homedir.Expand(path)
	if err != nil {
		bsUsage(nil, util.ChildNewtError(err))
	}

	force, _ := cmd.Flags().GetBool("force")
	if _, err := os.Stat(full); err == nil && !force {
		bsUsage(nil, util.FmtNewtError(
			"%s already exists; use --force to overwrite", full))
	}

	name := bsutil.DeviceName
	if name == "" {
		name = "blesrv"
	}

	data, err := config.NewDefTemplate(name).Marshal()
	if err != nil {
		bsUsage(nil, util.ChildNewtError(err))
	}

	if err := ioutil.WriteFile(full, data, 0644); err != nil {
		bsUsage(nil, util.ChildNewtError(err))
	}

	fmt.Printf("GATT definition template written to %s\n", full)
}

func defShowCmd(cmd *cobra.Command, args []string) {
	path := defPathArg(args)
	if path == "" {
		bsUsage(cmd, util.NewNewtError("Need a definition file path"))
	}

	df, err := config.LoadDefs(path)
	if err != nil {
		bsUsage(nil, util.ChildNewtError(err))
	}

	defs, err := df.ServiceDefs()
	if err != nil {
		bsUsage(nil, util.ChildNewtError(err))
	}

	fmt.Printf("device: %s\n", df.Device.Name)
	for _, d := range defs {
		fmt.Printf("  %s uuid=%s app=%d handles=%d auto_start=%t adv=%t\n",
			d.Name, d.Uuid.String(), d.AppId, d.NumHandles(), d.AutoStart,
			d.IncludeInAdv)
		for _, c := range d.Chrs {
			fmt.Printf("    %s uuid=%s flags=%s perms=%s cccd=%t "+
				"max_len=%d value=%x\n",
				c.Name, c.Uuid.String(), c.Flags, c.Perms, c.AddCccd,
				c.MaxLen, c.InitVal)
		}
	}
}

func defCmd() *cobra.Command {
	defCmd := &cobra.Command{
		Use:   "def",
		Short: "Manage GATT definition files",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.HelpFunc()(cmd, args)
		},
	}

	initCmd := &cobra.Command{
		Use:   "init [file]",
		Short: "Write a starter GATT definition with fresh UUIDs",
		Run:   defInitCmd,
	}
	initCmd.Flags().Bool("force", false, "overwrite an existing file")
	defCmd.AddCommand(initCmd)

	showCmd := &cobra.Command{
		Use:   "show [file]",
		Short: "Validate and display a GATT definition",
		Run:   defShowCmd,
	}
	defCmd.AddCommand(showCmd)

	return defCmd
}
