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

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"mynewt.apache.org/newt/util"

	"github.com/bitmans/blesrv/blesrv/bsutil"
	"github.com/bitmans/blesrv/gattsrv/gsutil"
)

var BlesrvLogLevel log.Level

func Commands() *cobra.Command {
	logLevelStr := ""
	bsCmd := &cobra.Command{
		Use:   bsutil.ToolInfo.ExeName,
		Short: bsutil.ToolInfo.ShortName + " provisions and serves BLE GATT services",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			var err error
			BlesrvLogLevel, err = log.ParseLevel(logLevelStr)
			if err != nil {
				bsUsage(nil, util.ChildNewtError(err))
			}

			err = util.Init(BlesrvLogLevel, "", util.VERBOSITY_DEFAULT)
			if err != nil {
				bsUsage(nil, err)
			}
			gsutil.SetLogLevel(BlesrvLogLevel)

			// Set cbgo log level if we're using macOS.
			OSSpecificInit()
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.HelpFunc()(cmd, args)
		},
	}

	bsCmd.PersistentFlags().StringVarP(&bsutil.ConnProfile, "conn", "c", "",
		"connection profile to use")

	bsCmd.PersistentFlags().Float64VarP(&bsutil.Timeout, "timeout", "t", 10.0,
		"operation timeout in seconds (partial seconds allowed)")

	bsCmd.PersistentFlags().StringVarP(&logLevelStr, "loglevel", "l", "info",
		"log level to use")

	bsCmd.PersistentFlags().StringVar(&bsutil.DeviceName, "name",
		"", "advertised device name; overrides the definition file")

	bsCmd.PersistentFlags().StringVarP(&bsutil.DefPath, "defs", "d", "",
		"GATT definition file (YAML)")

	bsCmd.PersistentFlags().StringVar(&bsutil.ConnType, "conntype", "",
		"Connection type to use instead of using the profile's type")

	bsCmd.PersistentFlags().StringVar(&bsutil.ConnString, "connstring", "",
		"Connection key-value pairs to use instead of using the profile's "+
			"connstring")

	bsCmd.PersistentFlags().StringVar(&bsutil.ConnExtra, "connextra", "",
		"Additional key-value pair to append to the connstring")

	versCmd := &cobra.Command{
		Use:     "version",
		Short:   "Display the " + bsutil.ToolInfo.ShortName + " version number",
		Example: "  " + bsutil.ToolInfo.ExeName + " version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s %s\n",
				bsutil.ToolInfo.LongName,
				bsutil.ToolInfo.VersionString)
		},
	}
	bsCmd.AddCommand(versCmd)

	bsCmd.AddCommand(connProfileCmd())
	bsCmd.AddCommand(defCmd())
	bsCmd.AddCommand(runCmd())
	bsCmd.AddCommand(shellCmd())

	return bsCmd
}
