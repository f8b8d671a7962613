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
	"sync"

	"github.com/spf13/cobra"
	"gopkg.in/cheggaaa/pb.v1"

	"mynewt.apache.org/newt/util"

	"github.com/bitmans/blesrv/blesrv/bsutil"
	"github.com/bitmans/blesrv/gattsrv/gatts"
)

func runRunCmd(cmd *cobra.Command, args []string) {
	df, err := loadDefs()
	if err != nil {
		bsUsage(nil, err)
	}

	defs, err := df.ServiceDefs()
	if err != nil {
		bsUsage(nil, util.ChildNewtError(err))
	}

	s, err := GetServer(df)
	if err != nil {
		bsUsage(nil, err)
	}

	// One step per service, plus advertising.
	total := len(defs) + 1
	bar := pb.New(total).Prefix("provisioning ")
	bar.Start()

	var barOnce sync.Once
	finishBar := func() {
		barOnce.Do(func() {
			bar.Set(total)
			bar.Finish()
		})
	}

	failCh := make(chan gatts.ErrorInfo, 1)

	h := newCliHandler(s, newValueStore(defs), func(line string) {
		fmt.Println(line)
	})
	h.hookFn = func(evt gatts.Event) {
		switch evt.Type {
		case gatts.EVT_SERVICE_READY:
			bar.Increment()

		case gatts.EVT_ADVERTISING_STARTED:
			finishBar()
			fmt.Printf("Advertising as \"%s\"\n", s.Config().DeviceName)

		case gatts.EVT_ERROR:
			finishBar()
			select {
			case failCh <- evt.Err:
			default:
			}
		}
	}
	s.SetHandler(h)

	if err := provision(s, df); err != nil {
		finishBar()
		bsUsage(nil, err)
	}

	ei := <-failCh
	bsUsage(nil, util.FmtNewtError("Server failed: %s", ei.Error()))
}

func runCmd() *cobra.Command {
	runEx := "  " + bsutil.ToolInfo.ExeName +
		" -c mydev --defs ~/battery.yml run\n"
	runEx += "  " + bsutil.ToolInfo.ExeName +
		" --conntype sim --connstring connect=true --defs battery.yml run"

	return &cobra.Command{
		Use: "run",
		Short: "Provision the GATT definition and serve it until " +
			"interrupted",
		Example: runEx,
		Run:     runRunCmd,
	}
}
