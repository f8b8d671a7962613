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

	"mynewt.apache.org/newt/util"

	"github.com/bitmans/blesrv/blesrv/bsutil"
	"github.com/bitmans/blesrv/blesrv/config"
	"github.com/bitmans/blesrv/gattsrv/gatts"
	"github.com/bitmans/blesrv/gattsrv/stack"
)

var globalServer *gatts.Server
var globalStack stack.Stack
var globalStackCfg config.StackConfig

// getConnProfile returns the selected profile.  --conntype builds an
// unnamed profile from the command line instead.
func getConnProfile() (*config.ConnProfile, error) {
	if bsutil.ConnType != "" {
		ct, err := config.ConnTypeFromString(bsutil.ConnType)
		if err != nil {
			return nil, err
		}

		return &config.ConnProfile{
			Name:       "<command line>",
			Type:       ct,
			ConnString: bsutil.ConnString,
		}, nil
	}

	if bsutil.ConnProfile == "" {
		return nil, util.NewNewtError(
			"No connection profile; specify --conn or --conntype")
	}

	return config.GlobalConnProfileMgr().GetConnProfile(bsutil.ConnProfile)
}

func getStackConfig() (config.StackConfig, error) {
	cp, err := getConnProfile()
	if err != nil {
		return config.StackConfig{}, err
	}

	cs := cp.ConnString
	if bsutil.ConnType == "" && bsutil.ConnString != "" {
		cs = bsutil.ConnString
	}
	if bsutil.ConnExtra != "" {
		if cs != "" {
			cs += ","
		}
		cs += bsutil.ConnExtra
	}

	return config.ParseConnString(cp.Type, cs)
}

// loadDefs reads the --defs file, falling back to the one named by the
// selected connection profile.
func loadDefs() (*config.DefFile, error) {
	path := bsutil.DefPath
	if path == "" && bsutil.ConnType == "" && bsutil.ConnProfile != "" {
		cp, err := getConnProfile()
		if err != nil {
			return nil, err
		}
		path = cp.Defs
	}

	if path == "" {
		return nil, util.NewNewtError(
			"No GATT definition file; specify --defs")
	}

	df, err := config.LoadDefs(path)
	if err != nil {
		return nil, util.ChildNewtError(err)
	}

	return df, nil
}

func serverConfig(df *config.DefFile) gatts.Config {
	cfg := gatts.NewConfig()
	df.ApplyDevice(&cfg)

	if bsutil.DeviceName != "" {
		cfg.DeviceName = bsutil.DeviceName
	}
	if bsutil.Timeout > 0 {
		cfg.OperationTimeout = bsutil.OpTimeout()
	}

	return cfg
}

// GetServer builds the server and its backend on first use.  The server is
// not initialized.
func GetServer(df *config.DefFile) (*gatts.Server, error) {
	if globalServer != nil {
		return globalServer, nil
	}

	sc, err := getStackConfig()
	if err != nil {
		return nil, err
	}

	stk, err := config.BuildStack(sc)
	if err != nil {
		return nil, err
	}

	globalStackCfg = sc
	globalStack = stk
	globalServer = gatts.NewServer(stk, serverConfig(df))

	return globalServer, nil
}

func GetServerIfOpen() (*gatts.Server, error) {
	if globalServer == nil {
		return nil, fmt.Errorf("server not initialized")
	}

	return globalServer, nil
}

// provision brings the server up and starts provisioning every defined
// service.
func provision(s *gatts.Server, df *config.DefFile) error {
	defs, err := df.ServiceDefs()
	if err != nil {
		return util.ChildNewtError(err)
	}

	if err := s.Init(); err != nil {
		return util.FmtNewtError("Server init failed: %s", err.Error())
	}

	for _, d := range defs {
		if _, err := s.AddService(d); err != nil {
			return util.FmtNewtError("Failed to add service %s: %s",
				d.Name, err.Error())
		}
	}

	if err := s.Start(); err != nil {
		return util.ChildNewtError(err)
	}

	return nil
}
