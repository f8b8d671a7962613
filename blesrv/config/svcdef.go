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
	"encoding/hex"
	"fmt"
	"io/ioutil"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"mynewt.apache.org/newt/util"

	"github.com/bitmans/blesrv/gattsrv/bledefs"
	"github.com/bitmans/blesrv/gattsrv/gatts"
	"github.com/bitmans/blesrv/gattsrv/stack"
)

// GATT definition file.
type DefFile struct {
	Device   DeviceDef `yaml:"device"`
	Services []SvcDef  `yaml:"services"`
}

type DeviceDef struct {
	Name        string `yaml:"name"`
	Appearance  uint16 `yaml:"appearance,omitempty"`
	NameInAdv   bool   `yaml:"name_in_adv,omitempty"`
	AdvType     string `yaml:"adv_type,omitempty"`
	OwnAddrType string `yaml:"own_addr_type,omitempty"`
	AdvItvlMin  uint16 `yaml:"adv_itvl_min,omitempty"`
	AdvItvlMax  uint16 `yaml:"adv_itvl_max,omitempty"`
	ConnItvlMin uint16 `yaml:"conn_itvl_min,omitempty"`
	ConnItvlMax uint16 `yaml:"conn_itvl_max,omitempty"`

	// Milliseconds; zero disables the periodic callback.
	PeriodicMs int `yaml:"periodic_ms,omitempty"`
}

type SvcDef struct {
	Name         string   `yaml:"name"`
	Uuid         string   `yaml:"uuid"`
	AppId        uint16   `yaml:"app_id"`
	AutoStart    bool     `yaml:"auto_start"`
	IncludeInAdv bool     `yaml:"include_in_adv,omitempty"`
	Chrs         []ChrDef `yaml:"characteristics"`
}

type ChrDef struct {
	Name   string   `yaml:"name"`
	Uuid   string   `yaml:"uuid"`
	Flags  []string `yaml:"flags"`
	Perms  []string `yaml:"perms,omitempty"`
	Cccd   bool     `yaml:"cccd,omitempty"`
	MaxLen int      `yaml:"max_len,omitempty"`

	// Initial value, as text or as hex.  At most one may be set.
	Value    string `yaml:"value,omitempty"`
	ValueHex string `yaml:"value_hex,omitempty"`
}

// ParseUuidLenient accepts "0x180f", a bare 4-digit hex UUID, or any form of
// 128-bit UUID that github.com/google/uuid understands (hyphenated, bare,
// braced or urn-prefixed).
func ParseUuidLenient(s string) (bledefs.BleUuid, error) {
	s = strings.TrimSpace(s)

	// Bare 16-bit UUIDs are always hex.
	if len(s) == 4 {
		if bu16, err := bledefs.ParseUuid16("0x" + s); err == nil {
			return bledefs.NewUuid16(bu16), nil
		}
	}

	if bu, err := bledefs.ParseUuid(s); err == nil {
		return bu, nil
	}

	u, err := uuid.Parse(s)
	if err != nil {
		return bledefs.BleUuid{}, fmt.Errorf("invalid UUID: %s", s)
	}

	bu128, err := bledefs.ParseUuid128(u.String())
	if err != nil {
		return bledefs.BleUuid{}, err
	}

	return bledefs.NewUuid128(bu128), nil
}

func (c *ChrDef) initVal() ([]byte, error) {
	if c.ValueHex != "" {
		return hex.DecodeString(c.ValueHex)
	}
	if c.Value != "" {
		return []byte(c.Value), nil
	}
	return nil, nil
}

// Validate reports every problem in the file, not just the first.
func (df *DefFile) Validate() error {
	var probs []string
	addProb := func(format string, args ...interface{}) {
		probs = append(probs, fmt.Sprintf(format, args...))
	}

	if df.Device.AdvType != "" {
		_, err := bledefs.BleAdvTypeFromString(df.Device.AdvType)
		if err != nil {
			addProb("device: %s", err.Error())
		}
	}
	if df.Device.OwnAddrType != "" {
		_, err := bledefs.BleAddrTypeFromString(df.Device.OwnAddrType)
		if err != nil {
			addProb("device: %s", err.Error())
		}
	}
	if df.Device.AdvItvlMin > df.Device.AdvItvlMax &&
		df.Device.AdvItvlMax != 0 {

		addProb("device: adv_itvl_min > adv_itvl_max")
	}
	if df.Device.ConnItvlMin > df.Device.ConnItvlMax &&
		df.Device.ConnItvlMax != 0 {

		addProb("device: conn_itvl_min > conn_itvl_max")
	}
	if df.Device.PeriodicMs < 0 {
		addProb("device: negative periodic_ms")
	}

	if len(df.Services) == 0 {
		addProb("no services defined")
	}

	svcNames := map[string]struct{}{}
	for i, s := range df.Services {
		where := fmt.Sprintf("services[%d]", i)
		if s.Name == "" {
			addProb("%s: missing name", where)
		} else {
			where = s.Name
			if _, ok := svcNames[s.Name]; ok {
				addProb("%s: duplicate service name", where)
			}
			svcNames[s.Name] = struct{}{}
		}

		if _, err := ParseUuidLenient(s.Uuid); err != nil {
			addProb("%s: %s", where, err.Error())
		}

		chrNames := map[string]struct{}{}
		for j, c := range s.Chrs {
			cwhere := fmt.Sprintf("%s.characteristics[%d]", where, j)
			if c.Name != "" {
				cwhere = where + "." + c.Name
				if _, ok := chrNames[c.Name]; ok {
					addProb("%s: duplicate characteristic name", cwhere)
				}
				chrNames[c.Name] = struct{}{}
			}

			if _, err := ParseUuidLenient(c.Uuid); err != nil {
				addProb("%s: %s", cwhere, err.Error())
			}
			if len(c.Flags) == 0 {
				addProb("%s: no flags", cwhere)
			}
			for _, f := range c.Flags {
				if _, err := bledefs.BleChrFlagFromString(f); err != nil {
					addProb("%s: %s", cwhere, err.Error())
				}
			}
			for _, p := range c.Perms {
				if _, err := bledefs.BleAttFlagFromString(p); err != nil {
					addProb("%s: %s", cwhere, err.Error())
				}
			}
			if c.MaxLen < 0 {
				addProb("%s: negative max_len", cwhere)
			}
			if c.Value != "" && c.ValueHex != "" {
				addProb("%s: both value and value_hex set", cwhere)
			}
			if v, err := c.initVal(); err != nil {
				addProb("%s: invalid value_hex: %s", cwhere, err.Error())
			} else if c.MaxLen > 0 && len(v) > c.MaxLen {
				addProb("%s: initial value longer than max_len", cwhere)
			}
		}
	}

	if len(probs) > 0 {
		return util.FmtNewtError("invalid GATT definition:\n    %s",
			strings.Join(probs, "\n    "))
	}

	return nil
}

func ParseDefs(data []byte) (*DefFile, error) {
	df := &DefFile{}
	if err := yaml.Unmarshal(data, df); err != nil {
		return nil, errors.Wrap(err, "parsing GATT definition")
	}

	if err := df.Validate(); err != nil {
		return nil, err
	}

	return df, nil
}

// LoadDefs reads a definition file.  A leading "~" is expanded to the
// user's home directory.
func LoadDefs(path string) (*DefFile, error) {
	full, err := homedir.Expand(path)
	if err != nil {
		return nil, errors.Wrapf(err, "expanding %s", path)
	}

	data, err := ioutil.ReadFile(full)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", full)
	}

	return ParseDefs(data)
}

func (df *DefFile) Marshal() ([]byte, error) {
	return yaml.Marshal(df)
}

// ApplyDevice overlays the device section onto a server configuration.
func (df *DefFile) ApplyDevice(cfg *gatts.Config) {
	d := &df.Device

	if d.Name != "" {
		cfg.DeviceName = d.Name
	}
	if d.Appearance != 0 {
		cfg.Appearance = d.Appearance
	}
	cfg.NameInAdv = d.NameInAdv
	if d.AdvType != "" {
		cfg.AdvType, _ = bledefs.BleAdvTypeFromString(d.AdvType)
	}
	if d.OwnAddrType != "" {
		cfg.OwnAddrType, _ = bledefs.BleAddrTypeFromString(d.OwnAddrType)
	}
	if d.AdvItvlMin != 0 {
		cfg.AdvItvlMin = d.AdvItvlMin
	}
	if d.AdvItvlMax != 0 {
		cfg.AdvItvlMax = d.AdvItvlMax
	}
	if d.ConnItvlMin != 0 {
		cfg.ConnItvlMin = d.ConnItvlMin
	}
	if d.ConnItvlMax != 0 {
		cfg.ConnItvlMax = d.ConnItvlMax
	}
	cfg.PeriodicInterval = time.Duration(d.PeriodicMs) * time.Millisecond
}

// ServiceDefs converts a validated file to server definitions.
func (df *DefFile) ServiceDefs() ([]gatts.ServiceDef, error) {
	defs := make([]gatts.ServiceDef, 0, len(df.Services))

	for _, s := range df.Services {
		su, err := ParseUuidLenient(s.Uuid)
		if err != nil {
			return nil, err
		}

		sd := gatts.ServiceDef{
			Uuid:         su,
			Name:         s.Name,
			AppId:        stack.AppId(s.AppId),
			AutoStart:    s.AutoStart,
			IncludeInAdv: s.IncludeInAdv,
		}

		for _, c := range s.Chrs {
			cu, err := ParseUuidLenient(c.Uuid)
			if err != nil {
				return nil, err
			}

			cd := gatts.ChrDef{
				Uuid:    cu,
				Name:    c.Name,
				AddCccd: c.Cccd,
				MaxLen:  c.MaxLen,
			}
			for _, f := range c.Flags {
				fl, err := bledefs.BleChrFlagFromString(f)
				if err != nil {
					return nil, err
				}
				cd.Flags |= fl
			}
			for _, p := range c.Perms {
				pf, err := bledefs.BleAttFlagFromString(p)
				if err != nil {
					return nil, err
				}
				cd.Perms |= pf
			}
			if cd.InitVal, err = c.initVal(); err != nil {
				return nil, err
			}

			sd.Chrs = append(sd.Chrs, cd)
		}

		defs = append(defs, sd)
	}

	return defs, nil
}

// NewDefTemplate returns a starter definition with a freshly generated
// 128-bit service UUID.
func NewDefTemplate(name string) *DefFile {
	return &DefFile{
		Device: DeviceDef{
			Name:       name,
			PeriodicMs: 1000,
		},
		Services: []SvcDef{
			{
				Name:         "custom",
				Uuid:         uuid.New().String(),
				AppId:        1,
				AutoStart:    true,
				IncludeInAdv: true,
				Chrs: []ChrDef{
					{
						Name:   "value",
						Uuid:   uuid.New().String(),
						Flags:  []string{"read", "write", "notify"},
						Perms:  []string{"read", "write"},
						Cccd:   true,
						MaxLen: 20,
					},
				},
			},
		},
	}
}
