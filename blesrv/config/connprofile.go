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
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"github.com/mitchellh/go-homedir"
	log "github.com/sirupsen/logrus"

	"mynewt.apache.org/newt/util"

	"github.com/bitmans/blesrv/blesrv/bsutil"
)

type ConnType int

const (
	CONN_TYPE_NONE ConnType = iota
	CONN_TYPE_SIM
	CONN_TYPE_BHD
	CONN_TYPE_SERIAL
	CONN_TYPE_BLE
)

// Indexed by ConnType.
var connTypeNames = []string{
	CONN_TYPE_NONE:   "???",
	CONN_TYPE_SIM:    "sim",
	CONN_TYPE_BHD:    "bhd",
	CONN_TYPE_SERIAL: "serial",
	CONN_TYPE_BLE:    "ble",
}

func ConnTypeToString(ct ConnType) string {
	if ct < 0 || int(ct) >= len(connTypeNames) {
		return connTypeNames[CONN_TYPE_NONE]
	}
	return connTypeNames[ct]
}

func ConnTypeFromString(s string) (ConnType, error) {
	for i, name := range connTypeNames {
		if ConnType(i) != CONN_TYPE_NONE && name == s {
			return ConnType(i), nil
		}
	}

	return CONN_TYPE_NONE, util.FmtNewtError(
		"Invalid connection type: %s (expected one of %s)",
		s, strings.Join(connTypeNames[1:], ", "))
}

func (ct ConnType) String() string {
	return ConnTypeToString(ct)
}

func (ct ConnType) MarshalText() ([]byte, error) {
	return []byte(ConnTypeToString(ct)), nil
}

// An unrecognized type loads as CONN_TYPE_NONE so that one stale entry does
// not make the whole profile file unreadable.
func (ct *ConnType) UnmarshalText(text []byte) error {
	t, err := ConnTypeFromString(string(text))
	if err != nil {
		log.Warnf("Ignoring connection type \"%s\" in profile file",
			string(text))
	}
	*ct = t
	return nil
}

// A named backend selection, optionally bound to a GATT definition file.
type ConnProfile struct {
	Name       string   `json:"name"`
	Type       ConnType `json:"type"`
	ConnString string   `json:"connstring,omitempty"`
	Defs       string   `json:"defs,omitempty"`
}

func (p *ConnProfile) String() string {
	s := fmt.Sprintf("name=%s type=%s connstring=%s",
		p.Name, p.Type, p.ConnString)
	if p.Defs != "" {
		s += " defs=" + p.Defs
	}
	return s
}

func validProfileName(name string) error {
	if name == "" {
		return util.NewNewtError("connection profile name is empty")
	}
	if strings.IndexFunc(name, unicode.IsSpace) >= 0 {
		return util.FmtNewtError(
			"connection profile name \"%s\" contains whitespace", name)
	}
	return nil
}

// ConnProfileMgr owns the JSON profile file.  Every mutation rewrites the
// whole file.
type ConnProfileMgr struct {
	filename string
	profiles map[string]*ConnProfile
}

func defaultProfilePath() (string, error) {
	dir, err := homedir.Dir()
	if err != nil {
		return "", util.ChildNewtError(err)
	}

	return filepath.Join(dir, bsutil.ToolInfo.CfgFilename), nil
}

// NewConnProfileMgr loads the profile file from the user's home directory.
func NewConnProfileMgr() (*ConnProfileMgr, error) {
	path, err := defaultProfilePath()
	if err != nil {
		return nil, err
	}

	return NewConnProfileMgrFile(path)
}

// NewConnProfileMgrFile loads profiles from filename.  A missing file is an
// empty profile set.
func NewConnProfileMgrFile(filename string) (*ConnProfileMgr, error) {
	cpm := &ConnProfileMgr{
		filename: filename,
		profiles: map[string]*ConnProfile{},
	}

	if err := cpm.load(); err != nil {
		return nil, err
	}

	return cpm, nil
}

func (cpm *ConnProfileMgr) load() error {
	blob, err := ioutil.ReadFile(cpm.filename)
	if os.IsNotExist(err) {
		log.Debugf("No connection profile file at %s", cpm.filename)
		return nil
	}
	if err != nil {
		return util.ChildNewtError(err)
	}

	var list []*ConnProfile
	if err := json.Unmarshal(blob, &list); err != nil {
		return util.FmtNewtError("bad connection profile file %s: %s",
			cpm.filename, err.Error())
	}

	for _, p := range list {
		cpm.profiles[p.Name] = p
	}

	log.Debugf("Loaded %d connection profile(s) from %s",
		len(list), cpm.filename)
	return nil
}

// save writes through a temporary file so that a failed write never
// truncates the existing profiles.
func (cpm *ConnProfileMgr) save() error {
	blob, err := json.MarshalIndent(cpm.GetConnProfileList(), "", "    ")
	if err != nil {
		return util.ChildNewtError(err)
	}

	tmp := cpm.filename + ".tmp"
	if err := ioutil.WriteFile(tmp, blob, 0644); err != nil {
		return util.ChildNewtError(err)
	}
	if err := os.Rename(tmp, cpm.filename); err != nil {
		os.Remove(tmp)
		return util.ChildNewtError(err)
	}

	return nil
}

// GetConnProfileList returns all profiles sorted by name.
func (cpm *ConnProfileMgr) GetConnProfileList() []*ConnProfile {
	list := make([]*ConnProfile, 0, len(cpm.profiles))
	for _, p := range cpm.profiles {
		list = append(list, p)
	}

	sort.Slice(list, func(i, j int) bool {
		return list[i].Name < list[j].Name
	})
	return list
}

func (cpm *ConnProfileMgr) GetConnProfile(name string) (*ConnProfile, error) {
	p := cpm.profiles[name]
	if p == nil {
		return nil, util.FmtNewtError(
			"connection profile \"%s\" doesn't exist", name)
	}

	return p, nil
}

// AddConnProfile stores cp, replacing any profile with the same name.  The
// connstring must parse for cp's type.
func (cpm *ConnProfileMgr) AddConnProfile(cp *ConnProfile) error {
	if err := validProfileName(cp.Name); err != nil {
		return err
	}
	if _, err := ParseConnString(cp.Type, cp.ConnString); err != nil {
		return err
	}

	cpm.profiles[cp.Name] = cp
	return cpm.save()
}

func (cpm *ConnProfileMgr) DeleteConnProfile(name string) error {
	if _, err := cpm.GetConnProfile(name); err != nil {
		return err
	}

	delete(cpm.profiles, name)
	return cpm.save()
}

var globalConnProfileMgr *ConnProfileMgr

func GlobalConnProfileMgr() *ConnProfileMgr {
	if globalConnProfileMgr == nil {
		panic("connection profile manager not initialized")
	}
	return globalConnProfileMgr
}

func InitGlobalConnProfileMgr() error {
	if globalConnProfileMgr != nil {
		return util.NewNewtError(
			"connection profile manager initialized twice")
	}

	cpm, err := NewConnProfileMgr()
	if err != nil {
		return err
	}

	globalConnProfileMgr = cpm
	return nil
}
