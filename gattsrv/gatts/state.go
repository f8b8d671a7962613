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
	"encoding/json"
	"fmt"
)

type State int

const (
	STATE_IDLE State = iota
	STATE_INITIALIZING
	STATE_READY
	STATE_REGISTERING_APPS
	STATE_CREATING_SERVICES
	STATE_ADDING_CHARACTERISTICS
	STATE_ADDING_DESCRIPTORS
	STATE_STARTING_SERVICES
	STATE_SETTING_ADV_DATA
	STATE_ADVERTISING
	STATE_CONNECTED
	STATE_STOPPING_ADVERTISING
	STATE_STOPPING_SERVICES
	STATE_DELETING_SERVICES
	STATE_UNREGISTERING_APPS
	STATE_ERROR
)

var StateStringMap = map[State]string{
	STATE_IDLE:                   "idle",
	STATE_INITIALIZING:           "initializing",
	STATE_READY:                  "ready",
	STATE_REGISTERING_APPS:       "registering_apps",
	STATE_CREATING_SERVICES:      "creating_services",
	STATE_ADDING_CHARACTERISTICS: "adding_characteristics",
	STATE_ADDING_DESCRIPTORS:     "adding_descriptors",
	STATE_STARTING_SERVICES:      "starting_services",
	STATE_SETTING_ADV_DATA:       "setting_adv_data",
	STATE_ADVERTISING:            "advertising",
	STATE_CONNECTED:              "connected",
	STATE_STOPPING_ADVERTISING:   "stopping_advertising",
	STATE_STOPPING_SERVICES:      "stopping_services",
	STATE_DELETING_SERVICES:      "deleting_services",
	STATE_UNREGISTERING_APPS:     "unregistering_apps",
	STATE_ERROR:                  "error",
}

func StateToString(s State) string {
	str := StateStringMap[s]
	if str == "" {
		return "???"
	}

	return str
}

func StateFromString(s string) (State, error) {
	for state, name := range StateStringMap {
		if s == name {
			return state, nil
		}
	}

	return State(0), fmt.Errorf("Invalid State string: %s", s)
}

func (s State) String() string {
	return StateToString(s)
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(StateToString(s))
}

func (s *State) UnmarshalJSON(data []byte) error {
	var err error

	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}

	*s, err = StateFromString(str)
	return err
}

// Position of a state in the setup sequence; -1 for teardown and error
// states.
func setupRank(s State) int {
	switch s {
	case STATE_IDLE, STATE_INITIALIZING, STATE_READY, STATE_REGISTERING_APPS,
		STATE_CREATING_SERVICES, STATE_ADDING_CHARACTERISTICS,
		STATE_ADDING_DESCRIPTORS, STATE_STARTING_SERVICES,
		STATE_SETTING_ADV_DATA, STATE_ADVERTISING, STATE_CONNECTED:

		return int(s)

	default:
		return -1
	}
}

func isTeardown(s State) bool {
	switch s {
	case STATE_STOPPING_ADVERTISING, STATE_STOPPING_SERVICES,
		STATE_DELETING_SERVICES, STATE_UNREGISTERING_APPS:

		return true

	default:
		return false
	}
}

type SvcState int

const (
	SVC_STATE_DEFINED SvcState = iota
	SVC_STATE_REGISTERING
	SVC_STATE_REGISTERED
	SVC_STATE_CREATING
	SVC_STATE_CREATED
	SVC_STATE_ADDING_CHARS
	SVC_STATE_CHARS_ADDED
	SVC_STATE_ADDING_DESCRIPTORS
	SVC_STATE_DESCRIPTORS_ADDED
	SVC_STATE_STARTING
	SVC_STATE_STARTED
	SVC_STATE_STOPPING
	SVC_STATE_STOPPED
	SVC_STATE_DELETING
	SVC_STATE_ERROR
)

var SvcStateStringMap = map[SvcState]string{
	SVC_STATE_DEFINED:            "defined",
	SVC_STATE_REGISTERING:        "registering",
	SVC_STATE_REGISTERED:         "registered",
	SVC_STATE_CREATING:           "creating",
	SVC_STATE_CREATED:            "created",
	SVC_STATE_ADDING_CHARS:       "adding_chars",
	SVC_STATE_CHARS_ADDED:        "chars_added",
	SVC_STATE_ADDING_DESCRIPTORS: "adding_descriptors",
	SVC_STATE_DESCRIPTORS_ADDED:  "descriptors_added",
	SVC_STATE_STARTING:           "starting",
	SVC_STATE_STARTED:            "started",
	SVC_STATE_STOPPING:           "stopping",
	SVC_STATE_STOPPED:            "stopped",
	SVC_STATE_DELETING:           "deleting",
	SVC_STATE_ERROR:              "error",
}

func SvcStateToString(s SvcState) string {
	str := SvcStateStringMap[s]
	if str == "" {
		return "???"
	}

	return str
}

func (s SvcState) String() string {
	return SvcStateToString(s)
}

func (s SvcState) MarshalJSON() ([]byte, error) {
	return json.Marshal(SvcStateToString(s))
}

type ErrKind int

const (
	ERR_KIND_NONE ErrKind = iota
	ERR_KIND_INIT_FAILED
	ERR_KIND_APP_REGISTER_FAILED
	ERR_KIND_SERVICE_CREATE_FAILED
	ERR_KIND_CHAR_ADD_FAILED
	ERR_KIND_DESCRIPTOR_ADD_FAILED
	ERR_KIND_SERVICE_START_FAILED
	ERR_KIND_ADV_CONFIG_FAILED
	ERR_KIND_ADV_START_FAILED
	ERR_KIND_TIMEOUT
	ERR_KIND_INVALID_STATE
	ERR_KIND_NO_MEMORY
	ERR_KIND_INTERNAL
)

var ErrKindStringMap = map[ErrKind]string{
	ERR_KIND_NONE:                  "none",
	ERR_KIND_INIT_FAILED:           "init_failed",
	ERR_KIND_APP_REGISTER_FAILED:   "app_register_failed",
	ERR_KIND_SERVICE_CREATE_FAILED: "service_create_failed",
	ERR_KIND_CHAR_ADD_FAILED:       "char_add_failed",
	ERR_KIND_DESCRIPTOR_ADD_FAILED: "descriptor_add_failed",
	ERR_KIND_SERVICE_START_FAILED:  "service_start_failed",
	ERR_KIND_ADV_CONFIG_FAILED:     "adv_config_failed",
	ERR_KIND_ADV_START_FAILED:      "adv_start_failed",
	ERR_KIND_TIMEOUT:               "timeout",
	ERR_KIND_INVALID_STATE:         "invalid_state",
	ERR_KIND_NO_MEMORY:             "no_memory",
	ERR_KIND_INTERNAL:              "internal",
}

func ErrKindToString(k ErrKind) string {
	str := ErrKindStringMap[k]
	if str == "" {
		return "???"
	}

	return str
}

func (k ErrKind) String() string {
	return ErrKindToString(k)
}

func (k ErrKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(ErrKindToString(k))
}

type EventType int

const (
	EVT_SERVER_READY EventType = iota
	EVT_SERVICE_READY
	EVT_ADVERTISING_STARTED
	EVT_ADVERTISING_STOPPED
	EVT_CLIENT_CONNECTED
	EVT_CLIENT_DISCONNECTED
	EVT_READ_REQUEST
	EVT_WRITE_REQUEST
	EVT_NOTIFY_ENABLED
	EVT_NOTIFY_DISABLED
	EVT_ERROR
)

var EventTypeStringMap = map[EventType]string{
	EVT_SERVER_READY:        "server_ready",
	EVT_SERVICE_READY:       "service_ready",
	EVT_ADVERTISING_STARTED: "advertising_started",
	EVT_ADVERTISING_STOPPED: "advertising_stopped",
	EVT_CLIENT_CONNECTED:    "client_connected",
	EVT_CLIENT_DISCONNECTED: "client_disconnected",
	EVT_READ_REQUEST:        "read_request",
	EVT_WRITE_REQUEST:       "write_request",
	EVT_NOTIFY_ENABLED:      "notify_enabled",
	EVT_NOTIFY_DISABLED:     "notify_disabled",
	EVT_ERROR:               "error",
}

func EventTypeToString(t EventType) string {
	str := EventTypeStringMap[t]
	if str == "" {
		return "???"
	}

	return str
}

func (t EventType) String() string {
	return EventTypeToString(t)
}

func (t EventType) MarshalJSON() ([]byte, error) {
	return json.Marshal(EventTypeToString(t))
}
