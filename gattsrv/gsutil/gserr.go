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

package gsutil

import (
	"fmt"

	"github.com/pkg/errors"
)

// Represents a non-zero status reported by the BLE stack in an
// acknowledgement.
type StackError struct {
	Text   string
	Status int
}

func NewStackError(status int, text string) *StackError {
	return &StackError{
		Status: status,
		Text:   text,
	}
}

func FmtStackError(status int, format string,
	args ...interface{}) *StackError {

	return NewStackError(status, fmt.Sprintf(format, args...))
}

func (e *StackError) Error() string {
	return e.Text
}

func IsStack(err error) bool {
	_, ok := errors.Cause(err).(*StackError)
	return ok
}

func ToStack(err error) *StackError {
	if serr, ok := errors.Cause(err).(*StackError); ok {
		return serr
	} else {
		return nil
	}
}

// Indicates an API call that is not permitted in the server's current state.
type InvalidStateError struct {
	Text string
}

func NewInvalidStateError(text string) *InvalidStateError {
	return &InvalidStateError{text}
}

func FmtInvalidStateError(format string,
	args ...interface{}) *InvalidStateError {

	return NewInvalidStateError(fmt.Sprintf(format, args...))
}

func (e *InvalidStateError) Error() string {
	return e.Text
}

func IsInvalidState(err error) bool {
	_, ok := errors.Cause(err).(*InvalidStateError)
	return ok
}

// An operation did not complete within its allotted time.
type TimeoutError struct {
	Text string
}

func NewTimeoutError(text string) *TimeoutError {
	return &TimeoutError{text}
}

func FmtTimeoutError(format string, args ...interface{}) *TimeoutError {
	return NewTimeoutError(fmt.Sprintf(format, args...))
}

func (e *TimeoutError) Error() string {
	return e.Text
}

func IsTimeout(err error) bool {
	_, ok := errors.Cause(err).(*TimeoutError)
	return ok
}

// Represents a low-level transport error.
type XportError struct {
	Text string
}

func NewXportError(text string) *XportError {
	return &XportError{text}
}

func FmtXportError(format string, args ...interface{}) *XportError {
	return NewXportError(fmt.Sprintf(format, args...))
}

func (e *XportError) Error() string {
	return e.Text
}

func IsXport(err error) bool {
	if err == nil {
		return false
	}

	_, ok := errors.Cause(err).(*XportError)
	return ok
}

// A fixed-capacity table is full.
type NoMemError struct {
	Text string
}

func NewNoMemError(text string) *NoMemError {
	return &NoMemError{text}
}

func FmtNoMemError(format string, args ...interface{}) *NoMemError {
	return NewNoMemError(fmt.Sprintf(format, args...))
}

func (e *NoMemError) Error() string {
	return e.Text
}

func IsNoMem(err error) bool {
	_, ok := errors.Cause(err).(*NoMemError)
	return ok
}

// A wait was cut short by its stop channel.
type AbortedError struct {
	Text string
}

func NewAbortedError(text string) *AbortedError {
	return &AbortedError{text}
}

func (e *AbortedError) Error() string {
	return e.Text
}

func IsAborted(err error) bool {
	_, ok := errors.Cause(err).(*AbortedError)
	return ok
}

// Indicates an attempt to transition to the already-current state.
type AlreadyError struct {
	Text string
}

func NewAlreadyError(text string) *AlreadyError {
	return &AlreadyError{text}
}

func (err *AlreadyError) Error() string {
	return err.Text
}

func IsAlready(err error) bool {
	_, ok := errors.Cause(err).(*AlreadyError)
	return ok
}
