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
	"fmt"

	"github.com/bitmans/blesrv/gattsrv/stack"
)

// ErrorInfo records the most recent failure.
type ErrorInfo struct {
	Kind   ErrKind      `json:"kind"`
	Status stack.Status `json:"status"`
	Text   string       `json:"text,omitempty"`
}

func (ei ErrorInfo) IsNone() bool {
	return ei.Kind == ERR_KIND_NONE
}

func (ei ErrorInfo) Error() string {
	if ei.Kind == ERR_KIND_NONE {
		return "no error"
	}

	return fmt.Sprintf("%s (%s): %s", ei.Kind, ei.Status, ei.Text)
}
