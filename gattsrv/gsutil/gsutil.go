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
	"math"
	"math/rand"
	"os"
	"path"
	"runtime"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const DURATION_FOREVER time.Duration = math.MaxInt64

var Debug bool

var nextSeq uint32
var seqBeenRead bool
var seqMutex sync.Mutex

var logFormatter = log.TextFormatter{
	FullTimestamp:   true,
	TimestampFormat: "2006-01-02 15:04:05.999",
	ForceColors:     true,
}

// Logger for request/ack bookkeeping.  Kept separate from the standard
// logger so it can be silenced independently.
var ListenLog = &log.Logger{
	Out:       os.Stderr,
	Formatter: &logFormatter,
	Level:     log.InfoLevel,
}

func SetLogLevel(level log.Level) {
	log.SetLevel(level)
	log.SetFormatter(&logFormatter)
	ListenLog.Level = level
}

func Assert(cond bool) {
	if Debug && !cond {
		panic("Failed assertion")
	}
}

// NextSeq returns a sequence number for a host request.  The first value is
// random so that a restarted client does not collide with stale responses.
func NextSeq() uint32 {
	seqMutex.Lock()
	defer seqMutex.Unlock()

	if !seqBeenRead {
		nextSeq = rand.Uint32() & 0x7fffffff
		seqBeenRead = true
	}

	val := nextSeq
	nextSeq++
	if nextSeq >= 0xffffff00 {
		nextSeq = 0
	}

	return val
}

func StopAndDrainTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}

func LogListener(parentLevel int, title string, extra string) {
	_, file, line, _ := runtime.Caller(parentLevel)
	file = path.Base(file)
	ListenLog.Debugf("{%s} [%s:%d] %s", title, file, line, extra)
}

func LogAddListener(parentLevel int, seq uint32, name string) {
	LogListener(parentLevel, "add-listener",
		fmt.Sprintf("seq=%d %s", seq, name))
}

func LogRemoveListener(parentLevel int, seq uint32, name string) {
	LogListener(parentLevel, "remove-listener",
		fmt.Sprintf("seq=%d %s", seq, name))
}
