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

// Package hidx maps 16-bit stack handles to small integer references.
//
// The table has a fixed number of buckets, each holding one pre-allocated
// slot.  Colliding keys are chained off that slot.  A bitmap records which
// buckets are occupied.  The table is not safe for concurrent writers.
package hidx

import (
	"fmt"
)

// Invoked with the value that is being overwritten or removed.
type CleanupFn func(key uint16, val int)

type KeyError struct {
	Key uint16
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("handle 0x%04x not indexed", e.Key)
}

func IsKeyError(err error) bool {
	_, ok := err.(*KeyError)
	return ok
}

type entry struct {
	key  uint16
	val  int
	used bool
	next *entry
}

type Table struct {
	buckets []entry
	bitmap  []uint64
	count   int
	cleanup CleanupFn
}

// Robert Sedgewick's hash over the key's two bytes, little-endian.
func rsHash(key uint16) uint32 {
	var a uint32 = 63689
	var b uint32 = 378551
	var hash uint32

	for _, c := range []byte{byte(key), byte(key >> 8)} {
		hash = hash*a + uint32(c)
		a *= b
	}

	return hash
}

func New(size int, cleanup CleanupFn) (*Table, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid handle table size: %d", size)
	}

	return &Table{
		buckets: make([]entry, size),
		bitmap:  make([]uint64, (size+63)/64),
		cleanup: cleanup,
	}, nil
}

func (t *Table) bucket(key uint16) int {
	return int(rsHash(key) % uint32(len(t.buckets)))
}

func (t *Table) setBit(idx int) {
	t.bitmap[idx/64] |= 1 << uint(idx%64)
}

func (t *Table) clearBit(idx int) {
	t.bitmap[idx/64] &^= 1 << uint(idx%64)
}

func (t *Table) Occupied(bucket int) bool {
	if bucket < 0 || bucket >= len(t.buckets) {
		return false
	}
	return t.bitmap[bucket/64]&(1<<uint(bucket%64)) != 0
}

func (t *Table) Size() int {
	return len(t.buckets)
}

func (t *Table) Len() int {
	return t.count
}

func (t *Table) find(key uint16) *entry {
	idx := t.bucket(key)
	if !t.Occupied(idx) {
		return nil
	}

	for e := &t.buckets[idx]; e != nil; e = e.next {
		if e.used && e.key == key {
			return e
		}
	}

	return nil
}

func (t *Table) doCleanup(key uint16, val int) {
	if t.cleanup != nil {
		t.cleanup(key, val)
	}
}

// Set inserts key, or replaces its value.  The replaced value is passed to
// the cleanup callback.
func (t *Table) Set(key uint16, val int) {
	if e := t.find(key); e != nil {
		old := e.val
		e.val = val
		if old != val {
			t.doCleanup(key, old)
		}
		return
	}

	idx := t.bucket(key)
	head := &t.buckets[idx]
	if !head.used {
		*head = entry{key: key, val: val, used: true, next: head.next}
	} else {
		head.next = &entry{key: key, val: val, used: true, next: head.next}
	}

	t.setBit(idx)
	t.count++
}

func (t *Table) Get(key uint16) (int, error) {
	e := t.find(key)
	if e == nil {
		return 0, &KeyError{key}
	}

	return e.val, nil
}

func (t *Table) TryGet(key uint16) (int, bool) {
	e := t.find(key)
	if e == nil {
		return 0, false
	}

	return e.val, true
}

func (t *Table) Remove(key uint16) error {
	idx := t.bucket(key)
	if !t.Occupied(idx) {
		return &KeyError{key}
	}

	head := &t.buckets[idx]
	if head.used && head.key == key {
		val := head.val

		// The head slot is part of the bucket array; promote the next
		// chained entry into it rather than freeing it.
		if head.next != nil {
			*head = *head.next
		} else {
			*head = entry{}
			t.clearBit(idx)
		}

		t.count--
		t.doCleanup(key, val)
		return nil
	}

	for prev := head; prev.next != nil; prev = prev.next {
		e := prev.next
		if e.key == key {
			prev.next = e.next
			t.count--
			t.doCleanup(key, e.val)
			return nil
		}
	}

	return &KeyError{key}
}

// Walk calls fn for every entry in bucket order.
func (t *Table) Walk(fn func(key uint16, val int)) {
	for i := range t.buckets {
		if !t.Occupied(i) {
			continue
		}
		for e := &t.buckets[i]; e != nil; e = e.next {
			if e.used {
				fn(e.key, e.val)
			}
		}
	}
}

// Cleanup removes every entry, invoking the cleanup callback for each.
func (t *Table) Cleanup() {
	for i := range t.buckets {
		if !t.Occupied(i) {
			continue
		}
		for e := &t.buckets[i]; e != nil; e = e.next {
			if e.used {
				t.doCleanup(e.key, e.val)
			}
		}
		t.buckets[i] = entry{}
		t.clearBit(i)
	}

	t.count = 0
}
