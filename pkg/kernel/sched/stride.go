// Copyright 2023 The uCore Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sched

import "github.com/google/btree"

// BigStride is the stride ceiling. Pass values are compared by signed
// 32-bit difference, so concurrent strides stay comparable across
// wrap-around as long as every pass is at most BigStride.
const BigStride uint32 = 0x7FFFFFFF

// maxTimeSlice is the number of ticks an entity runs before the scheduler
// hints a reschedule.
const maxTimeSlice = 5

type strideItem struct {
	e *Entity
}

// Less orders the pool by stride, pid-tiebroken. The signed difference
// makes the comparison immune to stride wrap-around.
func (a strideItem) Less(than btree.Item) bool {
	b := than.(strideItem)
	d := int32(a.e.Stride - b.e.Stride)
	if d != 0 {
		return d < 0
	}
	return a.e.ID < b.e.ID
}

// StrideScheduler is a stride scheduler: each runnable entity accumulates
// pass values inversely proportional to its priority, and the smallest
// accumulated stride runs next.
type StrideScheduler struct {
	pool *btree.BTree
}

// NewStride returns an empty stride scheduler.
func NewStride() *StrideScheduler {
	return &StrideScheduler{pool: btree.New(8)}
}

// Enqueue implements Scheduler.Enqueue.
func (s *StrideScheduler) Enqueue(e *Entity) {
	if e.enqueued {
		return
	}
	if e.TimeSlice <= 0 || e.TimeSlice > maxTimeSlice {
		e.TimeSlice = maxTimeSlice
	}
	s.pool.ReplaceOrInsert(strideItem{e: e})
	e.enqueued = true
}

// Dequeue implements Scheduler.Dequeue.
func (s *StrideScheduler) Dequeue(e *Entity) {
	if !e.enqueued {
		return
	}
	s.pool.Delete(strideItem{e: e})
	e.enqueued = false
}

// PickNext implements Scheduler.PickNext: the minimum-stride entity. Its
// stride is advanced by its pass here, so repeated picks rotate the pool.
func (s *StrideScheduler) PickNext() *Entity {
	it := s.pool.Min()
	if it == nil {
		return nil
	}
	e := it.(strideItem).e
	s.pool.Delete(strideItem{e: e})
	pass := BigStride
	if e.Priority > 0 {
		pass = BigStride / e.Priority
	}
	e.Stride += pass
	s.pool.ReplaceOrInsert(strideItem{e: e})
	return e
}

// Empty implements Scheduler.Empty.
func (s *StrideScheduler) Empty() bool {
	return s.pool.Len() == 0
}

// Tick implements Scheduler.Tick.
func (s *StrideScheduler) Tick(e *Entity) bool {
	if e.TimeSlice > 0 {
		e.TimeSlice--
	}
	return e.TimeSlice == 0
}
