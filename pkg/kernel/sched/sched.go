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

// Package sched implements the scheduling policy behind the task manager's
// two hooks, wakeup and schedule. The task manager is policy-agnostic; it
// enqueues and dequeues opaque entities and asks for the next one to run.
package sched

// Entity is the scheduler-private state embedded in every task descriptor.
// The task manager never interprets these fields.
type Entity struct {
	// Owner is the task the entity belongs to.
	Owner any

	// ID breaks ordering ties; the task manager sets it to the pid.
	ID int

	// Priority scales the entity's share of the processor. Zero means
	// the default (lowest) priority.
	Priority uint32

	// Stride is the entity's accumulated pass value.
	Stride uint32

	// TimeSlice counts down to the next forced reschedule hint.
	TimeSlice int

	enqueued bool
}

// Enqueued reports whether the entity is in the run pool.
func (e *Entity) Enqueued() bool { return e.enqueued }

// Scheduler is the policy interface consumed by the task manager.
type Scheduler interface {
	// Enqueue adds e to the run pool.
	Enqueue(e *Entity)

	// Dequeue removes e from the run pool.
	Dequeue(e *Entity)

	// PickNext returns the entity to run next without removing it, or
	// nil if the pool is empty.
	PickNext() *Entity

	// Empty reports whether the run pool is empty, without disturbing
	// the ordering.
	Empty() bool

	// Tick charges one timer tick to the running entity and reports
	// whether it should be rescheduled.
	Tick(e *Entity) bool
}
