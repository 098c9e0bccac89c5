// Copyright 2021-2022 The httppush Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dataplane

import (
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/httppush/common"
	"github.com/apex/log"
)

// ConnectionRecord is the registry entry of one live connection
type ConnectionRecord[K comparable] struct {
	// Subject is who the connection belongs to
	Subject K
	// Handle is the connection's stream handle
	Handle StreamHandle
	// State is the connection state
	State ConnectionState
	// OpenedAt is when the connection was registered
	OpenedAt time.Time
	// Generation is a registry-wide monotonic counter value assigned on registration
	Generation uint64
}

// String toString function
func (r ConnectionRecord[K]) String() string {
	return fmt.Sprintf(
		"CONN[%v](%s G:%d %s)", r.Subject, r.Handle.ID(), r.Generation, r.State,
	)
}

// ConnectionRegistry tracks the one live stream handle of each subject.
//
// No operation performs I/O; the registry never closes a stream handle.
type ConnectionRegistry[K comparable] interface {
	// Connect install the handle as the live connection for the subject, replacing
	// any previous one. The replaced handle is left to close itself.
	Connect(subject K, handle StreamHandle) ConnectionRecord[K]
	// RemoveIfCurrent remove the subject's connection only if its handle is this exact
	// handle instance. Returns whether the removal happened.
	RemoveIfCurrent(subject K, handle StreamHandle) bool
	// Get fetch the subject's live handle
	Get(subject K) (StreamHandle, bool)
	// Lookup fetch a copy of the subject's connection record
	Lookup(subject K) (ConnectionRecord[K], bool)
	// Snapshot get a point-in-time copy of all connection records
	Snapshot() []ConnectionRecord[K]
	// Count get the number of connected subjects
	Count() int
	// TotalOpenedSinceStart get the number of connections registered since start
	TotalOpenedSinceStart() uint64
}

// connectionRegistryImpl implements ConnectionRegistry
type connectionRegistryImpl[K comparable] struct {
	common.Component
	lock        sync.RWMutex
	records     map[K]*ConnectionRecord[K]
	generation  uint64
	totalOpened uint64
}

// GetConnectionRegistry define a new ConnectionRegistry
func GetConnectionRegistry[K comparable](instance string) (ConnectionRegistry[K], error) {
	logTags := log.Fields{
		"module": "dataplane", "component": "connection-registry", "instance": instance,
	}
	return &connectionRegistryImpl[K]{
		Component: common.Component{LogTags: logTags},
		records:   make(map[K]*ConnectionRecord[K]),
	}, nil
}

// Connect install the handle as the live connection for the subject
func (r *connectionRegistryImpl[K]) Connect(subject K, handle StreamHandle) ConnectionRecord[K] {
	r.lock.Lock()
	r.generation++
	r.totalOpened++
	record := &ConnectionRecord[K]{
		Subject:    subject,
		Handle:     handle,
		State:      ConnectionOpen,
		OpenedAt:   time.Now().UTC(),
		Generation: r.generation,
	}
	previous, replaced := r.records[subject]
	r.records[subject] = record
	connected := len(r.records)
	if replaced {
		previous.State = ConnectionClosed
	}
	result := *record
	r.lock.Unlock()

	if replaced {
		log.WithFields(r.LogTags).Debugf(
			"Subject %v reconnected: handle %s replaces %s", subject, handle.ID(), previous.Handle.ID(),
		)
	} else {
		log.WithFields(r.LogTags).Debugf("Subject %v connected with handle %s", subject, handle.ID())
	}
	log.WithFields(r.LogTags).Debugf("%d subjects connected", connected)
	return result
}

// RemoveIfCurrent remove the subject's connection only if its handle is this exact handle
func (r *connectionRegistryImpl[K]) RemoveIfCurrent(subject K, handle StreamHandle) bool {
	if handle == nil {
		log.WithFields(r.LogTags).Debugf("No handle given for %v. Nothing removed.", subject)
		return false
	}
	r.lock.Lock()
	record, ok := r.records[subject]
	if !ok || record.Handle != handle {
		r.lock.Unlock()
		log.WithFields(r.LogTags).Debugf(
			"Handle %s is not the live connection of %v. Nothing removed.", handle.ID(), subject,
		)
		return false
	}
	delete(r.records, subject)
	record.State = ConnectionClosed
	r.lock.Unlock()
	log.WithFields(r.LogTags).Debugf("Removed %s", record.String())
	return true
}

// Get fetch the subject's live handle
func (r *connectionRegistryImpl[K]) Get(subject K) (StreamHandle, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	if record, ok := r.records[subject]; ok {
		return record.Handle, true
	}
	return nil, false
}

// Lookup fetch a copy of the subject's connection record
func (r *connectionRegistryImpl[K]) Lookup(subject K) (ConnectionRecord[K], bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	if record, ok := r.records[subject]; ok {
		return *record, true
	}
	return ConnectionRecord[K]{}, false
}

// Snapshot get a point-in-time copy of all connection records
func (r *connectionRegistryImpl[K]) Snapshot() []ConnectionRecord[K] {
	r.lock.RLock()
	defer r.lock.RUnlock()
	result := make([]ConnectionRecord[K], 0, len(r.records))
	for _, record := range r.records {
		result = append(result, *record)
	}
	return result
}

// Count get the number of connected subjects
func (r *connectionRegistryImpl[K]) Count() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.records)
}

// TotalOpenedSinceStart get the number of connections registered since start
func (r *connectionRegistryImpl[K]) TotalOpenedSinceStart() uint64 {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.totalOpened
}
