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
	"context"
	"sync"
	"time"
)

// StreamHandle is one outbound server-to-client event stream, supplied by a transport.
//
// Implementations must be pointer types: the registry tracks handles by identity.
type StreamHandle interface {
	// ID returns the handle's unique ID
	ID() string
	// Send write one event frame to the client
	Send(ctxt context.Context, frame EventFrame) error
	// Close terminate the stream, and release the underlying transport
	Close() error
	// Done returns a channel which is closed once the stream terminates
	Done() <-chan struct{}
	// OnCompletion register callback for when the client ends the stream
	OnCompletion(cb func())
	// OnTimeout register callback for when the stream reaches its max lifetime
	OnTimeout(cb func())
	// OnError register callback for when the stream fails
	OnError(cb func(error))
}

// ConnectionState is the state of a connection record
type ConnectionState int

const (
	// ConnectionOpen the connection is live
	ConnectionOpen ConnectionState = iota
	// ConnectionClosed the connection is gone from the registry
	ConnectionClosed
)

// String toString function
func (s ConnectionState) String() string {
	if s == ConnectionOpen {
		return "open"
	}
	return "closed"
}

// streamEndReason how a stream terminated
type streamEndReason int

const (
	streamActive streamEndReason = iota
	streamCompleted
	streamTimedOut
	streamErrored
)

// StreamLifecycle tracks the termination of one stream handle.
//
// Exactly one of completion, timeout, or error ends a stream, and only that kind of
// callbacks fire, once. A callback registered after the stream ended fires immediately
// if it matches how the stream ended. Transports embed this to implement the lifecycle
// portion of StreamHandle.
type StreamLifecycle struct {
	lock         sync.Mutex
	reason       streamEndReason
	endErr       error
	done         chan struct{}
	timer        *time.Timer
	onCompletion []func()
	onTimeout    []func()
	onError      []func(error)
}

// NewStreamLifecycle define a new StreamLifecycle. A timeout of zero or less means
// the stream never times out.
func NewStreamLifecycle(timeout time.Duration) *StreamLifecycle {
	l := &StreamLifecycle{done: make(chan struct{})}
	if timeout > 0 {
		l.timer = time.AfterFunc(timeout, l.expire)
	}
	return l
}

// Done returns a channel which is closed once the stream terminates
func (l *StreamLifecycle) Done() <-chan struct{} {
	return l.done
}

// Terminated whether the stream has ended
func (l *StreamLifecycle) Terminated() bool {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.reason != streamActive
}

// OnCompletion register callback for when the client ends the stream
func (l *StreamLifecycle) OnCompletion(cb func()) {
	l.lock.Lock()
	if l.reason == streamActive {
		l.onCompletion = append(l.onCompletion, cb)
		l.lock.Unlock()
		return
	}
	fire := l.reason == streamCompleted
	l.lock.Unlock()
	if fire {
		cb()
	}
}

// OnTimeout register callback for when the stream reaches its max lifetime
func (l *StreamLifecycle) OnTimeout(cb func()) {
	l.lock.Lock()
	if l.reason == streamActive {
		l.onTimeout = append(l.onTimeout, cb)
		l.lock.Unlock()
		return
	}
	fire := l.reason == streamTimedOut
	l.lock.Unlock()
	if fire {
		cb()
	}
}

// OnError register callback for when the stream fails
func (l *StreamLifecycle) OnError(cb func(error)) {
	l.lock.Lock()
	if l.reason == streamActive {
		l.onError = append(l.onError, cb)
		l.lock.Unlock()
		return
	}
	fire := l.reason == streamErrored
	endErr := l.endErr
	l.lock.Unlock()
	if fire {
		cb(endErr)
	}
}

// Complete end the stream as completed. Returns false if the stream already ended.
func (l *StreamLifecycle) Complete() bool {
	return l.terminate(streamCompleted, nil)
}

// Fail end the stream on error. Returns false if the stream already ended.
func (l *StreamLifecycle) Fail(err error) bool {
	return l.terminate(streamErrored, err)
}

// expire end the stream on timeout
func (l *StreamLifecycle) expire() {
	l.terminate(streamTimedOut, nil)
}

// terminate transitions the stream into a terminal state, and fire the matching callbacks
func (l *StreamLifecycle) terminate(reason streamEndReason, err error) bool {
	l.lock.Lock()
	if l.reason != streamActive {
		l.lock.Unlock()
		return false
	}
	l.reason = reason
	l.endErr = err
	if l.timer != nil {
		l.timer.Stop()
	}
	completion, timeout, onError := l.onCompletion, l.onTimeout, l.onError
	l.onCompletion, l.onTimeout, l.onError = nil, nil, nil
	l.lock.Unlock()

	switch reason {
	case streamCompleted:
		for _, cb := range completion {
			cb()
		}
	case streamTimedOut:
		for _, cb := range timeout {
			cb()
		}
	case streamErrored:
		for _, cb := range onError {
			cb(err)
		}
	}
	close(l.done)
	return true
}
