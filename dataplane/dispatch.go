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
	"fmt"
	"sync/atomic"
	"time"

	"github.com/alwitt/httppush/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"
)

// EventDispatcher routes named events to the live streams of subjects.
//
// Delivery is at-most-once and best-effort: nothing is queued, retried, or replayed.
// Failures are reconciled into the registry, and never surface to the caller as errors.
type EventDispatcher[K comparable] interface {
	// Connect register the handle as the subject's live stream, and write the initial
	// acknowledgement frame through it. If that write fails, the registration is undone.
	Connect(ctxt context.Context, subject K, handle StreamHandle) error
	// SendTo deliver one event to one subject
	SendTo(ctxt context.Context, subject K, eventName string, payload interface{}) DeliveryResult
	// Broadcast deliver one event to every connected subject. Returns the number of
	// subjects the event was written to.
	Broadcast(ctxt context.Context, eventName string, payload interface{}) int
	// Count get the number of connected subjects
	Count() int
	// TotalOpenedSinceStart get the number of connections registered since start
	TotalOpenedSinceStart() uint64
	// Stats get the aggregate connection statistics
	Stats() ConnectionStats
}

// EventDispatcherParams event dispatcher parameters
type EventDispatcherParams struct {
	// ConnectAckEvent is the event name of the frame written on connect
	ConnectAckEvent string `validate:"required,max=128,printascii"`
	// SendTimeout is the max duration of one frame write
	SendTimeout time.Duration `validate:"gt=0"`
	// BroadcastParallelism is the max number of concurrent writes during broadcast
	BroadcastParallelism int `validate:"gte=1"`
}

// eventDispatcherImpl implements EventDispatcher
type eventDispatcherImpl[K comparable] struct {
	common.Component
	registry ConnectionRegistry[K]
	params   EventDispatcherParams
}

// GetEventDispatcher define a new EventDispatcher
func GetEventDispatcher[K comparable](
	registry ConnectionRegistry[K], params EventDispatcherParams, instance string,
) (EventDispatcher[K], error) {
	logTags := log.Fields{
		"module": "dataplane", "component": "event-dispatcher", "instance": instance,
	}
	if registry == nil {
		return nil, fmt.Errorf("event dispatcher requires a connection registry")
	}
	if err := validator.New().Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid event dispatcher parameters")
		return nil, err
	}
	return &eventDispatcherImpl[K]{
		Component: common.Component{LogTags: logTags},
		registry:  registry,
		params:    params,
	}, nil
}

// send helper function to write one frame through a handle, bounded by the send timeout
func (d *eventDispatcherImpl[K]) send(
	ctxt context.Context, handle StreamHandle, eventName string, payload []byte,
) error {
	sendCtxt, cancel := context.WithTimeout(ctxt, d.params.SendTimeout)
	defer cancel()
	return handle.Send(sendCtxt, EventFrame{
		Name: eventName, Payload: payload, SentAt: time.Now().UTC(),
	})
}

// Connect register the handle as the subject's live stream
func (d *eventDispatcherImpl[K]) Connect(
	ctxt context.Context, subject K, handle StreamHandle,
) error {
	localLogTags := d.CopyLogTags(log.Fields{"subject": subject, "handle": handle.ID()})

	record := d.registry.Connect(subject, handle)

	// Callbacks are bound after registration. A handle which already ended fires
	// them immediately, which removes the record just installed.
	handle.OnCompletion(func() {
		if d.registry.RemoveIfCurrent(subject, handle) {
			log.WithFields(localLogTags).Info("Live stream closed by client")
		} else {
			log.WithFields(localLogTags).Debug("Stale completion callback ignored")
		}
	})
	handle.OnTimeout(func() {
		if d.registry.RemoveIfCurrent(subject, handle) {
			log.WithFields(localLogTags).Info("Live stream timed out")
		} else {
			log.WithFields(localLogTags).Debug("Stale timeout callback ignored")
		}
	})
	handle.OnError(func(err error) {
		if d.registry.RemoveIfCurrent(subject, handle) {
			log.WithError(err).WithFields(localLogTags).Warn("Live stream failed")
		} else {
			log.WithError(err).WithFields(localLogTags).Debug("Stale error callback ignored")
		}
	})

	ack, err := encodePayload(ConnectAck{
		HandleID: handle.ID(), Generation: record.Generation, OpenedAt: record.OpenedAt,
	})
	if err != nil {
		d.registry.RemoveIfCurrent(subject, handle)
		log.WithError(err).WithFields(localLogTags).Error("Unable to encode connect acknowledgement")
		return err
	}
	if err := d.send(ctxt, handle, d.params.ConnectAckEvent, ack); err != nil {
		d.registry.RemoveIfCurrent(subject, handle)
		log.WithError(err).WithFields(localLogTags).Error("Unable to write connect acknowledgement")
		return err
	}
	log.WithFields(localLogTags).Infof("Live stream established (G:%d)", record.Generation)
	return nil
}

// SendTo deliver one event to one subject
func (d *eventDispatcherImpl[K]) SendTo(
	ctxt context.Context, subject K, eventName string, payload interface{},
) DeliveryResult {
	localLogTags := d.CopyLogTags(log.Fields{"subject": subject, "event": eventName})

	encoded, err := encodePayload(payload)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to encode event payload. Event rejected.")
		return DeliveryInvalidPayload
	}

	handle, ok := d.registry.Get(subject)
	if !ok {
		log.WithFields(localLogTags).Debug("No live stream. Event dropped.")
		return DeliveryNoActiveConnection
	}

	if err := d.send(ctxt, handle, eventName, encoded); err != nil {
		pruned := d.registry.RemoveIfCurrent(subject, handle)
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Failed to send event through %s (pruned: %v)", handle.ID(), pruned,
		)
		return DeliverySendFailed
	}
	log.WithFields(localLogTags).Debugf("Sent event through %s", handle.ID())
	return DeliverySent
}

// Broadcast deliver one event to every connected subject
func (d *eventDispatcherImpl[K]) Broadcast(
	ctxt context.Context, eventName string, payload interface{},
) int {
	localLogTags := d.CopyLogTags(log.Fields{"event": eventName})

	encoded, err := encodePayload(payload)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to encode event payload")
		return 0
	}

	snapshot := d.registry.Snapshot()
	if len(snapshot) == 0 {
		return 0
	}

	var sent int64
	var pruned int64
	var sendGroup errgroup.Group
	sendGroup.SetLimit(d.params.BroadcastParallelism)
	for _, record := range snapshot {
		record := record
		sendGroup.Go(func() error {
			if err := d.send(ctxt, record.Handle, eventName, encoded); err != nil {
				if d.registry.RemoveIfCurrent(record.Subject, record.Handle) {
					atomic.AddInt64(&pruned, 1)
				}
				log.WithError(err).WithFields(localLogTags).Errorf(
					"Failed to send event to %v through %s", record.Subject, record.Handle.ID(),
				)
				return nil
			}
			atomic.AddInt64(&sent, 1)
			return nil
		})
	}
	_ = sendGroup.Wait()

	log.WithFields(localLogTags).Debugf(
		"Broadcast to %d of %d subjects, pruned %d", sent, len(snapshot), pruned,
	)
	return int(sent)
}

// Count get the number of connected subjects
func (d *eventDispatcherImpl[K]) Count() int {
	return d.registry.Count()
}

// TotalOpenedSinceStart get the number of connections registered since start
func (d *eventDispatcherImpl[K]) TotalOpenedSinceStart() uint64 {
	return d.registry.TotalOpenedSinceStart()
}

// Stats get the aggregate connection statistics
func (d *eventDispatcherImpl[K]) Stats() ConnectionStats {
	return ConnectionStats{
		ConnectedSubjects: d.registry.Count(),
		TotalOpened:       d.registry.TotalOpenedSinceStart(),
	}
}
