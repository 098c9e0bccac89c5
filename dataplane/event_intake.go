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
	"encoding/json"
	"fmt"
	"sync"

	"github.com/alwitt/httppush/common"
	"github.com/alwitt/httppush/core"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
)

// EventIntake receives push events published on a NATS subject, and delivers them
// through the event dispatcher
type EventIntake interface {
	// Start start receiving push events. Receiving stops once the context is done.
	Start(wg *sync.WaitGroup) error
}

// EventIntakeParams event intake parameters
type EventIntakeParams struct {
	// Subject is the NATS subject push events are published on
	Subject string `validate:"required"`
	// QueueGroup optional NATS queue group to join
	QueueGroup string
}

// eventIntakeImpl implements EventIntake
type eventIntakeImpl struct {
	common.Component
	nats         *core.NatsClient
	params       EventIntakeParams
	processor    common.TaskProcessor
	dispatcher   EventDispatcher[string]
	validate     *validator.Validate
	ctxt         context.Context
	lock         sync.Mutex
	subscription *nats.Subscription
}

// GetEventIntake define a new EventIntake
//
// The task processor's handler is replaced with the intake's delivery function.
func GetEventIntake(
	ctxt context.Context,
	natsClient *core.NatsClient,
	params EventIntakeParams,
	processor common.TaskProcessor,
	dispatcher EventDispatcher[string],
	instance string,
) (EventIntake, error) {
	logTags := log.Fields{
		"module":    "dataplane",
		"component": "event-intake",
		"instance":  instance,
		"subject":   params.Subject,
	}
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid event intake parameters")
		return nil, err
	}
	if processor == nil || dispatcher == nil {
		return nil, fmt.Errorf("event intake requires a task processor and an event dispatcher")
	}
	instanceObj := &eventIntakeImpl{
		Component:  common.Component{LogTags: logTags},
		nats:       natsClient,
		params:     params,
		processor:  processor,
		dispatcher: dispatcher,
		validate:   validate,
		ctxt:       ctxt,
	}
	if err := processor.SetTaskHandler(instanceObj.deliver); err != nil {
		return nil, err
	}
	return instanceObj, nil
}

// Start start receiving push events
func (r *eventIntakeImpl) Start(wg *sync.WaitGroup) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.nats == nil {
		return fmt.Errorf("event intake has no NATS client")
	}
	if r.subscription != nil {
		return fmt.Errorf("already subscribed to %s", r.params.Subject)
	}
	var sub *nats.Subscription
	var err error
	if r.params.QueueGroup != "" {
		sub, err = r.nats.NATs().QueueSubscribe(r.params.Subject, r.params.QueueGroup, r.handleMessage)
	} else {
		sub, err = r.nats.NATs().Subscribe(r.params.Subject, r.handleMessage)
	}
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Failed to subscribe to push event subject %s", r.params.Subject,
		)
		return err
	}
	r.subscription = sub
	// Handler to automatically un-subscribe once the context is over
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-r.ctxt.Done()
		log.WithFields(r.LogTags).Debugf("Unsubscribing from push event subject %s", r.params.Subject)
		if err := sub.Unsubscribe(); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Error occurred when unsubscribing from push event subject %s", r.params.Subject,
			)
		}
		log.WithFields(r.LogTags).Infof("Unsubscribed from push event subject %s", r.params.Subject)
	}()
	log.WithFields(r.LogTags).Infof("Receiving push events on %s", r.params.Subject)
	return nil
}

// handleMessage process one NATS message carrying a push event
func (r *eventIntakeImpl) handleMessage(msg *nats.Msg) {
	var event common.PushEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Failed to read push event: %s", msg.Data)
		return
	}
	if err := r.validate.Struct(&event); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Failed to validate push event: %s", msg.Data)
		return
	}
	log.WithFields(r.LogTags).Debugf("Received %s", event)
	if err := r.processor.Submit(r.ctxt, event); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Unable to queue %s for delivery", event)
	}
}

// deliver task handler which delivers one push event
func (r *eventIntakeImpl) deliver(taskParam interface{}) error {
	event, ok := taskParam.(common.PushEvent)
	if !ok {
		return fmt.Errorf("unexpected event intake task param %T", taskParam)
	}
	var payload interface{}
	if len(event.Payload) > 0 {
		payload = event.Payload
	}
	if event.Broadcast {
		sent := r.dispatcher.Broadcast(r.ctxt, event.Event, payload)
		log.WithFields(r.LogTags).Debugf("Broadcast %s to %d subjects", event, sent)
		return nil
	}
	result := r.dispatcher.SendTo(r.ctxt, event.Subject, event.Event, payload)
	log.WithFields(r.LogTags).Debugf("Delivered %s: %s", event, result)
	return nil
}

// ==============================================================================

// PushEventPublisher publishes push events onto the NATS event intake subject
type PushEventPublisher interface {
	// Publish publish one push event
	Publish(ctxt context.Context, event common.PushEvent) error
}

// pushEventPublisherImpl implements PushEventPublisher
type pushEventPublisherImpl struct {
	common.Component
	nats     *core.NatsClient
	subject  string
	validate *validator.Validate
}

// GetPushEventPublisher define a new PushEventPublisher
func GetPushEventPublisher(
	natsClient *core.NatsClient, subject string, instance string,
) (PushEventPublisher, error) {
	logTags := log.Fields{
		"module":    "dataplane",
		"component": "event-publisher",
		"instance":  instance,
		"subject":   subject,
	}
	if natsClient == nil {
		return nil, fmt.Errorf("push event publisher requires a NATS client")
	}
	if subject == "" {
		return nil, fmt.Errorf("push event publisher requires a NATS subject")
	}
	return &pushEventPublisherImpl{
		Component: common.Component{LogTags: logTags},
		nats:      natsClient,
		subject:   subject,
		validate:  validator.New(),
	}, nil
}

// Publish publish one push event
func (p *pushEventPublisherImpl) Publish(ctxt context.Context, event common.PushEvent) error {
	if err := p.validate.Struct(&event); err != nil {
		log.WithError(err).WithFields(p.LogTags).Error("Push event invalid")
		return err
	}
	msg, err := json.Marshal(&event)
	if err != nil {
		log.WithError(err).WithFields(p.LogTags).Errorf("Unable to serialize %s", event)
		return err
	}
	if err := p.nats.NATs().Publish(p.subject, msg); err != nil {
		log.WithError(err).WithFields(p.LogTags).Errorf("Failed to publish %s", event)
		return err
	}
	if err := p.nats.NATs().FlushWithContext(ctxt); err != nil {
		log.WithError(err).WithFields(p.LogTags).Errorf("Failed to flush %s", event)
		return err
	}
	log.WithFields(p.LogTags).Debugf("Published %s", event)
	return nil
}
