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

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alwitt/httppush/common"
	"github.com/alwitt/httppush/core"
	"github.com/alwitt/httppush/dataplane"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/urfave/cli/v2"
)

// PublishCLIArgs arguments
type PublishCLIArgs struct {
	Subject   string `validate:"required_without=Broadcast"`
	Broadcast bool
	Event     string `validate:"required"`
	Payload   string
	Timeout   time.Duration `validate:"gt=0"`
}

// GetPublishCLIFlags retrieve the set of CMD flags for the publish subcommand
func GetPublishCLIFlags(args *PublishCLIArgs) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "subject",
			Usage:       "Subject to deliver the event to",
			Aliases:     []string{"s"},
			EnvVars:     []string{"PUBLISH_SUBJECT"},
			Value:       "",
			DefaultText: "",
			Destination: &args.Subject,
			Required:    false,
		},
		&cli.BoolFlag{
			Name:        "broadcast",
			Usage:       "Deliver the event to every connected subject",
			Aliases:     []string{"b"},
			Value:       false,
			DefaultText: "false",
			Destination: &args.Broadcast,
			Required:    false,
		},
		&cli.StringFlag{
			Name:        "event",
			Usage:       "Event name",
			Aliases:     []string{"e"},
			EnvVars:     []string{"PUBLISH_EVENT"},
			Destination: &args.Event,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "payload",
			Usage:       "Event payload as JSON",
			Aliases:     []string{"p"},
			Value:       "",
			DefaultText: "",
			Destination: &args.Payload,
			Required:    false,
		},
		&cli.DurationFlag{
			Name:        "timeout",
			Usage:       "Max duration to wait for the publish to complete",
			Aliases:     []string{"t"},
			Value:       time.Second * 10,
			DefaultText: "10s",
			Destination: &args.Timeout,
			Required:    false,
		},
	}
}

// RunPublish publish one push event onto the NATS event intake subject
func RunPublish(
	runTimeContext context.Context,
	params PublishCLIArgs,
	config *common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "publish",
		"instance":  instance,
	}

	if err := validator.New().Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
		return err
	}

	event := common.PushEvent{
		Subject: params.Subject, Broadcast: params.Broadcast, Event: params.Event,
	}
	if params.Payload != "" {
		payload := json.RawMessage(params.Payload)
		if !json.Valid(payload) {
			err := fmt.Errorf("event payload is not valid JSON")
			log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
			return err
		}
		event.Payload = payload
	}

	publisher, err := dataplane.GetPushEventPublisher(natsClient, config.Push.Intake.Subject, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define push event publisher")
		return err
	}

	ctxt, cancel := context.WithTimeout(runTimeContext, params.Timeout)
	defer cancel()
	if err := publisher.Publish(ctxt, event); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Failed to publish %s", event)
		return err
	}
	log.WithFields(logTags).Infof("Published %s to %s", event, config.Push.Intake.Subject)
	return nil
}
