package dataplane

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/httppush/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// HeartbeatScheduler periodically pushes keep-alive frames to every live stream, and
// reports connection statistics.
//
// A keep-alive write which fails prunes that stream, so connections which died without
// a close, timeout, or error signal are eventually removed.
type HeartbeatScheduler interface {
	// Start start the heartbeat and stats report timers
	Start() error
	// Stop stop the timers
	Stop() error
}

// HeartbeatParams heartbeat scheduler parameters
type HeartbeatParams struct {
	// EventName is the event name of the keep-alive frame
	EventName string `validate:"required,max=128,printascii"`
	// Marker is the payload of the keep-alive frame
	Marker interface{}
	// HeartbeatInterval is the interval between keep-alive broadcasts
	HeartbeatInterval time.Duration `validate:"gt=0"`
	// StatsInterval is the interval between connection stats reports
	StatsInterval time.Duration `validate:"gt=0"`
}

// heartbeatSchedulerImpl implements HeartbeatScheduler
type heartbeatSchedulerImpl[K comparable] struct {
	common.Component
	dispatcher     EventDispatcher[K]
	params         HeartbeatParams
	ctxt           context.Context
	heartbeatTimer common.IntervalTimer
	statsTimer     common.IntervalTimer
}

// GetHeartbeatScheduler define a new HeartbeatScheduler
func GetHeartbeatScheduler[K comparable](
	ctxt context.Context,
	dispatcher EventDispatcher[K],
	params HeartbeatParams,
	instance string,
	wg *sync.WaitGroup,
) (HeartbeatScheduler, error) {
	logTags := log.Fields{
		"module": "dataplane", "component": "heartbeat", "instance": instance,
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("heartbeat scheduler requires an event dispatcher")
	}
	if err := validator.New().Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid heartbeat parameters")
		return nil, err
	}
	heartbeatTimer, err := common.GetIntervalTimerInstance(
		fmt.Sprintf("%s.heartbeat", instance), ctxt, wg,
	)
	if err != nil {
		return nil, err
	}
	statsTimer, err := common.GetIntervalTimerInstance(
		fmt.Sprintf("%s.stats", instance), ctxt, wg,
	)
	if err != nil {
		return nil, err
	}
	return &heartbeatSchedulerImpl[K]{
		Component:      common.Component{LogTags: logTags},
		dispatcher:     dispatcher,
		params:         params,
		ctxt:           ctxt,
		heartbeatTimer: heartbeatTimer,
		statsTimer:     statsTimer,
	}, nil
}

// Start start the heartbeat and stats report timers
func (h *heartbeatSchedulerImpl[K]) Start() error {
	if err := h.heartbeatTimer.Start(h.params.HeartbeatInterval, h.sendHeartbeat, false); err != nil {
		log.WithError(err).WithFields(h.LogTags).Error("Unable to start heartbeat timer")
		return err
	}
	if err := h.statsTimer.Start(h.params.StatsInterval, h.reportStats, false); err != nil {
		log.WithError(err).WithFields(h.LogTags).Error("Unable to start stats timer")
		_ = h.heartbeatTimer.Stop()
		return err
	}
	return nil
}

// Stop stop the timers
func (h *heartbeatSchedulerImpl[K]) Stop() error {
	_ = h.heartbeatTimer.Stop()
	return h.statsTimer.Stop()
}

// sendHeartbeat push one keep-alive frame to every live stream
func (h *heartbeatSchedulerImpl[K]) sendHeartbeat() error {
	connected := h.dispatcher.Count()
	if connected == 0 {
		return nil
	}
	sent := h.dispatcher.Broadcast(h.ctxt, h.params.EventName, h.params.Marker)
	if sent < connected {
		log.WithFields(h.LogTags).Infof("Heartbeat reached %d of %d subjects", sent, connected)
	} else {
		log.WithFields(h.LogTags).Debugf("Heartbeat reached %d subjects", sent)
	}
	return nil
}

// reportStats log the aggregate connection statistics
func (h *heartbeatSchedulerImpl[K]) reportStats() error {
	stats := h.dispatcher.Stats()
	if stats.ConnectedSubjects == 0 {
		return nil
	}
	log.WithFields(h.CopyLogTags(log.Fields{
		"connected_subjects": stats.ConnectedSubjects,
		"total_opened":       stats.TotalOpened,
	})).Info("Live connection stats")
	return nil
}
