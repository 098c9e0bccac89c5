package common

import (
	"context"
	"fmt"
	"sync"

	"github.com/apex/log"
)

// TaskHandler a handler function which execute a task based on parameters
type TaskHandler func(taskParam interface{}) error

// TaskProcessor processing module for executing submitted tasks on a pool of workers
type TaskProcessor interface {
	// Submit submit a new task parameter for processing. Blocks while the task
	// buffer is full, until the context is done.
	Submit(ctxt context.Context, newTaskParam interface{}) error
	// SetTaskHandler define the handler to process task parameters with
	SetTaskHandler(handler TaskHandler) error
	// StartEventLoop start the worker event loops
	StartEventLoop(wg *sync.WaitGroup) error
	// StopEventLoop stop the worker event loops
	StopEventLoop() error
}

// taskProcessorImpl implement TaskProcessor
type taskProcessorImpl struct {
	Component
	name        string
	workerCount int
	lock        sync.RWMutex
	handler     TaskHandler
	newTasks    chan interface{}
	rootCtxt    context.Context
	loopCtxt    context.Context
	loopCancel  context.CancelFunc
}

// GetNewTaskProcessorInstance get instance of TaskProcessor
func GetNewTaskProcessorInstance(
	rootCtxt context.Context, name string, taskBuffer int, workerCount int,
) (TaskProcessor, error) {
	if workerCount < 1 {
		return nil, fmt.Errorf("[TP %s] requires at least one worker", name)
	}
	if taskBuffer < 0 {
		return nil, fmt.Errorf("[TP %s] task buffer can't be negative", name)
	}
	logTags := log.Fields{
		"module": "common", "component": "task-processor", "instance": name,
	}
	loopCtxt, loopCancel := context.WithCancel(rootCtxt)
	return &taskProcessorImpl{
		Component:   Component{LogTags: logTags},
		name:        name,
		workerCount: workerCount,
		newTasks:    make(chan interface{}, taskBuffer),
		rootCtxt:    rootCtxt,
		loopCtxt:    loopCtxt,
		loopCancel:  loopCancel,
	}, nil
}

// SetTaskHandler define the handler to process task parameters with
func (p *taskProcessorImpl) SetTaskHandler(handler TaskHandler) error {
	if handler == nil {
		return fmt.Errorf("[TP %s] task handler can't be nil", p.name)
	}
	log.WithFields(p.LogTags).Debug("Changing task handler")
	p.lock.Lock()
	defer p.lock.Unlock()
	p.handler = handler
	return nil
}

// Submit submit a new task parameter for processing
func (p *taskProcessorImpl) Submit(ctxt context.Context, newTaskParam interface{}) error {
	select {
	case p.newTasks <- newTaskParam:
		log.WithFields(p.LogTags).Debug("Accepted new task param")
		return nil
	case <-ctxt.Done():
		return ctxt.Err()
	case <-p.loopCtxt.Done():
		return fmt.Errorf("[TP %s] no longer accepting tasks", p.name)
	}
}

// processNewTaskParam process a new task param
func (p *taskProcessorImpl) processNewTaskParam(newTaskParam interface{}) error {
	p.lock.RLock()
	handler := p.handler
	p.lock.RUnlock()
	if handler == nil {
		return fmt.Errorf("[TP %s] No task handler set", p.name)
	}
	return handler(newTaskParam)
}

// StartEventLoop start the worker event loops
func (p *taskProcessorImpl) StartEventLoop(wg *sync.WaitGroup) error {
	log.WithFields(p.LogTags).Infof("Starting %d worker event loops", p.workerCount)
	for itr := 0; itr < p.workerCount; itr++ {
		workerTags := log.Fields{}
		for k, v := range p.LogTags {
			workerTags[k] = v
		}
		workerTags["worker"] = itr
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer log.WithFields(workerTags).Info("Event loop exiting")
			for {
				select {
				case <-p.loopCtxt.Done():
					return
				case newTaskParam := <-p.newTasks:
					if err := p.processNewTaskParam(newTaskParam); err != nil {
						log.WithError(err).WithFields(workerTags).Error("Failed to process new task param")
					}
				}
			}
		}()
	}
	return nil
}

// StopEventLoop stop the worker event loops
func (p *taskProcessorImpl) StopEventLoop() error {
	log.WithFields(p.LogTags).Info("Stopping event loops")
	p.loopCancel()
	return nil
}
