package dataplane

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestHeartbeatSchedulerParams(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer wg.Wait()
	defer utCtxtCancel()

	_, dispatcher := defineTestDispatcher(assert)

	_, err := GetHeartbeatScheduler[string](utCtxt, nil, HeartbeatParams{
		EventName: "heartbeat", HeartbeatInterval: time.Second, StatsInterval: time.Second,
	}, "testing", &wg)
	assert.NotNil(err)
	_, err = GetHeartbeatScheduler(utCtxt, dispatcher, HeartbeatParams{
		HeartbeatInterval: time.Second, StatsInterval: time.Second,
	}, "testing", &wg)
	assert.NotNil(err)
	_, err = GetHeartbeatScheduler(utCtxt, dispatcher, HeartbeatParams{
		EventName: "heartbeat", StatsInterval: time.Second,
	}, "testing", &wg)
	assert.NotNil(err)
}

func TestHeartbeatSchedulerKeepAlive(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer wg.Wait()
	defer utCtxtCancel()

	registry, dispatcher := defineTestDispatcher(assert)

	healthy := newTestStreamHandle(0)
	broken := newTestStreamHandle(0)
	assert.Nil(dispatcher.Connect(utCtxt, "healthy", healthy))
	assert.Nil(dispatcher.Connect(utCtxt, "broken", broken))
	// The dead stream never signals; only a failed write reveals it
	broken.setFailSends(true)

	uut, err := GetHeartbeatScheduler(utCtxt, dispatcher, HeartbeatParams{
		EventName:         "heartbeat",
		Marker:            "ping",
		HeartbeatInterval: time.Millisecond * 20,
		StatsInterval:     time.Millisecond * 20,
	}, "testing", &wg)
	assert.Nil(err)
	assert.Nil(uut.Start())

	// Case 0: keep-alive frames arrive, and the broken stream is pruned
	{
		ctxt, cancel := context.WithTimeout(utCtxt, time.Second)
		defer cancel()
		for healthy.countFrames("heartbeat") < 3 {
			select {
			case <-ctxt.Done():
				assert.False(true, "keep-alive frames not received")
				return
			case <-time.After(time.Millisecond * 10):
			}
		}
		_, ok := registry.Get("broken")
		assert.False(ok)
		_, ok = registry.Get("healthy")
		assert.True(ok)
		assert.Equal(0, broken.countFrames("heartbeat"))

		frames := healthy.receivedFrames()
		last := frames[len(frames)-1]
		assert.Equal("heartbeat", last.Name)
		assert.Equal(`"ping"`, string(last.Payload))
	}

	// Case 1: starting twice fails
	assert.NotNil(uut.Start())

	// Case 2: stopped scheduler sends nothing more
	assert.Nil(uut.Stop())
	time.Sleep(time.Millisecond * 50)
	count := healthy.countFrames("heartbeat")
	time.Sleep(time.Millisecond * 80)
	assert.Equal(count, healthy.countFrames("heartbeat"))
}

func TestHeartbeatSchedulerIdle(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer wg.Wait()
	defer utCtxtCancel()

	_, dispatcher := defineTestDispatcher(assert)

	uut, err := GetHeartbeatScheduler(utCtxt, dispatcher, HeartbeatParams{
		EventName:         "heartbeat",
		HeartbeatInterval: time.Millisecond * 10,
		StatsInterval:     time.Millisecond * 10,
	}, "testing", &wg)
	assert.Nil(err)
	assert.Nil(uut.Start())
	time.Sleep(time.Millisecond * 50)

	// A subject connecting afterwards only gets the acknowledgement until the next tick
	handle := newTestStreamHandle(0)
	assert.Nil(dispatcher.Connect(utCtxt, "late", handle))
	assert.Equal(1, handle.countFrames("connected"))
	assert.Nil(uut.Stop())
	assert.Equal(uint64(1), dispatcher.TotalOpenedSinceStart())
}
