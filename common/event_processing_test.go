package common

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestTaskParamProcessing(t *testing.T) {
	assert := assert.New(t)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetNewTaskProcessorInstance(ctxt, "testing", 4)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.StopEventLoop())
	}()

	// Case 1: no executor map
	{
		assert.NotNil(uut.ProcessNewTaskParam("hello"))
	}

	type testStruct1 struct{}
	type testStruct2 struct{}
	type testStruct3 struct{}

	executorMap := map[reflect.Type]TaskHandler{
		reflect.TypeOf(testStruct1{}): func(p interface{}) error {
			return nil
		},
	}

	// Case 2: define a executor map
	{
		assert.Nil(uut.SetTaskExecutionMap(executorMap))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(&testStruct3{}))
	}

	executorMap = map[reflect.Type]TaskHandler{
		reflect.TypeOf(testStruct1{}): func(p interface{}) error { return nil },
		reflect.TypeOf(testStruct3{}): func(p interface{}) error { return fmt.Errorf("Dummy error") },
	}

	// Case 3: change executor map
	{
		assert.Nil(uut.SetTaskExecutionMap(executorMap))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.NotNil(uut.ProcessNewTaskParam(&testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct3{}))
	}

	// Case 4: append to existing map
	{
		assert.Nil(uut.AddToTaskExecutionMap(
			reflect.TypeOf(&testStruct2{}), func(p interface{}) error { return nil },
		))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.Nil(uut.ProcessNewTaskParam(&testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct3{}))
	}
}

func TestTaskProcessorSubmitAfterStop(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetNewTaskProcessorInstance(ctxt, "testing", 0)
	assert.Nil(err)
	assert.Nil(uut.StartEventLoop(&wg))
	assert.Nil(uut.StopEventLoop())

	// Unbuffered and stopped: submit must not hang
	useContext, useCancel := context.WithTimeout(context.Background(), time.Second)
	defer useCancel()
	assert.NotNil(uut.Submit(useContext, "hello"))
}

type testKeyedTask struct {
	key string
	seq int
}

func (t testKeyedTask) TaskKey() string {
	return t.key
}

func TestTaskDemuxProcessing(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetNewTaskDemuxProcessorInstance(ctxt, "testing", 4, 3)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.StopEventLoop())
	}()

	// recast to source
	uutc := uut.(*taskDemuxProcessorImpl)
	assert.Equal(0, uutc.routeIdx)

	assert.Nil(uut.StartEventLoop(&wg))

	type testStruct1 struct{}

	testWG := sync.WaitGroup{}
	path1 := 0
	seenLock := sync.Mutex{}
	seen := map[string][]int{}
	executorMap := map[reflect.Type]TaskHandler{
		reflect.TypeOf(testStruct1{}): func(p interface{}) error {
			seenLock.Lock()
			path1++
			seenLock.Unlock()
			testWG.Done()
			return nil
		},
		reflect.TypeOf(testKeyedTask{}): func(p interface{}) error {
			task := p.(testKeyedTask)
			seenLock.Lock()
			seen[task.key] = append(seen[task.key], task.seq)
			seenLock.Unlock()
			testWG.Done()
			return nil
		},
	}
	assert.Nil(uut.SetTaskExecutionMap(executorMap))

	// Case 1: un-keyed tasks are spread round-robin
	{
		testWG.Add(2)
		useContext, cancel := context.WithTimeout(context.Background(), time.Second)
		assert.Nil(uut.Submit(useContext, testStruct1{}))
		assert.Nil(uut.Submit(useContext, testStruct1{}))
		cancel()
		testWG.Wait()
		assert.Equal(2, path1)
		assert.Equal(2, uutc.routeIdx)
	}

	// Case 2: keyed tasks always land on the same worker
	{
		for _, key := range []string{"1", "2", "7", "tap-42"} {
			first := uutc.selectWorker(testKeyedTask{key: key})
			for itr := 0; itr < 10; itr++ {
				assert.Equal(first, uutc.selectWorker(testKeyedTask{key: key}))
			}
		}
		// Keyed routing does not move the round-robin index
		assert.Equal(2, uutc.routeIdx)
	}

	// Case 3: keyed tasks keep submission order per key
	{
		keys := []string{"1", "2", "3", "4", "5"}
		testWG.Add(len(keys) * 50)
		useContext, cancel := context.WithTimeout(context.Background(), time.Second*5)
		for itr := 0; itr < 50; itr++ {
			for _, key := range keys {
				assert.Nil(uut.Submit(useContext, testKeyedTask{key: key, seq: itr}))
			}
		}
		cancel()
		testWG.Wait()
		seenLock.Lock()
		for _, key := range keys {
			assert.Len(seen[key], 50)
			for itr, seq := range seen[key] {
				assert.Equal(itr, seq)
			}
		}
		seenLock.Unlock()
	}
}
