package common

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTaskParamProcessing(t *testing.T) {
	assert := assert.New(t)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetNewTaskProcessorInstance("testing", 4, ctxt)
	assert.Nil(err)

	// Case 1: no executor map
	{
		assert.NotNil(uut.ProcessNewTaskParam("hello"))
	}

	type testStruct1 struct{}
	type testStruct2 struct{}
	type testStruct3 struct{}

	// Case 2: define a handler
	{
		assert.Nil(uut.AddToTaskExecutionMap(
			reflect.TypeOf(testStruct1{}), func(p interface{}) error { return nil },
		))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(&testStruct3{}))
	}

	// Case 3: append additional handlers
	{
		assert.Nil(uut.AddToTaskExecutionMap(
			reflect.TypeOf(&testStruct2{}), func(p interface{}) error { return nil },
		))
		assert.Nil(uut.AddToTaskExecutionMap(
			reflect.TypeOf(testStruct3{}), func(p interface{}) error {
				return fmt.Errorf("Dummy error")
			},
		))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.Nil(uut.ProcessNewTaskParam(&testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct3{}))
	}
}

func TestTaskProcessingEventLoop(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetNewTaskProcessorInstance("testing", 4, ctxt)
	assert.Nil(err)

	type testStruct1 struct{}

	testWG := sync.WaitGroup{}
	calls := 0
	assert.Nil(uut.AddToTaskExecutionMap(
		reflect.TypeOf(testStruct1{}), func(p interface{}) error {
			calls++
			testWG.Done()
			return nil
		},
	))
	assert.Nil(uut.StartEventLoop(&wg))

	// Case 1: trigger
	{
		testWG.Add(1)
		useContext, lclCancel := context.WithTimeout(context.Background(), time.Second)
		assert.Nil(uut.Submit(useContext, testStruct1{}))
		lclCancel()
		testWG.Wait()
		assert.Equal(1, calls)
	}

	// Case 2: after shutdown the queue no longer drains
	{
		cancel()
		time.Sleep(time.Millisecond * 50)
		failed := false
		for itr := 0; itr < 8; itr++ {
			useContext, lclCancel := context.WithTimeout(
				context.Background(), time.Millisecond*100,
			)
			err := uut.Submit(useContext, testStruct1{})
			lclCancel()
			if err != nil {
				failed = true
				break
			}
		}
		assert.True(failed)
	}
}

func TestTaskDemuxProcessing(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetNewTaskDemuxProcessorInstance("testing", 4, 3, ctxt)
	assert.Nil(err)

	// recast to source
	uutc := uut.(*taskDemuxProcessorImpl)
	assert.Equal(0, uutc.routeIdx)

	// start the built in processes
	assert.Nil(uut.StartEventLoop(&wg))

	path1 := 0
	path2 := 0

	type testStruct1 struct{}
	type testStruct2 struct{}

	testWG := sync.WaitGroup{}
	assert.Nil(uut.AddToTaskExecutionMap(
		reflect.TypeOf(testStruct1{}), func(p interface{}) error {
			path1++
			testWG.Done()
			return nil
		},
	))
	assert.Nil(uut.AddToTaskExecutionMap(
		reflect.TypeOf(testStruct2{}), func(p interface{}) error {
			path2++
			testWG.Done()
			return nil
		},
	))

	// Case 1: trigger
	{
		testWG.Add(1)
		useContext, lclCancel := context.WithTimeout(context.Background(), time.Second)
		assert.Nil(uut.Submit(useContext, testStruct1{}))
		lclCancel()
		testWG.Wait()
		assert.Equal(1, path1)
	}

	// Case 2: trigger back to back
	{
		testWG.Add(2)
		useContext, lclCancel := context.WithTimeout(context.Background(), time.Second)
		assert.Nil(uut.Submit(useContext, testStruct1{}))
		lclCancel()
		useContext, lclCancel = context.WithTimeout(context.Background(), time.Second)
		assert.Nil(uut.Submit(useContext, testStruct2{}))
		lclCancel()
		testWG.Wait()
		assert.Equal(2, path1)
		assert.Equal(1, path2)
	}
}
