// Copyright 2022 The rostercast Authors
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

package datasource

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func boolPtr(v bool) *bool {
	return &v
}

// waitForMessage read the next roster message or fail on timeout
func waitForMessage(t *testing.T, rxChan chan RosterMessage, timeout time.Duration) RosterMessage {
	select {
	case msg := <-rxChan:
		return msg
	case <-time.After(timeout):
		assert.FailNow(t, "timed out waiting for roster message")
	}
	return RosterMessage{}
}

func TestMemoryDirectoryRegistry(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	uut := GetMemoryDirectory(ctxt, &wg)
	assert.Nil(uut.Connect(ctxt))

	// Case 0: unknown destination
	{
		_, err := uut.ResolveDestination(ctxt, uuid.New().String())
		assert.True(errors.Is(err, ErrDestinationNotFound))
	}

	// Case 1: invalid record
	{
		assert.NotNil(uut.RegisterDestination(ctxt, DestinationRecord{ID: "bad id", Type: "meeting"}))
		assert.NotNil(uut.RegisterDestination(ctxt, DestinationRecord{ID: "m1"}))
	}

	// Case 2: register and resolve
	destID := fmt.Sprintf("m-%s", uuid.New().String())
	{
		assert.Nil(uut.RegisterDestination(
			ctxt, DestinationRecord{ID: destID, Type: "meeting", Title: "standup"},
		))
		handle, err := uut.ResolveDestination(ctxt, destID)
		assert.Nil(err)
		assert.Equal(destID, handle.Record().ID)
		assert.Equal("standup", handle.Record().Title)
		assert.False(handle.Record().CreatedAt.IsZero())
		assert.Equal(1, uut.ResolveCount(destID))
	}

	// Case 3: duplicate register
	{
		err := uut.RegisterDestination(ctxt, DestinationRecord{ID: destID, Type: "meeting"})
		assert.True(errors.Is(err, ErrDestinationExists))
	}

	// Case 4: publish to unknown destination
	{
		err := uut.PublishRoster(ctxt, uuid.New().String(), map[string]RosterEntry{})
		assert.True(errors.Is(err, ErrDestinationNotFound))
	}

	// Case 5: roster naming one member twice
	{
		err := uut.PublishRoster(ctxt, destID, map[string]RosterEntry{
			"k1": {ID: "x"},
			"k2": {ID: "x"},
		})
		assert.True(errors.Is(err, ErrInvalidRoster))
		err = uut.PublishRoster(ctxt, destID, map[string]RosterEntry{
			"x":  {},
			"k2": {ID: "x"},
		})
		assert.True(errors.Is(err, ErrInvalidRoster))
		assert.Nil(uut.PublishRoster(ctxt, destID, map[string]RosterEntry{
			"x": {ID: "x"},
			"y": {},
		}))
	}

	// Case 6: unregister
	{
		assert.Nil(uut.UnregisterDestination(ctxt, destID))
		_, err := uut.ResolveDestination(ctxt, destID)
		assert.True(errors.Is(err, ErrDestinationNotFound))
		assert.True(errors.Is(uut.UnregisterDestination(ctxt, destID), ErrDestinationNotFound))
	}

	assert.Nil(uut.Disconnect(ctxt))
}

func TestMemoryDirectoryListen(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	uut := GetMemoryDirectory(ctxt, &wg)
	destID := "meeting-1"
	assert.Nil(uut.RegisterDestination(ctxt, DestinationRecord{ID: destID, Type: "meeting"}))
	handle, err := uut.ResolveDestination(ctxt, destID)
	assert.Nil(err)

	// Case 0: publish before any listener
	assert.Nil(uut.PublishRoster(ctxt, destID, map[string]RosterEntry{
		"a": {ID: "a", IsInMeeting: boolPtr(true)},
	}))

	// Case 1: a new listener receives the last roster first
	rx1 := make(chan RosterMessage, 10)
	listener1, err := handle.Members().Listen(ctxt, func(ctxt context.Context, msg RosterMessage) {
		rx1 <- msg
	})
	assert.Nil(err)
	assert.Equal(1, uut.ListenerCount(destID))
	{
		msg := waitForMessage(t, rx1, time.Second)
		assert.Equal(EventMembersUpdate, msg.Event)
		assert.Contains(msg.Full, "a")
	}

	// Case 2: later rosters are delivered in publish order
	{
		for itr := 0; itr < 5; itr++ {
			key := fmt.Sprintf("p%d", itr)
			assert.Nil(uut.PublishRoster(ctxt, destID, map[string]RosterEntry{key: {ID: key}}))
		}
		for itr := 0; itr < 5; itr++ {
			msg := waitForMessage(t, rx1, time.Second)
			assert.Contains(msg.Full, fmt.Sprintf("p%d", itr))
		}
	}

	// Case 3: second listener only sees the latest roster
	rx2 := make(chan RosterMessage, 10)
	listener2, err := handle.Members().Listen(ctxt, func(ctxt context.Context, msg RosterMessage) {
		rx2 <- msg
	})
	assert.Nil(err)
	{
		msg := waitForMessage(t, rx2, time.Second)
		assert.Contains(msg.Full, "p4")
		assert.Len(msg.Full, 1)
	}

	// Case 4: detached listener receives nothing more
	{
		assert.Nil(listener2.Detach(ctxt))
		assert.Equal(1, uut.ListenerCount(destID))
		assert.Nil(uut.PublishRoster(ctxt, destID, map[string]RosterEntry{}))
		msg := waitForMessage(t, rx1, time.Second)
		assert.Len(msg.Full, 0)
		time.Sleep(time.Millisecond * 50)
		assert.Len(rx2, 0)
	}

	// Case 5: unregister emits the ended event
	{
		assert.Nil(uut.UnregisterDestination(ctxt, destID))
		msg := waitForMessage(t, rx1, time.Second)
		assert.Equal(EventDestinationEnded, msg.Event)
		assert.Equal(destID, msg.DestinationID)
	}

	assert.Nil(listener1.Detach(ctxt))
}

func TestMemoryDirectoryResolveDelay(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	uut := GetMemoryDirectory(ctxt, &wg)
	assert.Nil(uut.RegisterDestination(ctxt, DestinationRecord{ID: "slow", Type: "meeting"}))
	uut.SetResolveDelay(time.Millisecond * 200)

	// Case 0: caller context expires first
	{
		useCtxt, cancel := context.WithTimeout(ctxt, time.Millisecond*20)
		defer cancel()
		_, err := uut.ResolveDestination(useCtxt, "slow")
		assert.NotNil(err)
	}

	// Case 1: resolution completes after the delay
	{
		start := time.Now()
		_, err := uut.ResolveDestination(ctxt, "slow")
		assert.Nil(err)
		assert.True(time.Since(start) >= time.Millisecond*200)
	}
}

func TestValidateDestinationID(t *testing.T) {
	assert := assert.New(t)

	assert.Nil(ValidateDestinationID("meeting_1-A"))
	assert.True(errors.Is(ValidateDestinationID(""), ErrInvalidDestinationID))
	assert.True(errors.Is(ValidateDestinationID("a.b"), ErrInvalidDestinationID))
	assert.True(errors.Is(ValidateDestinationID("a b"), ErrInvalidDestinationID))
	assert.True(errors.Is(ValidateDestinationID("a>"), ErrInvalidDestinationID))
}
