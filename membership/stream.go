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

package membership

import (
	"context"
	"fmt"
	"time"

	"github.com/alwitt/rostercast/common"
	"github.com/alwitt/rostercast/datasource"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// MembershipObserver callbacks of one membership stream subscriber.
//
// Callbacks are invoked on the cache event loop, so they must not block, and must not
// call Subscribe or Release. Any callback may be nil.
type MembershipObserver struct {
	// OnUpdate a new membership snapshot
	OnUpdate func(snapshot Membership)
	// OnError the stream failed. No further callbacks follow.
	OnError func(err error)
	// OnComplete the stream was released or the destination ended. No further
	// callbacks follow.
	OnComplete func()
}

func (o MembershipObserver) update(snapshot Membership) {
	if o.OnUpdate != nil {
		o.OnUpdate(snapshot)
	}
}

func (o MembershipObserver) fail(err error) {
	if o.OnError != nil {
		o.OnError(err)
	}
}

func (o MembershipObserver) complete() {
	if o.OnComplete != nil {
		o.OnComplete()
	}
}

// Subscription one attached MembershipObserver
type Subscription interface {
	// ID the subscription ID
	ID() string
	// Unsubscribe detach the observer from the stream
	Unsubscribe(ctxt context.Context) error
}

// MembershipStream shared, replay-latest stream of membership snapshots of one destination
type MembershipStream interface {
	// DestinationID the destination ID
	DestinationID() string
	// DestinationType the destination type
	DestinationType() DestinationType
	// Subscribe attach an observer.
	//
	// The observer first receives the latest snapshot, then every later snapshot in
	// the order the datasource reported them.
	Subscribe(ctxt context.Context, observer MembershipObserver) (Subscription, error)
}

// ==============================================================================

type streamState int

const (
	stateResolving streamState = iota
	stateLive
	stateFailed
	stateCompleted
)

func (s streamState) String() string {
	switch s {
	case stateResolving:
		return "resolving"
	case stateLive:
		return "live"
	case stateFailed:
		return "failed"
	case stateCompleted:
		return "completed"
	}
	return "unknown"
}

// destinationStream implements MembershipStream.
//
// Apart from the immutable ID and type, all fields are owned by the cache event loop.
type destinationStream struct {
	common.Component
	cache           *membershipCacheImpl
	destinationID   string
	destinationType DestinationType
	createdAt       time.Time

	state       streamState
	err         error
	latest      Membership
	updates     int
	lastUpdate  time.Time
	record      *datasource.DestinationRecord
	listener    datasource.RosterListener
	subscribers map[string]MembershipObserver
	linger      common.IntervalTimer
	lingerSeq   int
}

func (s *destinationStream) DestinationID() string {
	return s.destinationID
}

func (s *destinationStream) DestinationType() DestinationType {
	return s.destinationType
}

// Subscribe attach an observer to the stream
func (s *destinationStream) Subscribe(
	ctxt context.Context, observer MembershipObserver,
) (Subscription, error) {
	request := &subscribeRequest{
		stream:         s,
		subscriptionID: uuid.New().String(),
		observer:       observer,
		resultCB:       make(chan subscribeResult, 1),
	}
	if err := s.cache.submit(ctxt, request); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to submit subscribe request")
		return nil, err
	}
	select {
	case result := <-request.resultCB:
		return result.subscription, result.err
	case <-ctxt.Done():
		s.withdraw(request.subscriptionID)
		return nil, ctxt.Err()
	case <-s.cache.runtimeCtxt.Done():
		return nil, fmt.Errorf("membership cache stopped")
	}
}

// withdraw remove a subscriber whose Subscribe call gave up before the event loop
// answered. Tasks run in submission order, so this lands after the registration.
func (s *destinationStream) withdraw(subscriptionID string) {
	ctxt, cancel := context.WithTimeout(context.Background(), s.cache.params.DetachTimeout)
	defer cancel()
	request := &unsubscribeRequest{
		stream: s, subscriptionID: subscriptionID, resultCB: make(chan error, 1),
	}
	if err := s.cache.submit(ctxt, request); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf(
			"Unable to withdraw abandoned subscriber %s", subscriptionID,
		)
	}
}

// ==============================================================================

type streamSubscription struct {
	id     string
	stream *destinationStream
	// detached subscriptions belong to streams which already terminated
	detached bool
}

func (s *streamSubscription) ID() string {
	return s.id
}

// Unsubscribe detach the observer from the stream
func (s *streamSubscription) Unsubscribe(ctxt context.Context) error {
	if s.detached {
		return nil
	}
	request := &unsubscribeRequest{
		stream: s.stream, subscriptionID: s.id, resultCB: make(chan error, 1),
	}
	if err := s.stream.cache.submit(ctxt, request); err != nil {
		log.WithError(err).WithFields(s.stream.LogTags).Error("Unable to submit unsubscribe request")
		return err
	}
	select {
	case err := <-request.resultCB:
		return err
	case <-ctxt.Done():
		return ctxt.Err()
	case <-s.stream.cache.runtimeCtxt.Done():
		return fmt.Errorf("membership cache stopped")
	}
}

// ==============================================================================
// Event loop side

// subscriberCount number of active subscribers
func (s *destinationStream) subscriberCount() int {
	return len(s.subscribers)
}

// broadcast send the latest snapshot to every subscriber
func (s *destinationStream) broadcast() {
	for _, observer := range s.subscribers {
		observer.update(s.latest)
	}
}

// applyRoster replace the members with a new full roster
func (s *destinationStream) applyRoster(msg datasource.RosterMessage) {
	s.latest = Membership{
		DestinationID:   s.destinationID,
		DestinationType: s.destinationType,
		Members:         NormalizeRoster(msg.Full),
	}
	s.updates++
	s.lastUpdate = time.Now().UTC()
	log.WithFields(s.LogTags).Debugf(
		"Roster update %d: %d in meeting, %d not in meeting",
		s.updates, len(s.latest.Members.InMeeting), len(s.latest.Members.NotInMeeting),
	)
}

// stopLinger cancel a pending auto release
func (s *destinationStream) stopLinger() {
	s.lingerSeq++
	if s.linger != nil {
		if err := s.linger.Stop(); err != nil {
			log.WithError(err).WithFields(s.LogTags).Error("Failed to stop linger timer")
		}
		s.linger = nil
	}
}

// detachListener stop listening to the datasource
func (s *destinationStream) detachListener(ctxt context.Context) {
	if s.listener == nil {
		return
	}
	if err := s.listener.Detach(ctxt); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Failed to detach roster listener")
	}
	s.listener = nil
}

// DestinationStatus summary of one cached destination
type DestinationStatus struct {
	DestinationID   string          `json:"destinationID"`
	DestinationType DestinationType `json:"destinationType"`
	State           string          `json:"state"`
	Title           string          `json:"title,omitempty"`
	Subscribers     int             `json:"subscribers"`
	Updates         int             `json:"updates"`
	InMeeting       int             `json:"inMeeting"`
	NotInMeeting    int             `json:"notInMeeting"`
	CreatedAt       time.Time       `json:"created_at"`
	LastUpdate      *time.Time      `json:"last_update,omitempty"`
}

func (s *destinationStream) status() DestinationStatus {
	result := DestinationStatus{
		DestinationID:   s.destinationID,
		DestinationType: s.destinationType,
		State:           s.state.String(),
		Subscribers:     s.subscriberCount(),
		Updates:         s.updates,
		InMeeting:       len(s.latest.Members.InMeeting),
		NotInMeeting:    len(s.latest.Members.NotInMeeting),
		CreatedAt:       s.createdAt,
	}
	if s.record != nil {
		result.Title = s.record.Title
	}
	if s.updates > 0 {
		lastUpdate := s.lastUpdate
		result.LastUpdate = &lastUpdate
	}
	return result
}
