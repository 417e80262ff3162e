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
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/alwitt/rostercast/common"
	"github.com/alwitt/rostercast/datasource"
	"github.com/alwitt/rostercast/metrics"
	"github.com/apex/log"
)

var (
	// ErrEmptyDestinationID no destination ID given
	ErrEmptyDestinationID = errors.New("destination ID is empty")
	// ErrDestinationNotCached the destination is not held by the cache
	ErrDestinationNotCached = errors.New("destination not cached")
)

// CacheParams membership cache parameters
type CacheParams struct {
	// EventBuffer depth of the event loop queue
	EventBuffer int
	// AutoRelease release a destination once its last subscriber leaves
	AutoRelease bool
	// ReleaseLinger wait this long after the last subscriber leaves before releasing
	ReleaseLinger time.Duration
	// DetachTimeout max duration of detaching one datasource listener
	DetachTimeout time.Duration
}

// MembershipCache the destination membership cache
type MembershipCache interface {
	// GetMembersFromDestination fetch the shared membership stream of a destination.
	//
	// Repeated calls for a cached destination return the same stream. Resolution
	// failures are reported to the stream's subscribers, never by this call.
	GetMembersFromDestination(
		destinationID string, destinationType DestinationType,
	) (MembershipStream, error)
	// Release stop tracking a destination. Subscribers are completed.
	Release(ctxt context.Context, destinationID string) error
	// ListDestinations summary of every cached destination
	ListDestinations(ctxt context.Context) ([]DestinationStatus, error)
}

// membershipCacheImpl implements MembershipCache
type membershipCacheImpl struct {
	common.Component
	resolver    datasource.DestinationResolver
	params      CacheParams
	metrics     metrics.CacheMetrics
	tp          common.TaskProcessor
	runtimeCtxt context.Context
	wg          *sync.WaitGroup
	indexLock   sync.Mutex
	index       map[string]*destinationStream
}

// GetDestinationMembershipCache define a new membership cache, and start its event loop.
//
// The event loop stops when ctxt is cancelled.
func GetDestinationMembershipCache(
	ctxt context.Context,
	wg *sync.WaitGroup,
	resolver datasource.DestinationResolver,
	params CacheParams,
	cacheMetrics metrics.CacheMetrics,
) (MembershipCache, error) {
	logTags := log.Fields{"module": "membership", "component": "cache"}
	if cacheMetrics == nil {
		return nil, fmt.Errorf("cache metrics not defined")
	}
	if params.ReleaseLinger < 0 {
		return nil, fmt.Errorf("release linger can not be negative")
	}
	if params.DetachTimeout <= 0 {
		params.DetachTimeout = time.Second * 5
	}
	tp, err := common.GetNewTaskProcessorInstance(ctxt, "membership-cache", params.EventBuffer)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define task processor")
		return nil, err
	}
	instance := &membershipCacheImpl{
		Component:   common.Component{LogTags: logTags},
		resolver:    resolver,
		params:      params,
		metrics:     cacheMetrics,
		tp:          tp,
		runtimeCtxt: ctxt,
		wg:          wg,
		index:       make(map[string]*destinationStream),
	}
	handlers := map[reflect.Type]common.TaskHandler{
		reflect.TypeOf(&subscribeRequest{}):   instance.processSubscribe,
		reflect.TypeOf(&unsubscribeRequest{}): instance.processUnsubscribe,
		reflect.TypeOf(&attachResult{}):       instance.processAttach,
		reflect.TypeOf(rosterEvent{}):         instance.processRoster,
		reflect.TypeOf(lingerExpired{}):       instance.processLingerExpired,
		reflect.TypeOf(&releaseRequest{}):     instance.processRelease,
		reflect.TypeOf(&listRequest{}):        instance.processList,
	}
	for taskType, handler := range handlers {
		if err := tp.AddToTaskExecutionMap(taskType, handler); err != nil {
			return nil, err
		}
	}
	if err := tp.StartEventLoop(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start event loop")
		return nil, err
	}
	return instance, nil
}

func (c *membershipCacheImpl) submit(ctxt context.Context, task interface{}) error {
	return c.tp.Submit(ctxt, task)
}

// GetMembersFromDestination fetch the shared membership stream of a destination
func (c *membershipCacheImpl) GetMembersFromDestination(
	destinationID string, destinationType DestinationType,
) (MembershipStream, error) {
	if destinationID == "" {
		return nil, ErrEmptyDestinationID
	}
	c.indexLock.Lock()
	defer c.indexLock.Unlock()
	if stream, ok := c.index[destinationID]; ok {
		return stream, nil
	}
	stream := &destinationStream{
		Component:       common.Component{LogTags: c.CopyLogTags(log.Fields{"destination": destinationID})},
		cache:           c,
		destinationID:   destinationID,
		destinationType: destinationType,
		createdAt:       time.Now().UTC(),
		state:           stateResolving,
		latest:          emptyMembership(destinationID, destinationType),
		subscribers:     make(map[string]MembershipObserver),
	}
	c.index[destinationID] = stream
	c.metrics.DestinationCached()
	log.WithFields(stream.LogTags).Info("Caching new destination")
	c.wg.Add(1)
	go c.resolve(stream)
	return stream, nil
}

// resolve look up the destination and attach to its roster feed, then report the
// outcome to the event loop
func (c *membershipCacheImpl) resolve(stream *destinationStream) {
	defer c.wg.Done()
	result := &attachResult{stream: stream}
	handle, err := c.resolver.ResolveDestination(c.runtimeCtxt, stream.destinationID)
	if err == nil {
		result.record = handle.Record()
		result.listener, err = handle.Members().Listen(
			c.runtimeCtxt, func(ctxt context.Context, msg datasource.RosterMessage) {
				if err := c.submit(c.runtimeCtxt, rosterEvent{stream: stream, msg: msg}); err != nil {
					log.WithError(err).WithFields(stream.LogTags).Errorf("Dropped %s", msg)
				}
			},
		)
	}
	result.err = err
	if err := c.submit(c.runtimeCtxt, result); err != nil {
		log.WithError(err).WithFields(stream.LogTags).Error("Unable to report resolution")
		if result.listener != nil {
			detachCtxt, cancel := context.WithTimeout(context.Background(), c.params.DetachTimeout)
			defer cancel()
			if err := result.listener.Detach(detachCtxt); err != nil {
				log.WithError(err).WithFields(stream.LogTags).Error("Failed to detach roster listener")
			}
		}
	}
}

// Release stop tracking a destination
func (c *membershipCacheImpl) Release(ctxt context.Context, destinationID string) error {
	c.indexLock.Lock()
	stream, ok := c.index[destinationID]
	c.indexLock.Unlock()
	if !ok {
		return fmt.Errorf("%w: '%s'", ErrDestinationNotCached, destinationID)
	}
	request := &releaseRequest{stream: stream, resultCB: make(chan error, 1)}
	if err := c.submit(ctxt, request); err != nil {
		log.WithError(err).WithFields(stream.LogTags).Error("Unable to submit release request")
		return err
	}
	select {
	case err := <-request.resultCB:
		return err
	case <-ctxt.Done():
		return ctxt.Err()
	case <-c.runtimeCtxt.Done():
		return fmt.Errorf("membership cache stopped")
	}
}

// ListDestinations summary of every cached destination, ordered by destination ID
func (c *membershipCacheImpl) ListDestinations(ctxt context.Context) ([]DestinationStatus, error) {
	request := &listRequest{resultCB: make(chan []DestinationStatus, 1)}
	if err := c.submit(ctxt, request); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Unable to submit list request")
		return nil, err
	}
	select {
	case result := <-request.resultCB:
		return result, nil
	case <-ctxt.Done():
		return nil, ctxt.Err()
	case <-c.runtimeCtxt.Done():
		return nil, fmt.Errorf("membership cache stopped")
	}
}

// ==============================================================================
// Event loop tasks

type subscribeResult struct {
	subscription Subscription
	err          error
}

type subscribeRequest struct {
	stream         *destinationStream
	subscriptionID string
	observer       MembershipObserver
	resultCB       chan subscribeResult
}

type unsubscribeRequest struct {
	stream         *destinationStream
	subscriptionID string
	resultCB       chan error
}

type attachResult struct {
	stream   *destinationStream
	record   datasource.DestinationRecord
	listener datasource.RosterListener
	err      error
}

type rosterEvent struct {
	stream *destinationStream
	msg    datasource.RosterMessage
}

type lingerExpired struct {
	stream *destinationStream
	seq    int
}

type releaseRequest struct {
	stream   *destinationStream
	resultCB chan error
}

type listRequest struct {
	resultCB chan []DestinationStatus
}

// ==============================================================================
// Event loop handlers

func (c *membershipCacheImpl) processSubscribe(param interface{}) error {
	request, ok := param.(*subscribeRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s", reflect.TypeOf(param))
	}
	stream := request.stream
	subscription := &streamSubscription{id: request.subscriptionID, stream: stream}
	switch stream.state {
	case stateFailed:
		subscription.detached = true
		request.observer.fail(stream.err)
	case stateCompleted:
		subscription.detached = true
		request.observer.update(stream.latest)
		request.observer.complete()
	default:
		stream.stopLinger()
		stream.subscribers[subscription.id] = request.observer
		c.metrics.SubscribersChanged(1)
		// Snapshots are only emitted once the destination resolved
		if stream.state == stateLive {
			request.observer.update(stream.latest)
		}
		log.WithFields(stream.LogTags).Debugf(
			"Added subscriber %s (%d total)", subscription.id, stream.subscriberCount(),
		)
	}
	request.resultCB <- subscribeResult{subscription: subscription}
	return nil
}

func (c *membershipCacheImpl) processUnsubscribe(param interface{}) error {
	request, ok := param.(*unsubscribeRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s", reflect.TypeOf(param))
	}
	stream := request.stream
	if _, ok := stream.subscribers[request.subscriptionID]; !ok {
		request.resultCB <- nil
		return nil
	}
	delete(stream.subscribers, request.subscriptionID)
	c.metrics.SubscribersChanged(-1)
	log.WithFields(stream.LogTags).Debugf(
		"Removed subscriber %s (%d remain)", request.subscriptionID, stream.subscriberCount(),
	)
	var err error
	if stream.subscriberCount() == 0 && c.params.AutoRelease {
		if c.params.ReleaseLinger == 0 {
			c.finish(stream, metrics.RemovalIdle)
		} else {
			err = c.startLinger(stream)
		}
	}
	request.resultCB <- err
	return err
}

// startLinger schedule an auto release of an idle stream
func (c *membershipCacheImpl) startLinger(stream *destinationStream) error {
	stream.stopLinger()
	timer, err := common.GetIntervalTimerInstance(
		c.runtimeCtxt, c.wg, fmt.Sprintf("linger-%s", stream.destinationID),
	)
	if err != nil {
		return err
	}
	task := lingerExpired{stream: stream, seq: stream.lingerSeq}
	if err := timer.Start(c.params.ReleaseLinger, func() error {
		return c.submit(c.runtimeCtxt, task)
	}, true); err != nil {
		log.WithError(err).WithFields(stream.LogTags).Error("Unable to start linger timer")
		return err
	}
	stream.linger = timer
	log.WithFields(stream.LogTags).Debugf("Releasing in %s unless a subscriber arrives", c.params.ReleaseLinger)
	return nil
}

func (c *membershipCacheImpl) processLingerExpired(param interface{}) error {
	task, ok := param.(lingerExpired)
	if !ok {
		return fmt.Errorf("can not process unknown type %s", reflect.TypeOf(param))
	}
	stream := task.stream
	if task.seq != stream.lingerSeq || stream.subscriberCount() > 0 {
		return nil
	}
	if stream.state == stateResolving || stream.state == stateLive {
		c.finish(stream, metrics.RemovalIdle)
	}
	return nil
}

func (c *membershipCacheImpl) processAttach(param interface{}) error {
	result, ok := param.(*attachResult)
	if !ok {
		return fmt.Errorf("can not process unknown type %s", reflect.TypeOf(param))
	}
	stream := result.stream
	if stream.state != stateResolving {
		// Released while resolving
		if result.listener != nil {
			stream.listener = result.listener
			c.detachListener(stream)
		}
		return nil
	}
	if result.err != nil {
		c.fail(stream, result.err)
		return nil
	}
	record := result.record
	stream.record = &record
	stream.listener = result.listener
	stream.state = stateLive
	log.WithFields(stream.LogTags).Info("Destination resolved")
	stream.broadcast()
	return nil
}

func (c *membershipCacheImpl) processRoster(param interface{}) error {
	event, ok := param.(rosterEvent)
	if !ok {
		return fmt.Errorf("can not process unknown type %s", reflect.TypeOf(param))
	}
	stream := event.stream
	if stream.state != stateResolving && stream.state != stateLive {
		return nil
	}
	switch event.msg.Event {
	case datasource.EventDestinationEnded:
		log.WithFields(stream.LogTags).Info("Destination ended")
		c.finish(stream, metrics.RemovalEnded)
	case datasource.EventMembersUpdate:
		stream.applyRoster(event.msg)
		c.metrics.RosterUpdated()
		if stream.state == stateLive {
			stream.broadcast()
		}
	default:
		log.WithFields(stream.LogTags).Errorf("Ignoring unknown roster event '%s'", event.msg.Event)
	}
	return nil
}

func (c *membershipCacheImpl) processRelease(param interface{}) error {
	request, ok := param.(*releaseRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s", reflect.TypeOf(param))
	}
	stream := request.stream
	if stream.state != stateResolving && stream.state != stateLive {
		request.resultCB <- fmt.Errorf("%w: '%s'", ErrDestinationNotCached, stream.destinationID)
		return nil
	}
	c.finish(stream, metrics.RemovalExplicit)
	request.resultCB <- nil
	return nil
}

func (c *membershipCacheImpl) processList(param interface{}) error {
	request, ok := param.(*listRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s", reflect.TypeOf(param))
	}
	c.indexLock.Lock()
	streams := make([]*destinationStream, 0, len(c.index))
	for _, stream := range c.index {
		streams = append(streams, stream)
	}
	c.indexLock.Unlock()
	result := make([]DestinationStatus, 0, len(streams))
	for _, stream := range streams {
		result = append(result, stream.status())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].DestinationID < result[j].DestinationID
	})
	request.resultCB <- result
	return nil
}

// ==============================================================================

// detachListener stop listening to the datasource for the stream
func (c *membershipCacheImpl) detachListener(stream *destinationStream) {
	ctxt, cancel := context.WithTimeout(context.Background(), c.params.DetachTimeout)
	defer cancel()
	stream.detachListener(ctxt)
}

// evict remove the stream from the index, if it is still the cached instance
func (c *membershipCacheImpl) evict(stream *destinationStream) {
	c.indexLock.Lock()
	defer c.indexLock.Unlock()
	if current, ok := c.index[stream.destinationID]; ok && current == stream {
		delete(c.index, stream.destinationID)
	}
}

// finish complete the stream: stop listening, evict, and complete every subscriber
func (c *membershipCacheImpl) finish(stream *destinationStream, reason metrics.RemovalReason) {
	stream.stopLinger()
	c.detachListener(stream)
	stream.state = stateCompleted
	c.evict(stream)
	subscribers := stream.subscribers
	stream.subscribers = make(map[string]MembershipObserver)
	c.metrics.SubscribersChanged(-len(subscribers))
	c.metrics.DestinationRemoved(reason)
	for _, observer := range subscribers {
		observer.complete()
	}
	log.WithFields(stream.LogTags).Infof(
		"Released destination (%s), completed %d subscribers", reason, len(subscribers),
	)
}

// fail terminate the stream with an error
func (c *membershipCacheImpl) fail(stream *destinationStream, err error) {
	log.WithError(err).WithFields(stream.LogTags).Error("Destination resolution failed")
	stream.stopLinger()
	stream.state = stateFailed
	stream.err = err
	c.evict(stream)
	subscribers := stream.subscribers
	stream.subscribers = make(map[string]MembershipObserver)
	c.metrics.SubscribersChanged(-len(subscribers))
	c.metrics.ResolutionFailed()
	c.metrics.DestinationRemoved(metrics.RemovalFailed)
	for _, observer := range subscribers {
		observer.fail(err)
	}
}
