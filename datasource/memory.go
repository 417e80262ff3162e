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
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/rostercast/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// MemoryDirectory is an in-process Datasource.
//
// Each listener has its own delivery goroutine, so a slow listener never blocks a
// publisher or the other listeners of the destination.
type MemoryDirectory struct {
	common.Component
	rootCtxt     context.Context
	wg           *sync.WaitGroup
	validate     *validator.Validate
	lock         sync.Mutex
	destinations map[string]*memoryDestination
	resolveCount map[string]int
	resolveDelay time.Duration
}

type memoryDestination struct {
	record     DestinationRecord
	lastRoster *RosterMessage
	listeners  map[string]*memoryListener
}

// GetMemoryDirectory define a new in-process datasource
func GetMemoryDirectory(ctxt context.Context, wg *sync.WaitGroup) *MemoryDirectory {
	return &MemoryDirectory{
		Component: common.Component{LogTags: log.Fields{
			"module": "datasource", "component": "memory-directory",
		}},
		rootCtxt:     ctxt,
		wg:           wg,
		validate:     GetValidator(),
		destinations: make(map[string]*memoryDestination),
		resolveCount: make(map[string]int),
	}
}

// Connect no setup needed
func (d *MemoryDirectory) Connect(ctxt context.Context) error {
	log.WithFields(d.LogTags).Info("Memory directory ready")
	return nil
}

// Disconnect detach every listener
func (d *MemoryDirectory) Disconnect(ctxt context.Context) error {
	d.lock.Lock()
	listeners := []*memoryListener{}
	for _, dest := range d.destinations {
		for _, listener := range dest.listeners {
			listeners = append(listeners, listener)
		}
	}
	d.lock.Unlock()
	for _, listener := range listeners {
		if err := listener.Detach(ctxt); err != nil {
			log.WithError(err).WithFields(d.LogTags).Error("Listener detach failed")
		}
	}
	log.WithFields(d.LogTags).Infof("Detached %d listeners", len(listeners))
	return nil
}

// SetResolveDelay delay every subsequent ResolveDestination call
func (d *MemoryDirectory) SetResolveDelay(delay time.Duration) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.resolveDelay = delay
}

// ResolveCount number of ResolveDestination calls made for a destination ID
func (d *MemoryDirectory) ResolveCount(destinationID string) int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.resolveCount[destinationID]
}

// ListenerCount number of listeners currently attached to a destination
func (d *MemoryDirectory) ListenerCount(destinationID string) int {
	d.lock.Lock()
	defer d.lock.Unlock()
	if dest, ok := d.destinations[destinationID]; ok {
		return len(dest.listeners)
	}
	return 0
}

// RegisterDestination record a new destination
func (d *MemoryDirectory) RegisterDestination(ctxt context.Context, record DestinationRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	if err := d.validate.Struct(&record); err != nil {
		log.WithError(err).WithFields(d.LogTags).Error("Invalid destination record")
		return err
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	if _, ok := d.destinations[record.ID]; ok {
		return fmt.Errorf("%w: '%s'", ErrDestinationExists, record.ID)
	}
	d.destinations[record.ID] = &memoryDestination{
		record: record, listeners: make(map[string]*memoryListener),
	}
	log.WithFields(d.LogTags).Infof("Registered destination %s", record.ID)
	return nil
}

// UnregisterDestination notify listeners the destination ended, and forget it
func (d *MemoryDirectory) UnregisterDestination(ctxt context.Context, destinationID string) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	dest, ok := d.destinations[destinationID]
	if !ok {
		return fmt.Errorf("%w: '%s'", ErrDestinationNotFound, destinationID)
	}
	msg := RosterMessage{
		Event: EventDestinationEnded, DestinationID: destinationID, SentAt: time.Now().UTC(),
	}
	for _, listener := range dest.listeners {
		listener.enqueue(msg)
	}
	delete(d.destinations, destinationID)
	log.WithFields(d.LogTags).Infof("Unregistered destination %s", destinationID)
	return nil
}

// PublishRoster publish a full roster snapshot for a destination
func (d *MemoryDirectory) PublishRoster(
	ctxt context.Context, destinationID string, full map[string]RosterEntry,
) error {
	if err := validateRoster(full); err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Invalid roster for %s", destinationID)
		return err
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	dest, ok := d.destinations[destinationID]
	if !ok {
		return fmt.Errorf("%w: '%s'", ErrDestinationNotFound, destinationID)
	}
	roster := make(map[string]RosterEntry, len(full))
	for key, entry := range full {
		roster[key] = entry
	}
	msg := RosterMessage{
		Event:         EventMembersUpdate,
		DestinationID: destinationID,
		Full:          roster,
		SentAt:        time.Now().UTC(),
	}
	dest.lastRoster = &msg
	for _, listener := range dest.listeners {
		listener.enqueue(msg)
	}
	log.WithFields(d.LogTags).Debugf("Published %s", msg)
	return nil
}

// ResolveDestination fetch a destination by ID
func (d *MemoryDirectory) ResolveDestination(
	ctxt context.Context, destinationID string,
) (DestinationHandle, error) {
	d.lock.Lock()
	d.resolveCount[destinationID]++
	delay := d.resolveDelay
	d.lock.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctxt.Done():
			return nil, ctxt.Err()
		}
	}

	d.lock.Lock()
	defer d.lock.Unlock()
	dest, ok := d.destinations[destinationID]
	if !ok {
		return nil, fmt.Errorf("%w: '%s'", ErrDestinationNotFound, destinationID)
	}
	return &memoryHandle{directory: d, record: dest.record}, nil
}

// ==============================================================================

type memoryHandle struct {
	directory *MemoryDirectory
	record    DestinationRecord
}

func (h *memoryHandle) Record() DestinationRecord {
	return h.record
}

func (h *memoryHandle) Members() MemberEventSource {
	return h
}

// Listen attach a listener to the destination roster feed
func (h *memoryHandle) Listen(ctxt context.Context, handler RosterHandler) (RosterListener, error) {
	d := h.directory
	d.lock.Lock()
	defer d.lock.Unlock()
	dest, ok := d.destinations[h.record.ID]
	if !ok {
		return nil, fmt.Errorf("%w: '%s'", ErrDestinationNotFound, h.record.ID)
	}
	listenerID := uuid.New().String()
	runCtxt, cancel := context.WithCancel(d.rootCtxt)
	listener := &memoryListener{
		Component: common.Component{LogTags: d.CopyLogTags(log.Fields{
			"destination": h.record.ID, "listener": listenerID,
		})},
		id:          listenerID,
		directory:   d,
		destination: h.record.ID,
		handler:     handler,
		signal:      make(chan struct{}, 1),
		runCtxt:     runCtxt,
		cancel:      cancel,
	}
	if dest.lastRoster != nil {
		listener.enqueue(*dest.lastRoster)
	}
	dest.listeners[listenerID] = listener
	d.wg.Add(1)
	go listener.run(d.wg)
	log.WithFields(listener.LogTags).Debug("Listener attached")
	return listener, nil
}

// ==============================================================================

type memoryListener struct {
	common.Component
	id          string
	directory   *MemoryDirectory
	destination string
	handler     RosterHandler
	queueLock   sync.Mutex
	pending     []RosterMessage
	signal      chan struct{}
	runCtxt     context.Context
	cancel      context.CancelFunc
}

func (l *memoryListener) enqueue(msg RosterMessage) {
	l.queueLock.Lock()
	l.pending = append(l.pending, msg)
	l.queueLock.Unlock()
	select {
	case l.signal <- struct{}{}:
	default:
	}
}

func (l *memoryListener) run(wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-l.runCtxt.Done():
			return
		case <-l.signal:
		}
		for {
			l.queueLock.Lock()
			if len(l.pending) == 0 {
				l.queueLock.Unlock()
				break
			}
			msg := l.pending[0]
			l.pending = l.pending[1:]
			l.queueLock.Unlock()
			if l.runCtxt.Err() != nil {
				return
			}
			l.handler(l.runCtxt, msg)
		}
	}
}

// Detach stop delivering roster messages to the listener
func (l *memoryListener) Detach(ctxt context.Context) error {
	l.directory.lock.Lock()
	if dest, ok := l.directory.destinations[l.destination]; ok {
		delete(dest.listeners, l.id)
	}
	l.directory.lock.Unlock()
	l.cancel()
	log.WithFields(l.LogTags).Debug("Listener detached")
	return nil
}
