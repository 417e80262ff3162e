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
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/rostercast/common"
	"github.com/alwitt/rostercast/core"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// NATSDatasourceParams parameters of the NATS JetStream datasource
type NATSDatasourceParams struct {
	// DestinationBucket JetStream KV bucket holding the destination records
	DestinationBucket string `validate:"required"`
	// RosterStream JetStream stream holding the last roster of each destination
	RosterStream string `validate:"required,alphanum"`
	// SubjectPrefix roster of destination X is published on "<SubjectPrefix>.X"
	SubjectPrefix string `validate:"required"`
	// OperationTimeout max duration of one JetStream operation
	OperationTimeout time.Duration `validate:"required"`
}

// natsDatasourceImpl implements Datasource on top of NATS JetStream
type natsDatasourceImpl struct {
	common.Component
	client    *core.NatsClient
	params    NATSDatasourceParams
	validate  *validator.Validate
	rootCtxt  context.Context
	wg        *sync.WaitGroup
	lock      sync.Mutex
	kv        nats.KeyValue
	listeners map[string]*natsListener
}

// GetNATSDatasource define a new NATS JetStream backed Datasource
func GetNATSDatasource(
	ctxt context.Context,
	wg *sync.WaitGroup,
	client *core.NatsClient,
	params NATSDatasourceParams,
) (Datasource, error) {
	logTags := log.Fields{
		"module": "datasource", "component": "nats", "instance": params.RosterStream,
	}
	validate := GetValidator()
	if err := validate.Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid NATS datasource parameters")
		return nil, err
	}
	return &natsDatasourceImpl{
		Component: common.Component{LogTags: logTags},
		client:    client,
		params:    params,
		validate:  validate,
		rootCtxt:  ctxt,
		wg:        wg,
		listeners: make(map[string]*natsListener),
	}, nil
}

func (d *natsDatasourceImpl) subject(destinationID string) string {
	return fmt.Sprintf("%s.%s", d.params.SubjectPrefix, destinationID)
}

// Connect ensure the destination KV bucket and the roster stream exist
func (d *natsDatasourceImpl) Connect(ctxt context.Context) error {
	js := d.client.JetStream()
	useCtxt, cancel := context.WithTimeout(ctxt, d.params.OperationTimeout)
	defer cancel()

	kv, err := js.KeyValue(d.params.DestinationBucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      d.params.DestinationBucket,
			Description: "rostercast destination records",
			History:     1,
		})
		if err == nil {
			log.WithFields(d.LogTags).Infof("Created KV bucket %s", d.params.DestinationBucket)
		}
	}
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf(
			"Unable to open KV bucket %s", d.params.DestinationBucket,
		)
		return err
	}

	_, err = js.StreamInfo(d.params.RosterStream, nats.Context(useCtxt))
	if errors.Is(err, nats.ErrStreamNotFound) {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:              d.params.RosterStream,
			Description:       "rostercast destination rosters",
			Subjects:          []string{fmt.Sprintf("%s.>", d.params.SubjectPrefix)},
			MaxMsgsPerSubject: 1,
		}, nats.Context(useCtxt))
		if err == nil {
			log.WithFields(d.LogTags).Infof("Created stream %s", d.params.RosterStream)
		}
	}
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf(
			"Unable to prepare stream %s", d.params.RosterStream,
		)
		return err
	}

	d.lock.Lock()
	d.kv = kv
	d.lock.Unlock()
	log.WithFields(d.LogTags).Info("NATS datasource connected")
	return nil
}

// Disconnect detach every listener
func (d *natsDatasourceImpl) Disconnect(ctxt context.Context) error {
	d.lock.Lock()
	listeners := make([]*natsListener, 0, len(d.listeners))
	for _, listener := range d.listeners {
		listeners = append(listeners, listener)
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

func (d *natsDatasourceImpl) bucket() (nats.KeyValue, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.kv == nil {
		return nil, fmt.Errorf("NATS datasource not connected")
	}
	return d.kv, nil
}

// readRecord fetch a destination record from the KV bucket
func (d *natsDatasourceImpl) readRecord(destinationID string) (DestinationRecord, error) {
	var record DestinationRecord
	if err := ValidateDestinationID(destinationID); err != nil {
		return record, err
	}
	kv, err := d.bucket()
	if err != nil {
		return record, err
	}
	entry, err := kv.Get(destinationID)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return record, fmt.Errorf("%w: '%s'", ErrDestinationNotFound, destinationID)
		}
		log.WithError(err).WithFields(d.LogTags).Errorf("KV read of %s failed", destinationID)
		return record, err
	}
	if err := json.Unmarshal(entry.Value(), &record); err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Corrupt record for %s", destinationID)
		return record, err
	}
	return record, nil
}

// publish send a roster message and wait for the stream to ACK it
func (d *natsDatasourceImpl) publish(ctxt context.Context, msg RosterMessage) error {
	payload, err := json.Marshal(&msg)
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Unable to encode %s", msg)
		return err
	}
	subject := d.subject(msg.DestinationID)
	ack, err := d.client.JetStream().PublishAsync(subject, payload)
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Unable to send %s", msg)
		return err
	}
	useCtxt, cancel := context.WithTimeout(ctxt, d.params.OperationTimeout)
	defer cancel()
	select {
	case goodSig, ok := <-ack.Ok():
		if !ok {
			err := fmt.Errorf("reading nats.PubAckFuture OK channel failure")
			log.WithError(err).WithFields(d.LogTags).Errorf("Send %s failed", msg)
			return err
		}
		log.WithFields(d.LogTags).Debugf(
			"Sent [%d] %s to %s/%s", goodSig.Sequence, msg, goodSig.Stream, subject,
		)
		return nil
	case txErr, ok := <-ack.Err():
		if !ok {
			err := fmt.Errorf("reading nats.PubAckFuture error channel failure")
			log.WithError(err).WithFields(d.LogTags).Errorf("Send %s failed", msg)
			return err
		}
		log.WithError(txErr).WithFields(d.LogTags).Errorf("Send %s failed", msg)
		return txErr
	case <-useCtxt.Done():
		err := useCtxt.Err()
		log.WithError(err).WithFields(d.LogTags).Errorf("Send %s timed out", msg)
		return err
	}
}

// RegisterDestination record a new destination
func (d *natsDatasourceImpl) RegisterDestination(
	ctxt context.Context, record DestinationRecord,
) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	if err := d.validate.Struct(&record); err != nil {
		log.WithError(err).WithFields(d.LogTags).Error("Invalid destination record")
		return err
	}
	if _, err := d.readRecord(record.ID); err == nil {
		return fmt.Errorf("%w: '%s'", ErrDestinationExists, record.ID)
	} else if !errors.Is(err, ErrDestinationNotFound) {
		return err
	}
	kv, err := d.bucket()
	if err != nil {
		return err
	}
	payload, err := json.Marshal(&record)
	if err != nil {
		return err
	}
	if _, err := kv.Create(record.ID, payload); err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Unable to record %s", record.ID)
		return err
	}
	log.WithFields(d.LogTags).Infof("Registered destination %s", record.ID)
	return nil
}

// UnregisterDestination publish the ended event, then delete the record
func (d *natsDatasourceImpl) UnregisterDestination(ctxt context.Context, destinationID string) error {
	if _, err := d.readRecord(destinationID); err != nil {
		return err
	}
	if err := d.publish(ctxt, RosterMessage{
		Event: EventDestinationEnded, DestinationID: destinationID, SentAt: time.Now().UTC(),
	}); err != nil {
		return err
	}
	kv, err := d.bucket()
	if err != nil {
		return err
	}
	if err := kv.Delete(destinationID); err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Unable to delete %s", destinationID)
		return err
	}
	log.WithFields(d.LogTags).Infof("Unregistered destination %s", destinationID)
	return nil
}

// PublishRoster publish a full roster snapshot for a destination
func (d *natsDatasourceImpl) PublishRoster(
	ctxt context.Context, destinationID string, full map[string]RosterEntry,
) error {
	if err := validateRoster(full); err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Invalid roster for %s", destinationID)
		return err
	}
	if _, err := d.readRecord(destinationID); err != nil {
		return err
	}
	return d.publish(ctxt, RosterMessage{
		Event:         EventMembersUpdate,
		DestinationID: destinationID,
		Full:          full,
		SentAt:        time.Now().UTC(),
	})
}

// ResolveDestination fetch a destination by ID
func (d *natsDatasourceImpl) ResolveDestination(
	ctxt context.Context, destinationID string,
) (DestinationHandle, error) {
	record, err := d.readRecord(destinationID)
	if err != nil {
		return nil, err
	}
	return &natsHandle{datasource: d, record: record}, nil
}

// ==============================================================================

type natsHandle struct {
	datasource *natsDatasourceImpl
	record     DestinationRecord
}

func (h *natsHandle) Record() DestinationRecord {
	return h.record
}

func (h *natsHandle) Members() MemberEventSource {
	return h
}

// Listen attach an ephemeral consumer to the destination's roster subject.
//
// The consumer starts from the last message on the subject. Messages sent before
// the destination was registered belong to an earlier registration and are skipped.
func (h *natsHandle) Listen(ctxt context.Context, handler RosterHandler) (RosterListener, error) {
	d := h.datasource
	subject := d.subject(h.record.ID)
	sub, err := d.client.JetStream().SubscribeSync(
		subject, nats.DeliverLastPerSubject(), nats.AckNone(),
	)
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Unable to subscribe to %s", subject)
		return nil, err
	}
	listenerID := uuid.New().String()
	runCtxt, cancel := context.WithCancel(d.rootCtxt)
	listener := &natsListener{
		Component: common.Component{LogTags: d.CopyLogTags(log.Fields{
			"destination": h.record.ID, "listener": listenerID,
		})},
		id:         listenerID,
		datasource: d,
		record:     h.record,
		sub:        sub,
		handler:    handler,
		runCtxt:    runCtxt,
		cancel:     cancel,
	}
	d.lock.Lock()
	d.listeners[listenerID] = listener
	d.lock.Unlock()
	d.wg.Add(1)
	go listener.readLoop(d.wg)
	return listener, nil
}

// ==============================================================================

type natsListener struct {
	common.Component
	id         string
	datasource *natsDatasourceImpl
	record     DestinationRecord
	sub        *nats.Subscription
	handler    RosterHandler
	runCtxt    context.Context
	cancel     context.CancelFunc
}

func (l *natsListener) readLoop(wg *sync.WaitGroup) {
	defer wg.Done()
	log.WithFields(l.LogTags).Debug("Starting roster read loop")
	defer log.WithFields(l.LogTags).Debug("Stopping roster read loop")
	defer func() {
		if err := l.sub.Unsubscribe(); err != nil {
			log.WithError(err).WithFields(l.LogTags).Error("Unsubscribe failed")
		}
	}()
	for {
		newMsg, err := l.sub.NextMsgWithContext(l.runCtxt)
		if err != nil {
			if l.runCtxt.Err() == nil {
				log.WithError(err).WithFields(l.LogTags).Error("Read failure")
			}
			return
		}
		var msg RosterMessage
		if err := json.Unmarshal(newMsg.Data, &msg); err != nil {
			log.WithError(err).WithFields(l.LogTags).Errorf(
				"Skipping undecodable message on %s", newMsg.Subject,
			)
			continue
		}
		if err := l.datasource.validate.Struct(&msg); err != nil {
			log.WithError(err).WithFields(l.LogTags).Errorf(
				"Skipping invalid message on %s", newMsg.Subject,
			)
			continue
		}
		if msg.SentAt.Before(l.record.CreatedAt) {
			log.WithFields(l.LogTags).Debugf("Skipping stale %s", msg)
			continue
		}
		l.handler(l.runCtxt, msg)
	}
}

// Detach stop the read loop, which removes the ephemeral consumer
func (l *natsListener) Detach(ctxt context.Context) error {
	l.datasource.lock.Lock()
	delete(l.datasource.listeners, l.id)
	l.datasource.lock.Unlock()
	l.cancel()
	log.WithFields(l.LogTags).Debug("Listener detached")
	return nil
}
