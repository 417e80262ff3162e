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

// Package datasource defines the external roster source consumed by the membership
// cache, along with an in-process and a NATS JetStream backed implementation.
package datasource

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrDestinationNotFound the destination is not known to the datasource
	ErrDestinationNotFound = errors.New("destination not found")
	// ErrInvalidDestinationID the destination ID can not be used by the datasource
	ErrInvalidDestinationID = errors.New("invalid destination ID")
	// ErrDestinationExists the destination is already registered
	ErrDestinationExists = errors.New("destination already registered")
	// ErrInvalidRoster the roster contains unusable entries
	ErrInvalidRoster = errors.New("invalid roster")
)

// RosterEvent is the type of a roster message
type RosterEvent string

const (
	// EventMembersUpdate a full roster snapshot of the destination
	EventMembersUpdate RosterEvent = "members:update"
	// EventDestinationEnded the destination is gone, no more roster updates will follow
	EventDestinationEnded RosterEvent = "destination:ended"
)

// DestinationRecord is what the datasource knows about one destination
type DestinationRecord struct {
	// ID is the destination ID
	ID string `json:"id" validate:"required,destination_id"`
	// Type is the destination type
	Type string `json:"type" validate:"required"`
	// Title is an optional display title
	Title string `json:"title,omitempty"`
	// CreatedAt is when the destination was registered
	CreatedAt time.Time `json:"created_at"`
}

// RosterEntry is one member entry of a roster snapshot as reported by the datasource.
//
// The flags are optional; an absent flag is treated as false.
type RosterEntry struct {
	ID               string `json:"id"`
	Email            string `json:"email,omitempty"`
	Name             string `json:"name,omitempty"`
	IsAudioMuted     *bool  `json:"isAudioMuted,omitempty"`
	IsVideoMuted     *bool  `json:"isVideoMuted,omitempty"`
	IsSelf           *bool  `json:"isSelf,omitempty"`
	IsHost           *bool  `json:"isHost,omitempty"`
	IsInMeeting      *bool  `json:"isInMeeting,omitempty"`
	IsContentSharing *bool  `json:"isContentSharing,omitempty"`
}

// RosterMessage is one message from a destination's roster feed
type RosterMessage struct {
	// Event is the message type
	Event RosterEvent `json:"event" validate:"required,oneof=members:update destination:ended"`
	// DestinationID is the destination this message is for
	DestinationID string `json:"destinationID" validate:"required"`
	// Full is the complete roster, keyed by member key. Only for EventMembersUpdate.
	Full map[string]RosterEntry `json:"full,omitempty"`
	// SentAt is when the message was produced
	SentAt time.Time `json:"sent_at"`
}

// String toString function
func (m RosterMessage) String() string {
	return fmt.Sprintf("%s:%s[%d]", m.DestinationID, m.Event, len(m.Full))
}

// RosterHandler callback invoked for each roster message of a destination.
//
// Messages of one destination are delivered sequentially in publish order.
type RosterHandler func(ctxt context.Context, msg RosterMessage)

// RosterListener is an attached roster feed listener
type RosterListener interface {
	// Detach stop delivering roster messages to the listener
	Detach(ctxt context.Context) error
}

// MemberEventSource is the "members changed" feed of one destination
type MemberEventSource interface {
	// Listen attach a listener to the feed. The last published roster, if any, is
	// delivered first.
	Listen(ctxt context.Context, handler RosterHandler) (RosterListener, error)
}

// DestinationHandle is a destination resolved from the datasource
type DestinationHandle interface {
	// Record the destination's record
	Record() DestinationRecord
	// Members the destination's roster feed
	Members() MemberEventSource
}

// DestinationResolver looks up destinations by ID
type DestinationResolver interface {
	// ResolveDestination fetch a destination by ID. Returns ErrDestinationNotFound
	// if the ID is unknown.
	ResolveDestination(ctxt context.Context, destinationID string) (DestinationHandle, error)
}

// DestinationRegistry manages destinations and their rosters within the datasource
type DestinationRegistry interface {
	// RegisterDestination record a new destination
	RegisterDestination(ctxt context.Context, record DestinationRecord) error
	// UnregisterDestination end a destination and forget about it
	UnregisterDestination(ctxt context.Context, destinationID string) error
	// PublishRoster publish a full roster snapshot for a destination
	PublishRoster(ctxt context.Context, destinationID string, full map[string]RosterEntry) error
}

// Connector is implemented by datasources which need setup before use
type Connector interface {
	// Connect prepare the datasource for use
	Connect(ctxt context.Context) error
	// Disconnect release datasource resources
	Disconnect(ctxt context.Context) error
}

// Datasource is a complete datasource implementation
type Datasource interface {
	Connector
	DestinationResolver
	DestinationRegistry
}

// ==============================================================================

var destinationIDRegex = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateDestinationID verify the destination ID can be used as a KV key and a
// subject token
func ValidateDestinationID(destinationID string) error {
	if !destinationIDRegex.MatchString(destinationID) {
		return fmt.Errorf("%w: '%s'", ErrInvalidDestinationID, destinationID)
	}
	return nil
}

// GetValidator define a validator with the datasource custom rules installed
func GetValidator() *validator.Validate {
	validate := validator.New()
	_ = validate.RegisterValidation("destination_id", func(fl validator.FieldLevel) bool {
		return ValidateDestinationID(fl.Field().String()) == nil
	})
	return validate
}

// validateRoster verify every roster entry is usable, and that no two entries name
// the same member
func validateRoster(full map[string]RosterEntry) error {
	seen := make(map[string]string, len(full))
	for key, entry := range full {
		memberID := entry.ID
		if memberID == "" {
			memberID = key
		}
		if memberID == "" {
			return fmt.Errorf("%w: entry without member key or ID", ErrInvalidRoster)
		}
		if otherKey, ok := seen[memberID]; ok {
			return fmt.Errorf(
				"%w: member '%s' listed under both '%s' and '%s'",
				ErrInvalidRoster, memberID, otherKey, key,
			)
		}
		seen[memberID] = key
	}
	return nil
}
