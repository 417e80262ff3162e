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

// Package membership implements the destination membership cache: one shared,
// replay-latest stream of membership snapshots per destination, backed by at most one
// datasource listener per destination.
package membership

import (
	"sort"

	"github.com/alwitt/rostercast/datasource"
)

// DestinationType the kind of destination
type DestinationType string

// DestinationTypeMeeting a meeting destination
const DestinationTypeMeeting DestinationType = "meeting"

// Member one member of a destination
type Member struct {
	PersonID     string `json:"personID"`
	Email        string `json:"email"`
	Name         string `json:"name"`
	IsAudioMuted bool   `json:"isAudioMuted"`
	IsVideoMuted bool   `json:"isVideoMuted"`
	IsSelf       bool   `json:"isSelf"`
	IsHost       bool   `json:"isHost"`
	IsSharing    bool   `json:"isSharing"`
}

// MemberPartition members of a destination split by whether they are in the meeting
type MemberPartition struct {
	InMeeting    []Member `json:"inMeetingMembers"`
	NotInMeeting []Member `json:"notInMeetingMembers"`
}

// Membership snapshot of a destination's members.
//
// Snapshots are shared between subscribers and must be treated as read-only.
type Membership struct {
	DestinationID   string          `json:"destinationID"`
	DestinationType DestinationType `json:"destinationType"`
	Members         MemberPartition `json:"members"`
}

// emptyMembership the placeholder snapshot of a destination with no roster yet
func emptyMembership(destinationID string, destinationType DestinationType) Membership {
	return Membership{
		DestinationID:   destinationID,
		DestinationType: destinationType,
		Members: MemberPartition{
			InMeeting: []Member{}, NotInMeeting: []Member{},
		},
	}
}

func flag(v *bool) bool {
	return v != nil && *v
}

// NormalizeRoster convert a full datasource roster into a member partition.
//
// Absent flags default to false. The member ID falls back to the roster key when
// empty. Within each partition members are ordered by roster key. A member ID seen
// again under a later key is dropped, so each member appears exactly once.
func NormalizeRoster(full map[string]datasource.RosterEntry) MemberPartition {
	keys := make([]string, 0, len(full))
	for key := range full {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	result := MemberPartition{InMeeting: []Member{}, NotInMeeting: []Member{}}
	seen := make(map[string]bool, len(full))
	for _, key := range keys {
		entry := full[key]
		member := Member{
			PersonID:     entry.ID,
			Email:        entry.Email,
			Name:         entry.Name,
			IsAudioMuted: flag(entry.IsAudioMuted),
			IsVideoMuted: flag(entry.IsVideoMuted),
			IsSelf:       flag(entry.IsSelf),
			IsHost:       flag(entry.IsHost),
			IsSharing:    flag(entry.IsContentSharing),
		}
		if member.PersonID == "" {
			member.PersonID = key
		}
		if seen[member.PersonID] {
			continue
		}
		seen[member.PersonID] = true
		if flag(entry.IsInMeeting) {
			result.InMeeting = append(result.InMeeting, member)
		} else {
			result.NotInMeeting = append(result.NotInMeeting, member)
		}
	}
	return result
}
