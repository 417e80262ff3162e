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
	"encoding/json"
	"fmt"
	"testing"

	"github.com/alwitt/rostercast/datasource"
	"github.com/stretchr/testify/assert"
)

func boolPtr(v bool) *bool {
	return &v
}

// assertPartitioned verify every roster member appears exactly once, on the side
// its isInMeeting flag selects
func assertPartitioned(
	t *testing.T, full map[string]datasource.RosterEntry, partition MemberPartition,
) {
	seen := map[string]int{}
	for _, member := range partition.InMeeting {
		seen[member.PersonID]++
	}
	for _, member := range partition.NotInMeeting {
		seen[member.PersonID]++
	}
	assert.Equal(t, len(full), len(seen))
	assert.Equal(t, len(full), len(partition.InMeeting)+len(partition.NotInMeeting))
	for key, count := range seen {
		assert.Equal(t, 1, count, "member %s", key)
	}
	for _, member := range partition.InMeeting {
		assert.True(t, flag(full[member.PersonID].IsInMeeting))
	}
	for _, member := range partition.NotInMeeting {
		assert.False(t, flag(full[member.PersonID].IsInMeeting))
	}
}

func TestNormalizeRoster(t *testing.T) {
	assert := assert.New(t)

	// Case 0: empty roster
	{
		result := NormalizeRoster(map[string]datasource.RosterEntry{})
		assert.NotNil(result.InMeeting)
		assert.NotNil(result.NotInMeeting)
		assert.Len(result.InMeeting, 0)
		assert.Len(result.NotInMeeting, 0)
		// Encoded as empty lists, not null
		encoded, err := json.Marshal(&result)
		assert.Nil(err)
		assert.Equal(`{"inMeetingMembers":[],"notInMeetingMembers":[]}`, string(encoded))
	}

	// Case 1: absent flags default to false
	{
		result := NormalizeRoster(map[string]datasource.RosterEntry{
			"a": {ID: "a", Email: "a@example.com", Name: "Alice"},
		})
		assert.Len(result.InMeeting, 0)
		assert.Equal([]Member{{PersonID: "a", Email: "a@example.com", Name: "Alice"}}, result.NotInMeeting)
	}

	// Case 2: flags carried over, content sharing becomes isSharing
	{
		result := NormalizeRoster(map[string]datasource.RosterEntry{
			"h": {
				ID:               "h",
				IsAudioMuted:     boolPtr(true),
				IsVideoMuted:     boolPtr(false),
				IsSelf:           boolPtr(true),
				IsHost:           boolPtr(true),
				IsInMeeting:      boolPtr(true),
				IsContentSharing: boolPtr(true),
			},
		})
		assert.Len(result.NotInMeeting, 0)
		assert.Equal([]Member{{
			PersonID:     "h",
			IsAudioMuted: true,
			IsSelf:       true,
			IsHost:       true,
			IsSharing:    true,
		}}, result.InMeeting)
	}

	// Case 3: member ID falls back to the roster key
	{
		result := NormalizeRoster(map[string]datasource.RosterEntry{
			"key-1": {IsInMeeting: boolPtr(true)},
		})
		assert.Equal("key-1", result.InMeeting[0].PersonID)
	}

	// Case 4: partition and order of a larger roster
	{
		full := map[string]datasource.RosterEntry{}
		for itr := 0; itr < 20; itr++ {
			key := fmt.Sprintf("m%02d", itr)
			full[key] = datasource.RosterEntry{ID: key, IsInMeeting: boolPtr(itr%3 == 0)}
		}
		result := NormalizeRoster(full)
		assertPartitioned(t, full, result)
		for itr := 1; itr < len(result.InMeeting); itr++ {
			assert.Less(result.InMeeting[itr-1].PersonID, result.InMeeting[itr].PersonID)
		}
		for itr := 1; itr < len(result.NotInMeeting); itr++ {
			assert.Less(result.NotInMeeting[itr-1].PersonID, result.NotInMeeting[itr].PersonID)
		}
		// Same roster, same result
		assert.Equal(result, NormalizeRoster(full))
	}

	// Case 5: one member listed under two keys appears once
	{
		result := NormalizeRoster(map[string]datasource.RosterEntry{
			"k1": {ID: "x", IsInMeeting: boolPtr(true)},
			"k2": {ID: "x"},
			"x":  {IsInMeeting: boolPtr(false)},
		})
		assert.Equal([]Member{{PersonID: "x"}}, result.InMeeting)
		assert.Len(result.NotInMeeting, 0)
	}
}
