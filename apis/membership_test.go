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

package apis

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/rostercast/common"
	"github.com/alwitt/rostercast/datasource"
	"github.com/alwitt/rostercast/membership"
	"github.com/alwitt/rostercast/metrics"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

const testRequestIDHeader = "Rostercast-Request-ID"

func boolPtr(v bool) *bool {
	return &v
}

type testAPIServer struct {
	router    *mux.Router
	directory *datasource.MemoryDirectory
	cache     membership.MembershipCache
}

func defineTestAPIServer(
	t *testing.T, ctxt context.Context, wg *sync.WaitGroup, ready ReadinessCheck,
) testAPIServer {
	directory := datasource.GetMemoryDirectory(ctxt, wg)
	cacheMetrics, err := metrics.GetCacheMetrics(prometheus.NewRegistry())
	assert.Nil(t, err)
	cache, err := membership.GetDestinationMembershipCache(
		ctxt, wg, directory, membership.CacheParams{EventBuffer: 16}, cacheMetrics,
	)
	assert.Nil(t, err)

	httpConfig := &common.HTTPConfig{
		Logging: common.HTTPRequestLogging{RequestIDHeader: testRequestIDHeader},
	}
	membershipHandler, err := GetAPIRestMembershipHandler(ctxt, cache, httpConfig, ready, 16)
	assert.Nil(t, err)
	adminHandler, err := GetAPIRestDestinationAdminHandler(directory, httpConfig)
	assert.Nil(t, err)

	router := mux.NewRouter()
	_ = RegisterRoutes(router, "/", membershipHandler, &adminHandler)
	return testAPIServer{router: router, directory: directory, cache: cache}
}

func (s testAPIServer) call(
	t *testing.T, method, path string, body interface{},
) *httptest.ResponseRecorder {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		assert.Nil(t, err)
	}
	req, err := http.NewRequest(method, path, bytes.NewReader(payload))
	assert.Nil(t, err)
	req.Header.Add(testRequestIDHeader, uuid.NewString())
	respRecorder := httptest.NewRecorder()
	s.router.ServeHTTP(respRecorder, req)
	return respRecorder
}

func TestMembershipHandlerDefine(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	_, err := GetAPIRestMembershipHandler(utCtxt, nil, &common.HTTPConfig{}, nil, 0)
	assert.NotNil(err)
}

func TestHealthCheck(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	var readyErr error
	uut := defineTestAPIServer(t, utCtxt, &wg, func() error { return readyErr })

	// Case 0: alive
	{
		resp := uut.call(t, "GET", "/v1/alive", nil)
		assert.Equal(http.StatusOK, resp.Code)
	}

	// Case 1: ready
	{
		resp := uut.call(t, "GET", "/v1/ready", nil)
		assert.Equal(http.StatusOK, resp.Code)
	}

	// Case 2: not ready
	readyErr = fmt.Errorf("datasource disconnected")
	{
		resp := uut.call(t, "GET", "/v1/ready", nil)
		assert.Equal(http.StatusInternalServerError, resp.Code)
		var msg goutils.RestAPIBaseResponse
		assert.Nil(json.Unmarshal(resp.Body.Bytes(), &msg))
		assert.False(msg.Success)
	}
}

func TestDestinationAdmin(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	uut := defineTestAPIServer(t, utCtxt, &wg, nil)

	// Case 0: define destination
	{
		resp := uut.call(t, "POST", "/v1/admin/destination", APIRestReqNewDestination{
			ID: "meeting-0", Type: "meeting", Title: "Standup",
		})
		assert.Equal(http.StatusOK, resp.Code)
		assert.Equal("application/json", resp.Header().Get("content-type"))
		var msg goutils.RestAPIBaseResponse
		assert.Nil(json.Unmarshal(resp.Body.Bytes(), &msg))
		assert.True(msg.Success)
	}

	// Case 1: define again
	{
		resp := uut.call(t, "POST", "/v1/admin/destination", APIRestReqNewDestination{
			ID: "meeting-0", Type: "meeting",
		})
		assert.Equal(http.StatusConflict, resp.Code)
	}

	// Case 2: invalid parameters
	{
		resp := uut.call(t, "POST", "/v1/admin/destination", APIRestReqNewDestination{
			ID: "meeting.0", Type: "meeting",
		})
		assert.Equal(http.StatusBadRequest, resp.Code)
		resp = uut.call(t, "POST", "/v1/admin/destination", APIRestReqNewDestination{
			ID: "meeting-1",
		})
		assert.Equal(http.StatusBadRequest, resp.Code)
	}

	// Case 3: publish roster
	{
		resp := uut.call(t, "POST", "/v1/admin/destination/meeting-0/roster", APIRestReqRoster{
			Full: map[string]datasource.RosterEntry{
				"p1": {Name: "Ann", IsInMeeting: boolPtr(true)},
			},
		})
		assert.Equal(http.StatusOK, resp.Code)
	}

	// Case 4: publish roster to unknown destination
	{
		resp := uut.call(t, "POST", "/v1/admin/destination/meeting-9/roster", APIRestReqRoster{
			Full: map[string]datasource.RosterEntry{},
		})
		assert.Equal(http.StatusNotFound, resp.Code)
	}

	// Case 5: publish roster without a roster
	{
		resp := uut.call(t, "POST", "/v1/admin/destination/meeting-0/roster", map[string]string{})
		assert.Equal(http.StatusBadRequest, resp.Code)
	}

	// Case 6: roster naming one member twice
	{
		resp := uut.call(t, "POST", "/v1/admin/destination/meeting-0/roster", APIRestReqRoster{
			Full: map[string]datasource.RosterEntry{
				"k1": {ID: "p1", IsInMeeting: boolPtr(true)},
				"k2": {ID: "p1"},
			},
		})
		assert.Equal(http.StatusBadRequest, resp.Code)
	}

	// Case 7: end destination
	{
		resp := uut.call(t, "DELETE", "/v1/admin/destination/meeting-0", nil)
		assert.Equal(http.StatusOK, resp.Code)
		resp = uut.call(t, "DELETE", "/v1/admin/destination/meeting-0", nil)
		assert.Equal(http.StatusNotFound, resp.Code)
	}
}

// readMembership read stream lines until one carries a membership matching the predicate
func readMembership(
	t *testing.T, scanner *bufio.Scanner, match func(membership.Membership) bool,
) *membership.Membership {
	for i := 0; i < 5; i++ {
		if !scanner.Scan() {
			assert.Nil(t, scanner.Err())
			return nil
		}
		var msg APIRestRespMembership
		assert.Nil(t, json.Unmarshal(scanner.Bytes(), &msg))
		assert.True(t, msg.Success)
		if msg.Membership != nil && match(*msg.Membership) {
			return msg.Membership
		}
	}
	return nil
}

func TestStreamMembers(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	uut := defineTestAPIServer(t, utCtxt, &wg, nil)
	testServer := httptest.NewServer(uut.router)
	defer testServer.Close()
	client := http.Client{Timeout: time.Second * 5}

	{
		resp := uut.call(t, "POST", "/v1/admin/destination", APIRestReqNewDestination{
			ID: "meeting-1", Type: "meeting",
		})
		assert.Equal(http.StatusOK, resp.Code)
		resp = uut.call(t, "POST", "/v1/admin/destination/meeting-1/roster", APIRestReqRoster{
			Full: map[string]datasource.RosterEntry{
				"p1": {Name: "Ann", IsInMeeting: boolPtr(true), IsHost: boolPtr(true)},
				"p2": {Name: "Bob", IsInMeeting: boolPtr(false)},
			},
		})
		assert.Equal(http.StatusOK, resp.Code)
	}

	// Case 0: unknown destination
	{
		resp := uut.call(t, "GET", "/v1/destination/meeting-2/members", nil)
		assert.Equal(http.StatusNotFound, resp.Code)
		var msg goutils.RestAPIBaseResponse
		assert.Nil(json.Unmarshal(resp.Body.Bytes(), &msg))
		assert.False(msg.Success)
	}

	// Case 1: stream the membership
	reqCtxt, reqCancel := context.WithCancel(utCtxt)
	defer reqCancel()
	req, err := http.NewRequestWithContext(
		reqCtxt, "GET", testServer.URL+"/v1/destination/meeting-1/members?destination_type=meeting", nil,
	)
	assert.Nil(err)
	resp, err := client.Do(req)
	assert.Nil(err)
	defer resp.Body.Close()
	assert.Equal(http.StatusOK, resp.StatusCode)
	scanner := bufio.NewScanner(resp.Body)
	{
		snapshot := readMembership(t, scanner, func(m membership.Membership) bool {
			return len(m.Members.InMeeting) == 1
		})
		assert.NotNil(snapshot)
		assert.Equal("meeting-1", snapshot.DestinationID)
		assert.Equal(membership.DestinationTypeMeeting, snapshot.DestinationType)
		assert.Equal("p1", snapshot.Members.InMeeting[0].PersonID)
		assert.True(snapshot.Members.InMeeting[0].IsHost)
		assert.Len(snapshot.Members.NotInMeeting, 1)
	}

	// Case 2: roster change
	{
		call := uut.call(t, "POST", "/v1/admin/destination/meeting-1/roster", APIRestReqRoster{
			Full: map[string]datasource.RosterEntry{
				"p1": {Name: "Ann", IsInMeeting: boolPtr(true)},
				"p2": {Name: "Bob", IsInMeeting: boolPtr(true)},
			},
		})
		assert.Equal(http.StatusOK, call.Code)
		snapshot := readMembership(t, scanner, func(m membership.Membership) bool {
			return len(m.Members.InMeeting) == 2
		})
		assert.NotNil(snapshot)
		assert.Empty(snapshot.Members.NotInMeeting)
	}

	// Case 3: list destinations
	{
		call := uut.call(t, "GET", "/v1/destination", nil)
		assert.Equal(http.StatusOK, call.Code)
		var msg APIRestRespDestinationList
		assert.Nil(json.Unmarshal(call.Body.Bytes(), &msg))
		assert.True(msg.Success)
		assert.Len(msg.Destinations, 1)
		assert.Equal("meeting-1", msg.Destinations[0].DestinationID)
		assert.Equal(1, msg.Destinations[0].Subscribers)
		assert.Equal(2, msg.Destinations[0].InMeeting)
	}

	// Case 4: destination ends, and the stream closes
	{
		call := uut.call(t, "DELETE", "/v1/admin/destination/meeting-1", nil)
		assert.Equal(http.StatusOK, call.Code)
		lines := 0
		for scanner.Scan() {
			var msg APIRestRespMembership
			assert.Nil(json.Unmarshal(scanner.Bytes(), &msg))
			assert.True(msg.Success)
			lines++
		}
		assert.Nil(scanner.Err())
		assert.Greater(lines, 0)
	}

	// Case 5: no longer cached
	{
		call := uut.call(t, "DELETE", "/v1/destination/meeting-1", nil)
		assert.Equal(http.StatusNotFound, call.Code)
	}
}

func TestStreamMembersRelease(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	uut := defineTestAPIServer(t, utCtxt, &wg, nil)
	testServer := httptest.NewServer(uut.router)
	defer testServer.Close()
	client := http.Client{Timeout: time.Second * 5}

	{
		resp := uut.call(t, "POST", "/v1/admin/destination", APIRestReqNewDestination{
			ID: "meeting-3", Type: "meeting",
		})
		assert.Equal(http.StatusOK, resp.Code)
	}

	resp, err := client.Get(testServer.URL + "/v1/destination/meeting-3/members")
	assert.Nil(err)
	defer resp.Body.Close()
	assert.Equal(http.StatusOK, resp.StatusCode)
	scanner := bufio.NewScanner(resp.Body)

	// Case 0: placeholder snapshot of a destination without a roster
	{
		snapshot := readMembership(t, scanner, func(m membership.Membership) bool {
			return true
		})
		assert.NotNil(snapshot)
		assert.Empty(snapshot.Members.InMeeting)
		assert.Empty(snapshot.Members.NotInMeeting)
	}

	// Case 1: release the destination
	{
		call := uut.call(t, "DELETE", "/v1/destination/meeting-3", nil)
		assert.Equal(http.StatusOK, call.Code)
		for scanner.Scan() {
			var msg APIRestRespMembership
			assert.Nil(json.Unmarshal(scanner.Bytes(), &msg))
			assert.True(msg.Success)
		}
		assert.Nil(scanner.Err())
	}

	// Case 2: release unknown destination
	{
		call := uut.call(t, "DELETE", "/v1/destination/meeting-3", nil)
		assert.Equal(http.StatusNotFound, call.Code)
	}

	// Case 3: invalid destination type
	{
		call := uut.call(t, "GET", "/v1/destination/meeting-3/members?destination_type=", nil)
		assert.Equal(http.StatusBadRequest, call.Code)
	}
}
