package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/w1xm/rotaclock/display"
	"github.com/w1xm/rotaclock/internal/logger"
)

type fakeDisplay struct {
	mu     sync.Mutex
	digits [][]int
	mode   display.Mode
}

func (f *fakeDisplay) SetDigits(values []int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(values) != 4 {
		return errors.New("need 4 digits")
	}
	f.digits = append(f.digits, values)
	f.mode = display.ModeHold
	return nil
}

func (f *fakeDisplay) FollowTime() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mode = display.ModeTime
	return nil
}

func (f *fakeDisplay) Hold() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mode = display.ModeHold
}

func (f *fakeDisplay) Status() display.Status {
	return display.Status{}
}

func (f *fakeDisplay) Mode() display.Mode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mode
}

func newTestServer(t *testing.T) (*Server, *fakeDisplay, *httptest.Server) {
	t.Helper()
	f := &fakeDisplay{}
	s := NewServer(logger.Named("http"))
	s.d = f
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, f, ts
}

func TestStatusHandler(t *testing.T) {
	s, _, ts := newTestServer(t)
	s.statusCallback(display.Status{Angle: 90, Values: []int{1, 2, 3, 4}, Mode: display.ModeHold})

	resp, err := http.Get(ts.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	var got display.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, 90.0, got.Angle)
	assert.Equal(t, []int{1, 2, 3, 4}, got.Values)
	assert.Equal(t, display.ModeHold, got.Mode)
}

func TestDigitsHandler(t *testing.T) {
	_, f, ts := newTestServer(t)
	resp, err := http.Post(ts.URL+"/api/digits", "application/json", strings.NewReader(`{"digits":[0,9,4,7]}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/api/digits", "application/json", strings.NewReader(`{"digits":[1]}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, [][]int{{0, 9, 4, 7}}, f.digits)
}

func TestStatusSocket(t *testing.T) {
	s, f, ts := newTestServer(t)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first display.Status
	require.NoError(t, conn.ReadJSON(&first))

	require.NoError(t, conn.WriteJSON(Command{Command: "follow_time"}))
	require.NoError(t, conn.WriteJSON(Command{Command: "spin"}))
	var reply Reply
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "unknown command spin", reply.Error)
	assert.Equal(t, display.ModeTime, f.Mode())

	s.statusCallback(display.Status{Revolutions: 42})
	var next display.Status
	require.NoError(t, conn.ReadJSON(&next))
	assert.Equal(t, uint64(42), next.Revolutions)
}
