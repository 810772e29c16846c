package modbushttp

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSend(t *testing.T) {
	var gotRequest []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, pass, ok := r.BasicAuth(); !ok || pass != "hunter2" {
			http.Error(w, "wrong password", http.StatusUnauthorized)
			return
		}
		gotRequest, _ = io.ReadAll(r.Body)
		resp := SendResponse{ADUResponse: []byte{1, 5, 0, 3}}
		if gotRequest[0] == 2 {
			resp = SendResponse{Error: "timeout"}
		}
		json.NewEncoder(w).Encode(&resp)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	if _, err := c.Send([]byte{1, 5}); err == nil {
		t.Errorf("Send without password succeeded")
	}
	c.Password = "hunter2"
	got, err := c.Send([]byte{1, 5, 0, 3})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if diff := cmp.Diff(got, []byte{1, 5, 0, 3}); diff != "" {
		t.Errorf("response: got(-)/want(+):\n%s", diff)
	}
	if diff := cmp.Diff(gotRequest, []byte{1, 5, 0, 3}); diff != "" {
		t.Errorf("request: got(-)/want(+):\n%s", diff)
	}
	if _, err := c.Send([]byte{2, 5}); err == nil || err.Error() != "timeout" {
		t.Errorf("bridge error = %v, want timeout", err)
	}
}
