// Package modbushttp carries Modbus RTU frames over HTTP so a serial bus can
// live on another host.
package modbushttp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goburrow/modbus"
)

// SendResponse is the bridge's reply to one request frame.
type SendResponse struct {
	ADUResponse []byte
	Error       string
}

type Client struct {
	*modbus.RTUClientHandler

	// Password is sent as HTTP basic auth.
	Password string
	HTTP     *http.Client

	baseURL string
}

func NewClient(baseURL string) *Client {
	handler := modbus.NewRTUClientHandler("/dev/null")
	handler.SlaveId = 1
	return &Client{
		RTUClientHandler: handler,
		HTTP:             &http.Client{Timeout: 5 * time.Second},
		baseURL:          baseURL,
	}
}

func (c *Client) Send(aduRequest []byte) ([]byte, error) {
	req, err := http.NewRequest(http.MethodPost, c.baseURL, bytes.NewReader(aduRequest))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if c.Password != "" {
		req.SetBasicAuth("modbus", c.Password)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("bad status code: %s\n%s", resp.Status, string(body))
	}
	var sendResponse SendResponse
	if err := json.Unmarshal(body, &sendResponse); err != nil {
		return nil, err
	}
	if sendResponse.Error != "" {
		err = errors.New(sendResponse.Error)
	}
	return sendResponse.ADUResponse, err
}

func (c *Client) Connect() error {
	return nil
}

func (c *Client) Close() error {
	return nil
}
