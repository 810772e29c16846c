// Command clock_logger records clockd status updates in InfluxDB.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/gorilla/websocket"
	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/w1xm/rotaclock/internal/logger"
)

var (
	org    = flag.String("org", "w1xm", "InfluxDB organization")
	bucket = flag.String("bucket", "clock.raw", "InfluxDB bucket")
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	flag.Parse()
	logger.Init(logger.Options{Level: getenv("LOG_LEVEL", "info"), Service: "clock_logger"})
	log := logger.Named("influx")

	// Create client
	server := getenv("INFLUX_SERVER", "http://localhost:9999")
	client := influxdb2.NewClient(server, os.Getenv("INFLUX_TOKEN"))
	defer client.Close()
	// Get non-blocking write client
	writeApi := client.WriteApi(*org, *bucket)
	defer writeApi.Close()
	// Create go proc for reading and logging errors
	go func() {
		for err := range writeApi.Errors() {
			log.Warn().Err(err).Msg("write error")
		}
	}()
	url := getenv("CLOCKD_ADDRESS", "ws://localhost:8502/api/ws")
	for {
		if err := logData(writeApi, url); err != nil {
			log.Warn().Err(err).Str("url", url).Msg("status stream")
		}
		time.Sleep(1 * time.Second)
	}
}

// flattenStatus turns nested JSON into dotted field names; lists are indexed
// by position.
func flattenStatus(fields map[string]interface{}, status interface{}, prefix string) {
	switch status := status.(type) {
	case map[string]interface{}:
		for k, v := range status {
			flattenStatus(fields, v, prefix+"."+k)
		}
	case []interface{}:
		for k, v := range status {
			flattenStatus(fields, v, fmt.Sprintf("%s.%d", prefix, k))
		}
	case nil:
	default:
		fields[prefix[1:]] = status
	}
}

// statusFields splits one status message into point tags and fields. The
// mode is a tag so time-following and held periods can be told apart.
func statusFields(status interface{}) (map[string]string, map[string]interface{}) {
	fields := make(map[string]interface{})
	flattenStatus(fields, status, "")
	tags := map[string]string{}
	if mode, ok := fields["mode"].(string); ok {
		tags["mode"] = mode
		delete(fields, "mode")
	}
	delete(fields, "time")
	return tags, fields
}

func logData(writeApi api.WriteApi, url string) error {
	defer writeApi.Flush()
	var dialer websocket.Dialer
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	for {
		var status interface{}
		if err := conn.ReadJSON(&status); err != nil {
			return err
		}
		tags, fields := statusFields(status)
		p := influxdb2.NewPoint("clock.status",
			tags,
			fields,
			time.Now(),
		)
		// write asynchronously
		writeApi.WritePoint(p)
	}
}
