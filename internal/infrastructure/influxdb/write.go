package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WritePoint queues one point for the next batch. Points without fields
// are skipped, a zero timestamp means now, and everything written after
// Close is dropped. Failures surface through SetOnError.
//
//	client.WritePoint("relay_connections",
//	    map[string]string{"relay": "relay-1"},
//	    map[string]any{"devices": 4, "observers": 2},
//	    time.Now())
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any, at time.Time) {
	if len(fields) == 0 || !c.IsConnected() {
		return
	}
	if at.IsZero() {
		at = time.Now()
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, at))
	c.written.Add(1)
}
