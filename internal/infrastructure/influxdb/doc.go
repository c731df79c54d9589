// Package influxdb writes relay telemetry to InfluxDB v2.
//
// It wraps influxdb-client-go with connection checks and a batched,
// non-blocking write API. The telemetry package decides what to write;
// this package only knows how.
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // run without telemetry
//	}
//	defer client.Close()
//
// Batch size and flush interval come from influxdb.batch_size and
// influxdb.flush_interval.
package influxdb
