// Package influxdb provides InfluxDB connectivity for the tag gateway's
// optional time-series telemetry sink.
//
// It wraps the official influxdb-client-go v2 library: a ping on connect,
// a non-blocking batched write API, and an error callback for failures
// discovered when a batch is sent.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.SetOnError(func(err error) { logger.Error("influx write", "error", err) })
//	_ = client.WriteTagReading(deviceID, fields, observedAt)
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
package influxdb
