// Package upstream reports device lifecycle events to the controller.
//
// Each event is POSTed as JSON to the configured callback URL:
//
//	{"deviceName": "D1", "status": "CONNECTED"}
//	{"deviceName": "D1", "status": "STATUS", "payload": {...}}
//
// Delivery is best-effort. Events are queued, sent by one background
// worker, retried on transport errors and 5xx responses, and logged and
// dropped on final failure.
package upstream
