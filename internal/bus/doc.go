// Package bus bridges the gateway to an MQTT broker.
//
// Publisher mirrors device lifecycle and status events onto per-device
// topics so other services can follow the fleet without holding an
// observer WebSocket. CommandListener accepts controller commands published
// to <prefix>/command, routes them through the gateway exactly as
// POST /command does, and publishes each outcome to <prefix>/command/result.
//
// Both take a Broker, which *mqtt.Client satisfies.
package bus
