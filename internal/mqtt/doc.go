// Package mqtt provides the broker transports behind the connection
// manager.
//
// Two implementations of [connection.Transport] are available, picked
// by mqtt.protocol in the config:
//
//   - v5 (default): Eclipse Paho v2's [autopaho] connection manager.
//   - v311: the classic Eclipse Paho client for brokers that only speak
//     MQTT 3.1.1.
//
// Both reconnect on their own after an initial failure or a dropped
// connection, using the [connwatch.Backoff] schedule, and both
// bound each handshake by mqtt.connect_timeout_sec. Subscribe and
// Unsubscribe return as soon as the request is queued; broker
// acknowledgments are logged, not awaited. Inbound messages pass a
// per-second rate limiter before reaching the manager.
package mqtt
