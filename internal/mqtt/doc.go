// Package mqtt forwards bus events to an MQTT broker and publishes
// availability and periodic usage stats for the gateway.
//
// Topics live under the configured prefix:
//
//	<prefix>/availability   "online" / "offline" (retained, will message)
//	<prefix>/stats          JSON stats snapshot (retained)
//	<prefix>/events/<kind>  one JSON message per bus event
//
// When a discovery prefix is configured, the stats fields are also
// announced as Home Assistant sensors so the gateway shows up as a
// device with availability tracking.
//
// The connection is managed by Eclipse Paho v2's [autopaho] package,
// which reconnects automatically. Discovery configs and the birth
// message are re-published on every connect.
package mqtt
