// Package api implements the gateway management API.
//
// Endpoints, all under /api/v1:
//
//	GET    /health           liveness, bus and storage status, module counts
//	GET    /modules          metrics of every running module
//	GET    /modules/{name}   metrics of one module
//	GET    /devices          stored device documents
//	POST   /devices          validate and store {"name": ..., "document": {...}}
//	GET    /devices/{mac}    one stored device, with its document
//	PATCH  /devices/{mac}    {"enabled": bool}
//	DELETE /devices/{mac}    remove a stored device
//	GET    /ws               WebSocket telemetry stream
//
// The device endpoints answer 503 unless the gateway runs with the device
// store. Stored changes are picked up the next time the gateway starts.
//
// # Security
//
// When api.jwt_secret is set, every endpoint except /health requires an
// HS256 bearer token with an expiry and a subject. The WebSocket endpoint
// also accepts the token as the "token" query parameter.
//
// # Telemetry Stream
//
// The Hub is a message.Receiver. Attached to the broker, it turns each read
// into an "event" frame for clients subscribed to "telemetry" or to the
// device channel "telemetry/<aabbccddeeff>". Channels can be given as
// repeated "channel" query parameters or sent later:
//
//	{"type": "subscribe", "id": "1", "payload": {"channels": ["telemetry"]}}
package api
