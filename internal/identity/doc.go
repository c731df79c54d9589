// Package identity verifies device credentials against the external
// identity backend.
//
// The backend is called with a JSON POST:
//
//	{"action": "wemos_auth", "username": "...", "password": "..."}
//
// and answers:
//
//	{"success": true, "data": {"device_name": "D1", "hard_switch_enabled": true}}
//
// Client implements gateway.Verifier, mapping every outcome onto a
// Success, Rejected or Unavailable verdict.
package identity
