// Package protocol implements the framed message channel between a host and the
// plugin runner.
//
// Every message is a JSON envelope {"command", "payload", "version"} whose payload
// is itself a JSON document carried as a string. Envelopes are prefixed with a
// 4-byte little-endian length and may not exceed MaxFrameSize. One request is in
// flight per connection; execute may be answered by any number of executeTrace
// deltas before its terminal executeResponse.
package protocol
