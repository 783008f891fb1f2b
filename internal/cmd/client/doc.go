// Package client provides the `pollbus` command-line client.
//
// The commands talk to a pollbus server over its HTTP API. They are meant for
// developers and operators poking at a running bus from a terminal.
//
// # Address configuration
//
// The server base URL comes from --url, then POLLBUS_BASE_URL, and
// defaults to http://localhost:8080/.
//
// Usage
//
//	pollbus publish --channel /chat --data '{"text":"hi"}'
//
//	pollbus publish --channel /private --data '"psst"' --user-ids 7,9
//
//	pollbus subscribe --channel /chat --channel /alerts --last-id -1 --limit 10
//
//	pollbus flush --partition tenant-a
//
//	pollbus stats
package client
