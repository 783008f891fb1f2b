// Package proxyrun starts a shared poll proxy in front of a pollbus server.
//
// Local consumers poll the proxy instead of the server. The proxy keeps one
// upstream long poll for all of them and probes the upstream health endpoint
// to decide whether it is online.
package proxyrun
