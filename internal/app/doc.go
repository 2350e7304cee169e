// Package app assembles the gateway: two upstream TWS sessions, the
// router, storage, the background subscription manager, and the HTTP
// API, started and stopped in dependency order.
package app
