// Package server implements the chatrelay message-delivery and recovery
// protocol over WebSocket and sqlite.
//
// The implementation is organized into specialized files for the message
// store, the broadcast hub, session recovery, intake, configuration, and
// HTTP plumbing to keep the codebase maintainable and testable as the
// project grows.
package server
