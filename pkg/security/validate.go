// Package security implements the pure message/document validators and the
// stateful per-IP and per-connection limiters described in spec.md §4.4,
// grounded on the synckit websocket hub's security.ValidateDocumentID /
// security.CanAccessDocument calls (other_examples/...websocket-hub.go.go).
package security

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	// DefaultMaxDocumentIDLen is the length cap applied to document ids.
	DefaultMaxDocumentIDLen = 256
	// DefaultMaxMessageBytes bounds an inbound message's encoded size.
	DefaultMaxMessageBytes = 1 << 20 // 1 MiB
)

var documentIDPattern = regexp.MustCompile(`^[A-Za-z0-9_:\-./]+$`)

// ValidateDocumentID enforces a charset whitelist and length cap on
// document ids.
func ValidateDocumentID(id string, maxLen int) error {
	if id == "" {
		return fmt.Errorf("document id must not be empty")
	}
	if maxLen <= 0 {
		maxLen = DefaultMaxDocumentIDLen
	}
	if len(id) > maxLen {
		return fmt.Errorf("document id exceeds max length %d", maxLen)
	}
	if !documentIDPattern.MatchString(id) {
		return fmt.Errorf("document id contains disallowed characters")
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("document id must not contain path traversal sequences")
	}
	return nil
}

// CanAccessDocument implements the namespace predicate: the "playground"
// document and every id under "room:" pass; everything else is denied.
// The predicate does not look at authentication: the orchestrator checks
// that separately (requireAuth), after this gate. This mirrors the hub's
// simple namespace gate and keeps the real RBAC decision in the external
// auth predicate (pkg/auth).
func CanAccessDocument(id string) bool {
	if id == "playground" {
		return true
	}
	return strings.HasPrefix(id, "room:")
}

// ValidateMessage performs shape and size bound checks on a raw inbound
// frame payload before it is handed to the wire codec.
func ValidateMessage(payloadLen int, maxBytes int) error {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxMessageBytes
	}
	if payloadLen <= 0 {
		return fmt.Errorf("message payload is empty")
	}
	if payloadLen > maxBytes {
		return fmt.Errorf("message payload %d bytes exceeds max %d", payloadLen, maxBytes)
	}
	return nil
}
