package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	DeviceClassDesktop = "desktop"
	DeviceClassLaptop  = "laptop"
	DeviceClassPhone   = "phone"
	DeviceClassTablet  = "tablet"
	DeviceClassTV      = "tv"
	DeviceClassUnknown = "unknown"
)

const (
	// SecuritySeverityInfo indicates informational security event context.
	SecuritySeverityInfo = "info"
	// SecuritySeverityWarning indicates potentially suspicious behavior.
	SecuritySeverityWarning = "warning"
	// SecuritySeverityCritical indicates serious security failures.
	SecuritySeverityCritical = "critical"
)

const (
	SecurityEventTrustMismatch = "trust_mismatch"
	SecurityEventTrustDeclined = "trust_declined"
	SecurityEventTrustTimeout  = "trust_timeout"
	SecurityEventPeerPaired    = "peer_paired"
	SecurityEventPeerUnpaired  = "peer_unpaired"
	SecurityEventFactoryReset  = "factory_reset"
	SecurityEventIdentityReset = "identity_reset"
)

// Peer is the SQLite representation of a paired remote device.
type Peer struct {
	PeerID            string
	DisplayName       string
	DeviceClass       string
	CertFingerprint   string
	AddedTimestamp    int64
	LastSeenTimestamp *int64
	LastKnownIP       *string
	LastKnownPort     *int
}

// SecurityEvent stores structured security-relevant runtime events.
type SecurityEvent struct {
	ID        int64
	EventType string
	PeerID    *string
	Details   string
	Severity  string
	Timestamp int64
}

// SecurityEventFilter narrows GetSecurityEvents query results.
type SecurityEventFilter struct {
	EventType     string
	PeerID        string
	Severity      string
	FromTimestamp *int64
	ToTimestamp   *int64
	Limit         int
	Offset        int
}

func validateDeviceClass(class string) error {
	switch class {
	case DeviceClassDesktop, DeviceClassLaptop, DeviceClassPhone, DeviceClassTablet, DeviceClassTV, DeviceClassUnknown:
		return nil
	default:
		return fmt.Errorf("invalid device class %q", class)
	}
}

func validateSecuritySeverity(severity string) error {
	switch severity {
	case SecuritySeverityInfo, SecuritySeverityWarning, SecuritySeverityCritical:
		return nil
	default:
		return fmt.Errorf("invalid security event severity %q", severity)
	}
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func nullInt64(ptr *int64) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *ptr, Valid: true}
}

func nullInt64FromInt(ptr *int) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*ptr), Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func intPtrFromNullInt64(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	v := int(ni.Int64)
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
