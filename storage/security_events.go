package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	defaultSecurityEventLimit = 100
	maxSecurityEventLimit     = 1000
)

// SetSecurityEventRetention changes how long Maintain keeps security events.
// A non-positive value restores DefaultSecurityEventRetention.
func (s *Store) SetSecurityEventRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultSecurityEventRetention
	}
	s.mu.Lock()
	s.retention = retention
	s.mu.Unlock()
}

// LogSecurityEvent appends event. Details must be JSON text; empty details
// are stored as an empty object.
func (s *Store) LogSecurityEvent(event SecurityEvent) error {
	if err := event.normalize(); err != nil {
		return err
	}

	_, err := s.db.Exec(
		`INSERT INTO security_events (event_type, peer_id, details, severity, timestamp) VALUES (?, ?, ?, ?, ?)`,
		event.EventType, nullString(event.PeerID), event.Details, event.Severity, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert security event %q: %w", event.EventType, err)
	}
	return nil
}

// RecordSecurityEvent is LogSecurityEvent with details given as a map.
func (s *Store) RecordSecurityEvent(eventType, peerID, severity string, details map[string]any) error {
	raw, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("encode security event details: %w", err)
	}

	event := SecurityEvent{EventType: eventType, Details: string(raw), Severity: severity}
	if peerID != "" {
		event.PeerID = &peerID
	}
	return s.LogSecurityEvent(event)
}

// GetSecurityEvents returns matching events, newest first.
func (s *Store) GetSecurityEvents(filter SecurityEventFilter) ([]SecurityEvent, error) {
	where, args, err := filter.clauses()
	if err != nil {
		return nil, err
	}

	query := `SELECT id, event_type, peer_id, details, severity, timestamp FROM security_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, filter.limit(), max(filter.Offset, 0))

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query security events: %w", err)
	}
	defer rows.Close()

	var events []SecurityEvent
	for rows.Next() {
		event, err := scanSecurityEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan security event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read security events: %w", err)
	}
	return events, nil
}

// RecentSecurityEvents returns the latest limit events for peerID.
func (s *Store) RecentSecurityEvents(peerID string, limit int) ([]SecurityEvent, error) {
	return s.GetSecurityEvents(SecurityEventFilter{PeerID: peerID, Limit: limit})
}

// PruneSecurityEvents deletes events recorded before cutoff (unix millis)
// and returns how many were removed.
func (s *Store) PruneSecurityEvents(cutoff int64) (int64, error) {
	if cutoff <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM security_events WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune security events: %w", err)
	}
	return res.RowsAffected()
}

func (e *SecurityEvent) normalize() error {
	e.EventType = strings.TrimSpace(e.EventType)
	if e.EventType == "" {
		return errors.New("event_type is required")
	}
	if e.Severity == "" {
		e.Severity = SecuritySeverityInfo
	}
	if err := validateSecuritySeverity(e.Severity); err != nil {
		return err
	}
	if e.Details == "" {
		e.Details = "{}"
	}
	if !json.Valid([]byte(e.Details)) {
		return errors.New("details must be valid JSON text")
	}
	if e.Timestamp == 0 {
		e.Timestamp = nowUnixMilli()
	}
	if e.PeerID != nil {
		if id := strings.TrimSpace(*e.PeerID); id != "" {
			e.PeerID = &id
		} else {
			e.PeerID = nil
		}
	}
	return nil
}

func (f SecurityEventFilter) clauses() ([]string, []any, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		where = append(where, clause)
		args = append(args, arg)
	}

	if f.EventType != "" {
		add("event_type = ?", f.EventType)
	}
	if f.PeerID != "" {
		add("peer_id = ?", f.PeerID)
	}
	if f.Severity != "" {
		if err := validateSecuritySeverity(f.Severity); err != nil {
			return nil, nil, err
		}
		add("severity = ?", f.Severity)
	}
	if f.FromTimestamp != nil {
		add("timestamp >= ?", *f.FromTimestamp)
	}
	if f.ToTimestamp != nil {
		add("timestamp <= ?", *f.ToTimestamp)
	}
	return where, args, nil
}

func (f SecurityEventFilter) limit() int {
	switch {
	case f.Limit <= 0:
		return defaultSecurityEventLimit
	case f.Limit > maxSecurityEventLimit:
		return maxSecurityEventLimit
	default:
		return f.Limit
	}
}

func scanSecurityEvent(row scanner) (SecurityEvent, error) {
	var (
		event  SecurityEvent
		peerID sql.NullString
	)
	err := row.Scan(&event.ID, &event.EventType, &peerID, &event.Details, &event.Severity, &event.Timestamp)
	event.PeerID = stringPtr(peerID)
	return event, err
}
