package storage

import (
	"errors"
	"fmt"
	"strings"
)

// SetPacketTypeEnabled stores whether packets of packetType are delivered for
// a paired peer. Types without a row are enabled.
func (s *Store) SetPacketTypeEnabled(peerID, packetType string, enabled bool) error {
	if peerID == "" {
		return errors.New("peer_id is required")
	}
	if strings.TrimSpace(packetType) == "" {
		return errors.New("packet_type is required")
	}

	value := 0
	if enabled {
		value = 1
	}
	_, err := s.db.Exec(
		`INSERT INTO peer_packet_types (peer_id, packet_type, enabled)
		VALUES (?, ?, ?)
		ON CONFLICT(peer_id, packet_type) DO UPDATE SET enabled = excluded.enabled`,
		peerID,
		packetType,
		value,
	)
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY") {
			return ErrNotFound
		}
		return fmt.Errorf("set packet type %q for %q: %w", packetType, peerID, err)
	}
	return nil
}

// PacketTypeSettings returns every stored packet-type flag for a peer.
func (s *Store) PacketTypeSettings(peerID string) (map[string]bool, error) {
	rows, err := s.db.Query(
		`SELECT packet_type, enabled
		FROM peer_packet_types
		WHERE peer_id = ?
		ORDER BY packet_type`,
		peerID,
	)
	if err != nil {
		return nil, fmt.Errorf("list packet types for %q: %w", peerID, err)
	}
	defer rows.Close()

	settings := make(map[string]bool)
	for rows.Next() {
		var (
			packetType string
			enabled    int
		)
		if err := rows.Scan(&packetType, &enabled); err != nil {
			return nil, fmt.Errorf("scan packet type row: %w", err)
		}
		settings[packetType] = enabled != 0
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate packet type rows: %w", err)
	}
	return settings, nil
}
