package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const peerColumns = `peer_id, display_name, device_class, cert_fingerprint, added_timestamp,
	last_seen_timestamp, last_known_ip, last_known_port`

// SavePeer inserts a paired peer or replaces the stored fields of an existing
// one. AddedTimestamp is kept from the first insert and unset endpoint
// fields keep their stored values.
func (s *Store) SavePeer(peer Peer) error {
	if err := peer.normalize(); err != nil {
		return err
	}

	_, err := s.db.Exec(
		`INSERT INTO peers (`+peerColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			display_name = excluded.display_name,
			device_class = excluded.device_class,
			cert_fingerprint = excluded.cert_fingerprint,
			last_seen_timestamp = COALESCE(excluded.last_seen_timestamp, peers.last_seen_timestamp),
			last_known_ip = COALESCE(excluded.last_known_ip, peers.last_known_ip),
			last_known_port = COALESCE(excluded.last_known_port, peers.last_known_port)`,
		peer.PeerID, peer.DisplayName, peer.DeviceClass, peer.CertFingerprint, peer.AddedTimestamp,
		nullInt64(peer.LastSeenTimestamp), nullString(peer.LastKnownIP), nullInt64FromInt(peer.LastKnownPort),
	)
	if err != nil {
		return fmt.Errorf("save peer %q: %w", peer.PeerID, err)
	}
	return nil
}

// GetPeer returns ErrNotFound for unknown ids.
func (s *Store) GetPeer(peerID string) (*Peer, error) {
	peer, err := scanPeer(s.db.QueryRow(`SELECT `+peerColumns+` FROM peers WHERE peer_id = ?`, peerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get peer %q: %w", peerID, err)
	}
	return &peer, nil
}

// ListPeers returns all paired peers sorted by display name.
func (s *Store) ListPeers() ([]Peer, error) {
	rows, err := s.db.Query(`SELECT ` + peerColumns + ` FROM peers ORDER BY display_name, peer_id`)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	defer rows.Close()

	var peers []Peer
	for rows.Next() {
		peer, err := scanPeer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan peer: %w", err)
		}
		peers = append(peers, peer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	return peers, nil
}

// RemovePeer deletes a peer and, by cascade, its packet-type settings.
func (s *Store) RemovePeer(peerID string) error {
	if peerID == "" {
		return errors.New("peer_id is required")
	}
	return s.execOne("remove peer", peerID, `DELETE FROM peers WHERE peer_id = ?`, peerID)
}

// RemoveAllPeers deletes every paired peer with its packet-type settings and
// returns how many were removed. Security events are kept.
func (s *Store) RemoveAllPeers() (int64, error) {
	res, err := s.db.Exec(`DELETE FROM peers`)
	if err != nil {
		return 0, fmt.Errorf("remove all peers: %w", err)
	}
	return res.RowsAffected()
}

// UpdatePeerEndpoint records where a peer was last reached. A zero
// lastSeen leaves the stored timestamp alone.
func (s *Store) UpdatePeerEndpoint(peerID, ip string, port int, lastSeen int64) error {
	switch {
	case peerID == "":
		return errors.New("peer_id is required")
	case strings.TrimSpace(ip) == "":
		return errors.New("ip is required")
	case port <= 0:
		return errors.New("port must be > 0")
	}

	return s.execOne("update peer endpoint", peerID,
		`UPDATE peers SET
			last_known_ip = ?,
			last_known_port = ?,
			last_seen_timestamp = COALESCE(NULLIF(?, 0), last_seen_timestamp)
		WHERE peer_id = ?`,
		ip, port, lastSeen, peerID,
	)
}

func (s *Store) UpdatePeerDisplayName(peerID, displayName string) error {
	switch {
	case peerID == "":
		return errors.New("peer_id is required")
	case strings.TrimSpace(displayName) == "":
		return errors.New("display_name is required")
	}
	return s.execOne("rename peer", peerID, `UPDATE peers SET display_name = ? WHERE peer_id = ?`, displayName, peerID)
}

// execOne runs a statement that must touch the row of peerID.
func (s *Store) execOne(op, peerID, query string, args ...any) error {
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("%s %q: %w", op, peerID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %q: %w", op, peerID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Peer) normalize() error {
	if p.PeerID == "" {
		return errors.New("peer_id is required")
	}
	if p.CertFingerprint == "" {
		return errors.New("cert_fingerprint is required")
	}
	if strings.TrimSpace(p.DisplayName) == "" {
		p.DisplayName = p.PeerID
	}
	if p.DeviceClass == "" {
		p.DeviceClass = DeviceClassUnknown
	}
	if err := validateDeviceClass(p.DeviceClass); err != nil {
		return err
	}
	if p.AddedTimestamp == 0 {
		p.AddedTimestamp = nowUnixMilli()
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPeer(row scanner) (Peer, error) {
	var (
		peer     Peer
		lastSeen sql.NullInt64
		lastIP   sql.NullString
		lastPort sql.NullInt64
	)
	err := row.Scan(&peer.PeerID, &peer.DisplayName, &peer.DeviceClass, &peer.CertFingerprint,
		&peer.AddedTimestamp, &lastSeen, &lastIP, &lastPort)
	if err != nil {
		return Peer{}, err
	}

	peer.LastSeenTimestamp = int64Ptr(lastSeen)
	peer.LastKnownIP = stringPtr(lastIP)
	peer.LastKnownPort = intPtrFromNullInt64(lastPort)
	return peer, nil
}
