package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	require.NoError(t, err, "open test store")
	t.Cleanup(func() {
		require.NoError(t, store.Close(), "close test store")
	})

	return store
}

func mustSavePeer(t *testing.T, store *Store, peerID, name string) {
	t.Helper()

	err := store.SavePeer(Peer{
		PeerID:          peerID,
		DisplayName:     name,
		DeviceClass:     DeviceClassPhone,
		CertFingerprint: "fingerprint-" + peerID,
		AddedTimestamp:  nowUnixMilli(),
	})
	require.NoError(t, err, "save peer %q", peerID)
}
