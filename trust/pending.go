package trust

import (
	"sync"
	"time"
)

// PendingCertificate is a certificate seen during pairing that awaits a
// decision.
type PendingCertificate struct {
	DER         []byte
	Fingerprint string
	SeenAt      time.Time
}

// Pending maps peer ids to certificates that are not pinned yet. Entries
// leave either by Take (accept) or Drop (decline or timeout).
type Pending struct {
	mu      sync.Mutex
	entries map[string]PendingCertificate
}

// NewPending returns an empty Pending.
func NewPending() *Pending {
	return &Pending{entries: make(map[string]PendingCertificate)}
}

// Hold records der for peerID, replacing an earlier entry.
func (p *Pending) Hold(peerID string, der []byte) PendingCertificate {
	entry := PendingCertificate{
		DER:         append([]byte(nil), der...),
		Fingerprint: Fingerprint(der),
		SeenAt:      time.Now(),
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[peerID] = entry
	return entry
}

// Peek returns the entry for peerID without removing it.
func (p *Pending) Peek(peerID string) (PendingCertificate, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries[peerID]
	return entry, ok
}

// Take removes and returns the entry for peerID.
func (p *Pending) Take(peerID string) (PendingCertificate, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries[peerID]
	if ok {
		delete(p.entries, peerID)
	}
	return entry, ok
}

// Drop discards the entry for peerID.
func (p *Pending) Drop(peerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, peerID)
}

// Len returns the number of outstanding entries.
func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
