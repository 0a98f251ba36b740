package file

import "github.com/nanobot-run/corectl/internal/pairing"

// FilePairingStore wraps pairing.Service to implement store.PairingStore.
type FilePairingStore struct {
	svc *pairing.Service
}

func NewFilePairingStore(svc *pairing.Service) *FilePairingStore {
	return &FilePairingStore{svc: svc}
}

// Service returns the underlying pairing.Service for direct access (e.g. to
// register an approval-notification callback or list pending requests).
func (f *FilePairingStore) Service() *pairing.Service { return f.svc }

func (f *FilePairingStore) IsPaired(senderID, channel string) bool {
	return f.svc.IsPaired(senderID, channel)
}

func (f *FilePairingStore) RequestPairing(senderID, channel, chatID, agentKey string) (string, error) {
	return f.svc.RequestPairing(senderID, channel, chatID, agentKey)
}
