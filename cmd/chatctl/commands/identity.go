package commands

import (
	"chai/client"
	"chai/session"
	"chai/vault"
)

func openStore() *client.FileStore {
	return client.NewFileStore(home)
}

// loadManager unlocks the vault-protected identity blob and reconstructs a
// session.Manager with no peer sessions attached; callers restore those via
// client.Conn's own best-effort attach-time load.
func loadManager(store *client.FileStore, passphrase string) (*session.Manager, error) {
	blob, err := store.LoadIdentity()
	if err != nil {
		return nil, err
	}
	identity, err := vault.Unlock(blob, passphrase, vault.MinIterations)
	if err != nil {
		return nil, err
	}
	return session.FromBytes(identity)
}

// saveManager locks a freshly exported identity blob into the vault and
// writes it to the store.
func saveManager(store *client.FileStore, mgr *session.Manager, passphrase string) error {
	identity, err := mgr.ExportIdentity()
	if err != nil {
		return err
	}
	blob, err := vault.Lock(identity, passphrase, vault.MinIterations)
	if err != nil {
		return err
	}
	return store.SaveIdentity(blob)
}
