// Package commands implements chatctl's cobra command tree: init, send, and
// listen, wired against client.Conn and the vault-protected identity store.
package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	home       string
	passphrase string
	relayURL   string
	prekeysURL string
	deviceID   string
	userID     string
)

func Execute() error {
	root := &cobra.Command{
		Use:   "chatctl",
		Short: "End-to-end encrypted messaging client",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if home == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				home = filepath.Join(dir, ".chatctl")
			}
			return os.MkdirAll(home, 0o700)
		},
	}

	root.PersistentFlags().StringVar(&home, "home", "", "state directory (default ~/.chatctl)")
	root.PersistentFlags().StringVarP(&passphrase, "passphrase", "p", "", "vault passphrase protecting the identity")
	root.PersistentFlags().StringVar(&relayURL, "relay", "ws://127.0.0.1:8080/ws", "relay websocket base URL")
	root.PersistentFlags().StringVar(&prekeysURL, "prekeys", "http://127.0.0.1:8081", "prekey directory base URL")
	root.PersistentFlags().StringVar(&deviceID, "device-id", "", "this device's id")
	root.PersistentFlags().StringVar(&userID, "user-id", "", "this device's owning user id")

	root.AddCommand(initCmd(), sendCmd(), listenCmd())
	return root.Execute()
}

func requirePassphrase() error {
	if passphrase == "" {
		return fmt.Errorf("passphrase required (-p)")
	}
	return nil
}

func requireDeviceID() error {
	if deviceID == "" {
		return fmt.Errorf("--device-id required")
	}
	return nil
}
