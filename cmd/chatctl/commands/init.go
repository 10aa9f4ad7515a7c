package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"chai/client"
	cryptocore "chai/services/crypto-core"
	"chai/session"
)

const initialOneTimePrekeys = 20

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Generate an identity, lock it in the vault, and register it with the prekey directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requirePassphrase(); err != nil {
				return err
			}
			if err := requireDeviceID(); err != nil {
				return err
			}

			device, err := cryptocore.GenerateIdentityKeypair()
			if err != nil {
				return fmt.Errorf("generate identity: %w", err)
			}
			mgr := session.NewManager(device)

			store := openStore()
			if err := saveManager(store, mgr, passphrase); err != nil {
				return fmt.Errorf("lock identity: %w", err)
			}

			bundle, err := mgr.GeneratePrekeyBundle(initialOneTimePrekeys)
			if err != nil {
				return fmt.Errorf("generate prekey bundle: %w", err)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			if err := client.RegisterDevice(ctx, prekeysURL, userID, deviceID, bundle); err != nil {
				return fmt.Errorf("register device: %w", err)
			}

			fmt.Printf("identity created for device %s\n", deviceID)
			return nil
		},
	}
}
