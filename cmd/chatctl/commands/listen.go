package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"chai/client"
)

func listenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Attach to the relay and print decrypted inbound messages until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requirePassphrase(); err != nil {
				return err
			}
			if err := requireDeviceID(); err != nil {
				return err
			}

			store := openStore()
			mgr, err := loadManager(store, passphrase)
			if err != nil {
				return fmt.Errorf("load identity: %w", err)
			}

			conn := client.New(deviceID, relayURL, prekeysURL, mgr, store, nil)
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-sigCh
				cancel()
			}()

			go func() {
				for warn := range conn.Warnings() {
					fmt.Fprintf(os.Stderr, "warning: restoring session with %s: %v\n", warn.PeerID, warn.Err)
				}
			}()

			go func() {
				for msg := range conn.Inbound() {
					fmt.Printf("[%s] %s: %s\n", msg.ConvID, msg.FromDeviceID, msg.Plaintext)
				}
			}()

			err = conn.Run(ctx)
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
}
