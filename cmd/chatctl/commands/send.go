package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"chai/client"
)

// attachGracePeriod bounds how long send waits for the socket to reach
// Connected before giving up.
const attachGracePeriod = 5 * time.Second

func sendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <to-device-id> <conv-id> <message>",
		Short: "Encrypt and send a message to a peer device",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requirePassphrase(); err != nil {
				return err
			}
			if err := requireDeviceID(); err != nil {
				return err
			}
			toDeviceID, convID, message := args[0], args[1], args[2]

			store := openStore()
			mgr, err := loadManager(store, passphrase)
			if err != nil {
				return fmt.Errorf("load identity: %w", err)
			}

			conn := client.New(deviceID, relayURL, prekeysURL, mgr, store, nil)
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			runDone := make(chan error, 1)
			go func() { runDone <- conn.Run(ctx) }()

			if err := waitConnected(ctx, conn, attachGracePeriod); err != nil {
				cancel()
				return err
			}

			if err := conn.Send(ctx, toDeviceID, convID, []byte(message)); err != nil {
				cancel()
				return fmt.Errorf("send: %w", err)
			}

			if err := saveManager(store, mgr, passphrase); err != nil {
				return fmt.Errorf("persist identity: %w", err)
			}

			fmt.Println("sent")
			cancel()
			<-runDone
			return nil
		},
	}
	return cmd
}

func waitConnected(ctx context.Context, conn *client.Conn, timeout time.Duration) error {
	deadline := time.After(timeout)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if conn.State() == client.Connected {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("timed out waiting for relay attach")
		case <-ticker.C:
		}
	}
}
