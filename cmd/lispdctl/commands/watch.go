package commands

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"connectrpc.com/connect"
	"github.com/spf13/cobra"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dantte-lp/lispd/internal/server"
)

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream map-cache state transitions",
		Long:  "Connects to the lispd daemon and streams map-cache FSM transitions until interrupted (Ctrl+C).",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			client := connect.NewClient[structpb.Struct, structpb.Struct](httpClient, baseURL+server.ProcedureWatchMapCacheEvents)

			stream, err := client.CallServerStream(ctx, connect.NewRequest(&structpb.Struct{}))
			if err != nil {
				return fmt.Errorf("watch map-cache events: %w", err)
			}
			defer stream.Close()

			for stream.Receive() {
				out, fmtErr := formatEvent(stream.Msg(), outputFormat)
				if fmtErr != nil {
					return fmt.Errorf("format event: %w", fmtErr)
				}
				fmt.Println(out)
			}

			if err := stream.Err(); err != nil {
				// Context cancellation (Ctrl+C) is expected, not an error.
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return fmt.Errorf("stream error: %w", err)
			}

			return nil
		},
	}
}
