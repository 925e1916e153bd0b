package commands

import (
	"context"
	"fmt"

	"connectrpc.com/connect"
	"github.com/spf13/cobra"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dantte-lp/lispd/internal/server"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show a summary of the resolution subsystem's current state",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			client := connect.NewClient[structpb.Struct, structpb.Struct](httpClient, baseURL+server.ProcedureStatus)

			resp, err := client.CallUnary(context.Background(), connect.NewRequest(&structpb.Struct{}))
			if err != nil {
				return fmt.Errorf("status: %w", err)
			}

			out, err := formatStatus(resp.Msg, outputFormat)
			if err != nil {
				return fmt.Errorf("format status: %w", err)
			}

			fmt.Print(out)
			return nil
		},
	}
}
