package commands

import (
	"context"
	"errors"
	"fmt"

	"connectrpc.com/connect"
	"github.com/spf13/cobra"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dantte-lp/lispd/internal/server"
)

// errPrefixRequired indicates a command needing an EID prefix argument
// was not given one.
var errPrefixRequired = errors.New("eid prefix argument is required")

func mapCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mapcache",
		Short: "Inspect and manage the resolution map-cache",
	}

	cmd.AddCommand(mapCacheListCmd())
	cmd.AddCommand(mapCacheShowCmd())
	cmd.AddCommand(mapCacheInvalidateCmd())

	return cmd
}

// --- mapcache list ---

func mapCacheListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every map-cache entry",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			client := connect.NewClient[structpb.Struct, structpb.Struct](httpClient, baseURL+server.ProcedureListMapCache)

			resp, err := client.CallUnary(context.Background(), connect.NewRequest(&structpb.Struct{}))
			if err != nil {
				return fmt.Errorf("list map-cache: %w", err)
			}

			out, err := formatEntryList(resp.Msg, outputFormat)
			if err != nil {
				return fmt.Errorf("format map-cache entries: %w", err)
			}

			fmt.Print(out)
			return nil
		},
	}
}

// --- mapcache show ---

func mapCacheShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <eid-prefix>",
		Short: "Show the map-cache entry for exactly the given prefix",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if args[0] == "" {
				return errPrefixRequired
			}

			req, err := prefixRequest(args[0])
			if err != nil {
				return err
			}

			client := connect.NewClient[structpb.Struct, structpb.Struct](httpClient, baseURL+server.ProcedureShowMapCache)

			resp, err := client.CallUnary(context.Background(), req)
			if err != nil {
				return fmt.Errorf("show map-cache entry: %w", err)
			}

			out, err := formatEntry(resp.Msg, outputFormat)
			if err != nil {
				return fmt.Errorf("format map-cache entry: %w", err)
			}

			fmt.Print(out)
			return nil
		},
	}
}

// --- mapcache invalidate ---

func mapCacheInvalidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "invalidate <eid-prefix>",
		Short: "Explicitly invalidate a map-cache entry and re-request it",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if args[0] == "" {
				return errPrefixRequired
			}

			req, err := prefixRequest(args[0])
			if err != nil {
				return err
			}

			client := connect.NewClient[structpb.Struct, structpb.Struct](httpClient, baseURL+server.ProcedureInvalidateMapCache)

			if _, err := client.CallUnary(context.Background(), req); err != nil {
				return fmt.Errorf("invalidate map-cache entry: %w", err)
			}

			fmt.Printf("Entry %s invalidated.\n", args[0])
			return nil
		},
	}
}

// prefixRequest builds a one-field request carrying the "prefix" string.
func prefixRequest(prefix string) (*connect.Request[structpb.Struct], error) {
	s, err := structpb.NewStruct(map[string]any{"prefix": prefix})
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	return connect.NewRequest(s), nil
}
