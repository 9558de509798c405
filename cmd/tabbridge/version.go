package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tabbridge/tabbridge/internal/wire"
)

// VersionCmd creates the version command
func VersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the bridge and protocol versions",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tabbridge %s (protocol %s)\n", Version, wire.ProtocolVersion)
		},
	}
}
