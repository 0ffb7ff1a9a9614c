package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/occigate/occigate/pkg/engine"
)

var (
	// Global flags
	configPath string
	jsonOutput bool
	identity   string
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

// ExitCode maps an error to the process exit status.
func ExitCode(err error) int {
	switch engine.KindOf(err) {
	case engine.KindValidation, engine.KindMalformedIdentifier:
		return 2
	case engine.KindEntityNotFound:
		return 3
	case engine.KindEntityState:
		return 4
	case engine.KindNotImplemented:
		return 5
	case engine.KindAuthentication, engine.KindAuthorization:
		return 6
	default:
		return 1
	}
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "occigate",
		Short: "occigate - OCCI gateway over pluggable cloud backends",
		Long: `occigate serves OCCI infrastructure kinds (compute, network, storage,
their links, security groups and IP reservations) on top of a configured
cloud backend.

Backends:
  - dummy: SQLite-backed reference backend
  - opennebula: orchestrator reached over gRPC
  - ec2: EC2-compatible API

The secret belonging to --identity is read from OCCIGATE_SECRET.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&identity, "identity", "", "backend identity (user name or access key)")

	rootCmd.AddCommand(newBackendsCommand())
	rootCmd.AddCommand(newKindsCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newShowCommand())
	rootCmd.AddCommand(newCreateCommand())
	rootCmd.AddCommand(newUpdateCommand())
	rootCmd.AddCommand(newDeleteCommand())
	rootCmd.AddCommand(newTriggerCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newPoliciesCommand())

	return rootCmd
}
