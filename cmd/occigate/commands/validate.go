package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/occigate/occigate/pkg/restrict"
)

// validationReport is the printed result of a dry-run admission.
type validationReport struct {
	Kind       string               `json:"kind" yaml:"kind"`
	Valid      bool                 `json:"valid" yaml:"valid"`
	Error      string               `json:"error,omitempty" yaml:"error,omitempty"`
	Violations []restrict.Violation `json:"violations,omitempty" yaml:"violations,omitempty"`
}

func newValidateCommand() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:     "validate -f entity.yaml",
		Short:   "Check an entity against the schema and restrictions without creating it",
		Example: `  occigate validate -f web.yaml`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := readEntity(file, cmd.InOrStdin(), "")
			if err != nil {
				return err
			}
			return withGateway(cmd.Context(), func(g *gateway) error {
				report := validationReport{Kind: e.Kind, Valid: true}
				admitErr := g.admit(cmd.Context(), e)
				if admitErr != nil {
					report.Valid = false
					report.Error = admitErr.Error()
					report.Violations = restrict.Violations(admitErr)
				}
				if err := printOutput(cmd.OutOrStdout(), report); err != nil {
					return err
				}
				if admitErr == nil {
					log.Info().Str("kind", e.Kind).Msg("Entity is valid")
				}
				return admitErr
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "entity document (- for stdin)")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}
