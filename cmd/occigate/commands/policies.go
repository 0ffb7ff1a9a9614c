package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// policyInfo describes one loaded Rego policy.
type policyInfo struct {
	Name        string `json:"name" yaml:"name"`
	Kind        string `json:"kind,omitempty" yaml:"kind,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Source      string `json:"source" yaml:"source"`
}

// policyReport lists the policies and the checks applied per kind.
type policyReport struct {
	Policies []policyInfo        `json:"policies" yaml:"policies"`
	Rules    map[string][]string `json:"rules" yaml:"rules"`
}

func newPoliciesCommand() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "policies",
		Short: "Show the restriction rules and policies in effect",
		Long: `Show the built-in restriction rules and the Rego policies loaded from
restrictions.policy_paths, grouped by kind.

With --watch the policy paths are watched and reloaded on change until
interrupted; a policy that fails to compile keeps the previous set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGateway(cmd.Context(), func(g *gateway) error {
				report := policyReport{Rules: map[string][]string{}}
				for _, p := range g.validator.Policies() {
					report.Policies = append(report.Policies, policyInfo{
						Name:        p.Name,
						Kind:        p.Kind,
						Description: p.Description,
						Source:      p.Source,
					})
				}
				for _, k := range g.schema.Kinds() {
					if rules := g.validator.Rules(k.Term); len(rules) > 0 {
						report.Rules[k.Term] = rules
					}
				}
				if err := printOutput(cmd.OutOrStdout(), report); err != nil {
					return err
				}

				if !watch && !g.cfg.Restrictions.Watch {
					return nil
				}
				if err := g.policies.Watch(cmd.Context(), g.validator); err != nil {
					return err
				}
				if err := g.tel.StartMetricsServer(); err != nil {
					return err
				}
				log.Info().Msg("Watching policies, press Ctrl+C to stop")
				<-cmd.Context().Done()
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "reload policies on change until interrupted")

	return cmd
}
