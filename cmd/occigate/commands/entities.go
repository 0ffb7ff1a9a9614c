package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/occigate/occigate/pkg/engine"
)

func newListCommand() *cobra.Command {
	var (
		filters []string
		mixins  []string
		idsOnly bool
	)

	cmd := &cobra.Command{
		Use:   "list <kind>",
		Short: "List entities of a kind",
		Example: `  # List all compute instances
  occigate list compute

  # List active networks by ID only
  occigate list network --filter occi.network.state=active --ids`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := parseFilter(filters, mixins)
			if err != nil {
				return err
			}
			return withGateway(cmd.Context(), func(g *gateway) error {
				a, err := g.adapter(args[0])
				if err != nil {
					return err
				}
				if idsOnly {
					ids, err := a.Identifiers(cmd.Context(), filter)
					if err != nil {
						return err
					}
					return printOutput(cmd.OutOrStdout(), ids)
				}
				entities, err := a.List(cmd.Context(), filter)
				if err != nil {
					return err
				}
				return printOutput(cmd.OutOrStdout(), entities)
			})
		},
	}

	cmd.Flags().StringSliceVar(&filters, "filter", nil, "attribute filter name=value (repeatable)")
	cmd.Flags().StringSliceVar(&mixins, "mixin", nil, "required mixin ID (repeatable)")
	cmd.Flags().BoolVar(&idsOnly, "ids", false, "print identifiers only")

	return cmd
}

func newShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <kind> <id>",
		Short: "Show one entity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGateway(cmd.Context(), func(g *gateway) error {
				a, err := g.adapter(args[0])
				if err != nil {
					return err
				}
				e, err := a.Instance(cmd.Context(), args[1])
				if err != nil {
					return err
				}
				return printOutput(cmd.OutOrStdout(), e)
			})
		},
	}
}

func newCreateCommand() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "create <kind> -f entity.yaml",
		Short: "Create an entity",
		Long: `Create an entity from a YAML or JSON document.

Template mixins fill their default attributes, then the entity is checked
against the kind's attribute declarations and the restriction rules before
it reaches the backend.`,
		Example: `  occigate create compute -f web.yaml
  cat link.json | occigate create networkinterface -f -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := readEntity(file, cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			return withGateway(cmd.Context(), func(g *gateway) error {
				a, err := g.adapter(e.Kind)
				if err != nil {
					return err
				}
				if err := g.admit(cmd.Context(), e); err != nil {
					return err
				}
				id, err := a.Create(cmd.Context(), e)
				if err != nil {
					return err
				}
				log.Info().Str("kind", e.Kind).Str("id", id).Msg("Entity created")
				created, err := a.Instance(cmd.Context(), id)
				if err != nil {
					return err
				}
				return printOutput(cmd.OutOrStdout(), created)
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "entity document (- for stdin)")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func newUpdateCommand() *cobra.Command {
	var (
		file    string
		partial bool
		sets    []string
		mixins  []string
	)

	cmd := &cobra.Command{
		Use:   "update <kind> <id>",
		Short: "Replace or partially update an entity",
		Long: `Replace an entity with a full document (-f), or merge attribute and
mixin fragments into it (--partial with --set and --mixin).`,
		Example: `  occigate update compute 42 -f web.yaml
  occigate update compute 42 --partial --set occi.core.title=api`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, id := args[0], args[1]
			return withGateway(cmd.Context(), func(g *gateway) error {
				a, err := g.adapter(kind)
				if err != nil {
					return err
				}

				var updated *engine.Entity
				if partial {
					attrs, err := parseAssignments(sets)
					if err != nil {
						return err
					}
					fragments, err := g.admitFragments(cmd.Context(), a, kind, id, engine.Fragments{Attributes: attrs, Mixins: mixins})
					if err != nil {
						return err
					}
					if updated, err = a.PartialUpdate(cmd.Context(), id, fragments); err != nil {
						return err
					}
				} else {
					if file == "" {
						return engine.NewValidationError("a full update needs --file", nil)
					}
					e, err := readEntity(file, cmd.InOrStdin(), kind)
					if err != nil {
						return err
					}
					e.ID = id
					if err := g.admit(cmd.Context(), e); err != nil {
						return err
					}
					if updated, err = a.Update(cmd.Context(), id, e); err != nil {
						return err
					}
				}
				return printOutput(cmd.OutOrStdout(), updated)
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "entity document (- for stdin)")
	cmd.Flags().BoolVar(&partial, "partial", false, "merge fragments instead of replacing")
	cmd.Flags().StringSliceVar(&sets, "set", nil, "attribute name=value for --partial (repeatable)")
	cmd.Flags().StringSliceVar(&mixins, "mixin", nil, "mixin ID to attach for --partial (repeatable)")

	return cmd
}

func newDeleteCommand() *cobra.Command {
	var (
		all     bool
		filters []string
	)

	cmd := &cobra.Command{
		Use:   "delete <kind> [id]",
		Short: "Delete one entity, or every entity matching a filter",
		Example: `  occigate delete storage 7
  occigate delete compute --all --filter occi.compute.state=inactive`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 2) {
				return engine.NewValidationError("give either an id or --all", nil)
			}
			filter, err := parseFilter(filters, nil)
			if err != nil {
				return err
			}
			return withGateway(cmd.Context(), func(g *gateway) error {
				a, err := g.adapter(args[0])
				if err != nil {
					return err
				}
				if !all {
					deleted, err := a.Delete(cmd.Context(), args[1])
					if err != nil {
						return err
					}
					return printOutput(cmd.OutOrStdout(), []string{deleted})
				}
				deleted, err := engine.DeleteAll(cmd.Context(), a, filter)
				if perr := printOutput(cmd.OutOrStdout(), deleted); perr != nil {
					return perr
				}
				return err
			})
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "delete every matching entity")
	cmd.Flags().StringSliceVar(&filters, "filter", nil, "attribute filter name=value for --all (repeatable)")

	return cmd
}

// triggerOutcome is the printed result of one action invocation.
type triggerOutcome struct {
	ID       string           `json:"id" yaml:"id"`
	Entities []*engine.Entity `json:"entities,omitempty" yaml:"entities,omitempty"`
	Error    string           `json:"error,omitempty" yaml:"error,omitempty"`
}

func newTriggerCommand() *cobra.Command {
	var (
		all     bool
		filters []string
		params  []string
	)

	cmd := &cobra.Command{
		Use:   "trigger <kind> <action> [id]",
		Short: "Trigger an action on one entity, or on every entity matching a filter",
		Long: `Trigger an action. With --all every matching entity is attempted even
when some fail; the per-entity outcomes are printed and the failures are
reported together.`,
		Example: `  occigate trigger compute stop 42
  occigate trigger storage backup 7 --param occi.core.title=nightly
  occigate trigger compute start --all --filter occi.compute.state=inactive`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 3) {
				return engine.NewValidationError("give either an id or --all", nil)
			}
			attrs, err := parseAssignments(params)
			if err != nil {
				return err
			}
			action := engine.ActionInstance{Action: args[1], Attributes: attrs}
			filter, err := parseFilter(filters, nil)
			if err != nil {
				return err
			}

			return withGateway(cmd.Context(), func(g *gateway) error {
				a, err := g.adapter(args[0])
				if err != nil {
					return err
				}
				if !all {
					entities, err := a.Trigger(cmd.Context(), args[2], action)
					if err != nil {
						return err
					}
					return printOutput(cmd.OutOrStdout(), entities)
				}

				results, err := engine.TriggerAll(cmd.Context(), a, action, filter)
				outcomes := make([]triggerOutcome, 0, len(results))
				for _, r := range results {
					o := triggerOutcome{ID: r.ID, Entities: r.Entities}
					if r.Err != nil {
						o.Error = r.Err.Error()
					}
					outcomes = append(outcomes, o)
				}
				if perr := printOutput(cmd.OutOrStdout(), outcomes); perr != nil {
					return perr
				}
				if err != nil {
					return fmt.Errorf("%s failed on some entities: %w", action.Action, err)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "trigger on every matching entity")
	cmd.Flags().StringSliceVar(&filters, "filter", nil, "attribute filter name=value for --all (repeatable)")
	cmd.Flags().StringSliceVar(&params, "param", nil, "action parameter name=value (repeatable)")

	return cmd
}
