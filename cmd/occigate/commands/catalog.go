package commands

import (
	"sort"

	"github.com/spf13/cobra"

	"github.com/occigate/occigate/pkg/engine"
)

// backendInfo describes one registered backend.
type backendInfo struct {
	Type       string   `json:"type" yaml:"type"`
	Subtypes   []string `json:"subtypes" yaml:"subtypes"`
	Configured bool     `json:"configured" yaml:"configured"`
}

func newBackendsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "backends",
		Short: "List the built-in backends and the subtypes they serve",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			reg, d := newRegistry()
			defer d.Close()

			var out []backendInfo
			for _, name := range reg.Backends() {
				out = append(out, backendInfo{
					Type:       name,
					Subtypes:   reg.Subtypes(name),
					Configured: name == cfg.Backend.Type,
				})
			}
			return printOutput(cmd.OutOrStdout(), out)
		},
	}
}

// kindInfo describes one kind with the mixins that may be attached to it.
type kindInfo struct {
	Term       string   `json:"term" yaml:"term"`
	Scheme     string   `json:"scheme" yaml:"scheme"`
	Title      string   `json:"title" yaml:"title"`
	Parent     string   `json:"parent" yaml:"parent"`
	Location   string   `json:"location" yaml:"location"`
	Attributes []string `json:"attributes" yaml:"attributes"`
	Actions    []string `json:"actions,omitempty" yaml:"actions,omitempty"`
	Mixins     []string `json:"mixins,omitempty" yaml:"mixins,omitempty"`
}

func newKindsCommand() *cobra.Command {
	var templates string

	cmd := &cobra.Command{
		Use:   "kinds [kind]",
		Short: "Show the kinds, their attributes, actions and applicable mixins",
		Example: `  occigate kinds
  occigate kinds compute
  occigate kinds --templates os_tpl`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			s, err := newSchema(cfg)
			if err != nil {
				return err
			}

			if templates != "" {
				var ids []string
				for _, m := range s.Templates(templates) {
					ids = append(ids, m.ID())
				}
				return printOutput(cmd.OutOrStdout(), ids)
			}

			var out []kindInfo
			for _, k := range s.Kinds() {
				if len(args) == 1 && k.Term != args[0] {
					continue
				}
				info := kindInfo{
					Term:     k.Term,
					Scheme:   k.Scheme,
					Title:    k.Title,
					Parent:   k.Parent,
					Location: k.Location,
					Actions:  s.Actions(k.Term),
				}
				for name := range k.Attributes {
					info.Attributes = append(info.Attributes, name)
				}
				sort.Strings(info.Attributes)
				for _, m := range s.Mixins() {
					if m.AppliesTo(k.Term) {
						info.Mixins = append(info.Mixins, m.ID())
					}
				}
				out = append(out, info)
			}
			if len(args) == 1 && len(out) == 0 {
				return engine.NewValidationError("unknown kind "+args[0], nil)
			}
			return printOutput(cmd.OutOrStdout(), out)
		},
	}

	cmd.Flags().StringVar(&templates, "templates", "", "list the template mixins depending on this parent (os_tpl, resource_tpl)")

	return cmd
}
