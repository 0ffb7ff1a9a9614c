package commands

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	"github.com/occigate/occigate/pkg/backend"
	"github.com/occigate/occigate/pkg/backends/dummy"
	"github.com/occigate/occigate/pkg/backends/ec2"
	"github.com/occigate/occigate/pkg/backends/opennebula"
	"github.com/occigate/occigate/pkg/config"
	"github.com/occigate/occigate/pkg/engine"
	"github.com/occigate/occigate/pkg/restrict"
	"github.com/occigate/occigate/pkg/schema"
	"github.com/occigate/occigate/pkg/telemetry"
)

// SecretEnv holds the secret for --identity.
const SecretEnv = "OCCIGATE_SECRET"

// defaultDummyDSN keeps dummy state between CLI invocations.
const defaultDummyDSN = "occigate.db"

// gateway is one CLI session: configuration, schema, restrictions and a
// proxy bound to the caller's credentials.
type gateway struct {
	cfg       *config.Config
	tel       *telemetry.Telemetry
	schema    *schema.Registry
	validator *restrict.Validator
	policies  *restrict.Loader
	proxy     *backend.Proxy
	dummy     *dummy.Backend
}

// newRegistry registers every built-in backend.
func newRegistry() (*backend.Registry, *dummy.Backend) {
	reg := backend.NewRegistry()
	d := dummy.New()
	d.Register(reg)
	opennebula.New().Register(reg)
	ec2.New().Register(reg)
	return reg, d
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Backend.Type == dummy.BackendType && cfg.Backend.Setting("dsn", "") == "" {
		if cfg.Backend.Settings == nil {
			cfg.Backend.Settings = map[string]string{}
		}
		cfg.Backend.Settings["dsn"] = defaultDummyDSN
	}
	return cfg, nil
}

// newSchema loads the built-in kinds plus the configured mixin files.
func newSchema(cfg *config.Config) (*schema.Registry, error) {
	s, err := schema.New()
	if err != nil {
		return nil, fmt.Errorf("failed to load kinds: %w", err)
	}
	for _, path := range cfg.Schema.MixinFiles {
		if err := s.LoadMixins(path); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// newValidator builds the restriction validator and loads the configured
// policies.
func newValidator(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry, s *schema.Registry) (*restrict.Validator, *restrict.Loader, error) {
	var rules []restrict.Rule
	if !cfg.Restrictions.DisableDefaults {
		rules = restrict.DefaultRules(s)
	}
	v := restrict.NewValidator(tel, rules...)

	loader := restrict.NewLoader(tel.Logger, cfg.Restrictions.PolicyPaths...)
	if err := loader.Apply(ctx, v); err != nil {
		return nil, nil, fmt.Errorf("failed to load policies: %w", err)
	}
	return v, loader, nil
}

// openGateway wires a full session from the configuration.
func openGateway(ctx context.Context) (*gateway, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	s, err := newSchema(cfg)
	if err != nil {
		return nil, err
	}

	v, loader, err := newValidator(ctx, cfg, tel, s)
	if err != nil {
		return nil, err
	}

	reg, d := newRegistry()
	proxy, err := backend.NewProxy(backend.ProxyConfig{
		Registry:    reg,
		Options:     cfg.Backend,
		Credentials: engine.Credentials{Identity: identity, Secret: os.Getenv(SecretEnv)},
		Schema:      s,
		Telemetry:   tel,
	})
	if err != nil {
		_ = d.Close()
		return nil, err
	}

	return &gateway{
		cfg:       cfg,
		tel:       tel,
		schema:    s,
		validator: v,
		policies:  loader,
		proxy:     proxy,
		dummy:     d,
	}, nil
}

func (g *gateway) adapter(kind string) (engine.Adapter, error) {
	if _, ok := g.schema.Kind(kind); !ok {
		return nil, engine.NewValidationError("unknown kind "+kind, nil)
	}
	return g.proxy.Resolve(kind)
}

// admit fills template defaults and runs the schema and restriction checks
// every entity passes before it reaches a backend.
func (g *gateway) admit(ctx context.Context, e *engine.Entity) error {
	if err := g.schema.AttachMixins(e); err != nil {
		return err
	}
	if err := g.schema.CheckAttributes(e); err != nil {
		return err
	}
	return g.validator.Validate(ctx, e)
}

// admitFragments merges fragments into the current state of id and admits
// the result like a full update. It returns the fragments with --set values
// converted to their declared types.
func (g *gateway) admitFragments(ctx context.Context, a engine.Adapter, kind, id string, fragments engine.Fragments) (engine.Fragments, error) {
	current, err := a.Instance(ctx, id)
	if err != nil {
		return fragments, err
	}

	merged := engine.NewEntity(kind)
	merged.ID = current.ID
	merged.Title = current.Title
	merged.Summary = current.Summary
	merged.Source = current.Source
	merged.Target = current.Target
	merged.TargetKind = current.TargetKind
	merged.Attributes = current.Attributes.Clone()
	merged.AddMixins(current.Mixins...)
	merged.AddMixins(fragments.Mixins...)

	attrs, err := g.typed(kind, merged.Mixins, fragments.Attributes)
	if err != nil {
		return fragments, err
	}
	delete(attrs, engine.AttrID)
	merged.Attach(attrs)

	if err := g.admit(ctx, merged); err != nil {
		return fragments, err
	}
	return engine.Fragments{Attributes: attrs, Mixins: fragments.Mixins}, nil
}

// typed converts string values to the attribute types declared for kind
// and mixins. Undeclared attributes are left for CheckAttributes to reject.
func (g *gateway) typed(kind string, mixins []string, attrs engine.Attributes) (engine.Attributes, error) {
	out := make(engine.Attributes, len(attrs))
	for name, v := range attrs {
		out[name] = v
		s, ok := v.(string)
		def, declared := g.schema.Definition(kind, mixins, name)
		if !ok || !declared {
			continue
		}
		var err error
		switch def.Type {
		case schema.TypeInteger:
			out[name], err = strconv.Atoi(s)
		case schema.TypeFloat:
			out[name], err = strconv.ParseFloat(s, 64)
		case schema.TypeBoolean:
			out[name], err = strconv.ParseBool(s)
		}
		if err != nil {
			return nil, engine.NewValidationError(fmt.Sprintf("attribute must be of type %s", def.Type), err).
				WithAttribute(name)
		}
	}
	return out, nil
}

func (g *gateway) Close(ctx context.Context) error {
	for _, w := range g.proxy.Warnings() {
		log.Warn().Msg(w)
	}
	err := multierr.Combine(
		g.proxy.Flush(),
		g.policies.Close(),
		g.dummy.Close(),
		g.tel.Shutdown(ctx),
	)
	return err
}

// withGateway opens a gateway, runs fn and closes the gateway.
func withGateway(ctx context.Context, fn func(g *gateway) error) (err error) {
	g, err := openGateway(ctx)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, g.Close(context.WithoutCancel(ctx)))
	}()
	return fn(g)
}
