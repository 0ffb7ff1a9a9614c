package backend

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/occigate/occigate/pkg/engine"
	"github.com/occigate/occigate/pkg/schema"
	"github.com/occigate/occigate/pkg/telemetry"
)

// APIVersion is the adapter contract version this gateway implements.
const APIVersion = "3.0.0"

// Options is the backend section of the gateway configuration.
type Options struct {
	// Type selects the backend, e.g. "opennebula".
	Type string `yaml:"type" validate:"required,oneof=dummy opennebula ec2"`

	// Endpoint is the native API endpoint.
	Endpoint string `yaml:"endpoint" validate:"required_if=Type opennebula"`

	// Region is used by region-scoped backends.
	Region string `yaml:"region" validate:"required_if=Type ec2"`

	// Timeout bounds every native call. Zero means no extra bound.
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`

	// WaitStep is the poll interval of state convergence waits.
	WaitStep time.Duration `yaml:"wait_step" validate:"gte=0"`

	// WaitTimeout bounds state convergence waits.
	WaitTimeout time.Duration `yaml:"wait_timeout" validate:"gte=0"`

	// Settings holds backend-specific options.
	Settings map[string]string `yaml:"settings"`
}

// Setting returns a backend-specific option or def.
func (o Options) Setting(key, def string) string {
	if v, ok := o.Settings[key]; ok && v != "" {
		return v
	}
	return def
}

// Deps is everything a constructor may use.
type Deps struct {
	BackendType string
	Subtype     string
	Options     Options
	Credentials engine.Credentials

	// Resolver reaches adapters for other subtypes of the same session.
	Resolver engine.Resolver

	Schema    *schema.Registry
	Telemetry *telemetry.Telemetry
	Logger    *telemetry.Logger

	// Clock drives convergence waits. Nil means the wall clock.
	Clock engine.Clock
}

// ProxyConfig configures a Proxy.
type ProxyConfig struct {
	Registry    *Registry
	Options     Options
	Credentials engine.Credentials
	Schema      *schema.Registry
	Telemetry   *telemetry.Telemetry

	// RequiredVersion overrides APIVersion. Tests use it.
	RequiredVersion string

	Clock engine.Clock
}

// Proxy hands out adapters for one client session. Adapters are built on
// first use and cached until Flush.
type Proxy struct {
	cfg      ProxyConfig
	required engine.VersionSpec
	logger   *telemetry.Logger

	mu       sync.Mutex
	cache    map[string]engine.Adapter
	warnings []string
}

// NewProxy validates the configured backend type and returns a proxy with
// an empty cache.
func NewProxy(cfg ProxyConfig) (*Proxy, error) {
	if cfg.Registry == nil {
		return nil, engine.NewBackendLoadError("no adapter registry configured", nil)
	}
	if err := cfg.Registry.Validate(cfg.Options.Type); err != nil {
		return nil, err
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = telemetry.Nop()
	}
	if cfg.Schema == nil {
		s, err := schema.New()
		if err != nil {
			return nil, engine.NewBackendLoadError("failed to load kind declarations", err)
		}
		cfg.Schema = s
	}

	version := cfg.RequiredVersion
	if version == "" {
		version = APIVersion
	}
	required, err := engine.ParseVersion(version)
	if err != nil {
		return nil, err
	}

	return &Proxy{
		cfg:      cfg,
		required: required,
		logger: cfg.Telemetry.Logger.NewComponentLogger("proxy").
			WithField("backend", cfg.Options.Type).
			WithIdentity(cfg.Credentials.Fingerprint()),
		cache: make(map[string]engine.Adapter),
	}, nil
}

// BackendType returns the configured backend type.
func (p *Proxy) BackendType() string {
	return p.cfg.Options.Type
}

// Schema returns the kind and mixin declarations shared by the session.
func (p *Proxy) Schema() *schema.Registry {
	return p.cfg.Schema
}

// Subtypes returns the subtypes the configured backend implements.
func (p *Proxy) Subtypes() []string {
	return p.cfg.Registry.Subtypes(p.cfg.Options.Type)
}

// Resolve returns the adapter for subtype, constructing it on first use.
// Repeated calls return the identical instance until Flush.
func (p *Proxy) Resolve(subtype string) (engine.Adapter, error) {
	backendType := p.cfg.Options.Type

	p.mu.Lock()
	if a, ok := p.cache[subtype]; ok {
		p.mu.Unlock()
		p.cfg.Telemetry.Metrics.RecordAdapterCacheHit(backendType, subtype)
		return a, nil
	}
	p.mu.Unlock()

	construct, err := p.cfg.Registry.Lookup(backendType, subtype)
	if err != nil {
		return nil, err
	}

	// Constructors may call back into Resolve, so the lock is not held here.
	adapter, err := construct(Deps{
		BackendType: backendType,
		Subtype:     subtype,
		Options:     p.cfg.Options,
		Credentials: p.cfg.Credentials,
		Resolver:    p,
		Schema:      p.cfg.Schema,
		Telemetry:   p.cfg.Telemetry,
		Logger:      p.cfg.Telemetry.Logger.WithBackend(backendType, subtype),
		Clock:       p.cfg.Clock,
	})
	if err != nil {
		if engine.KindOf(err) != "" {
			return nil, err
		}
		return nil, engine.NewBackendLoadError(fmt.Sprintf("failed to construct %s/%s adapter", backendType, subtype), err)
	}

	if err := p.checkVersion(subtype, adapter.Descriptor()); err != nil {
		closeAdapter(adapter)
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.cache[subtype]; ok {
		closeAdapter(adapter)
		return existing, nil
	}
	p.cache[subtype] = adapter
	p.cfg.Telemetry.Metrics.RecordAdapterConstruction(backendType, subtype)
	p.logger.WithField("subtype", subtype).Debug("adapter constructed")
	return adapter, nil
}

func (p *Proxy) checkVersion(subtype string, desc engine.AdapterDescriptor) error {
	ok, warn := engine.IsCompatible(p.required, desc.APIVersion)
	if !ok {
		err := engine.NewBackendVersionMismatchError(p.required, desc.APIVersion)
		p.logger.WithField("subtype", subtype).WithError(err).Error("adapter rejected")
		return err
	}
	if warn {
		msg := fmt.Sprintf("%s/%s adapter reports API version %s, gateway implements %s",
			p.cfg.Options.Type, subtype, desc.APIVersion, p.required)
		p.mu.Lock()
		p.warnings = append(p.warnings, msg)
		p.mu.Unlock()
		p.cfg.Telemetry.Metrics.RecordVersionWarning(p.cfg.Options.Type, subtype)
		p.logger.WithField("subtype", subtype).Warn(msg)
	}
	return nil
}

// Warnings returns the minor version mismatches seen so far.
func (p *Proxy) Warnings() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.warnings...)
}

// Cached returns the subtypes with a cached adapter, sorted.
func (p *Proxy) Cached() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.cache))
	for s := range p.cache {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Flush empties the cache. Adapters implementing io.Closer are closed; the
// next Resolve constructs fresh instances.
func (p *Proxy) Flush() error {
	p.mu.Lock()
	cached := p.cache
	p.cache = make(map[string]engine.Adapter)
	p.mu.Unlock()

	var errs error
	for subtype, a := range cached {
		if c, ok := a.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("close %s adapter: %w", subtype, err))
			}
		}
	}
	return errs
}

func closeAdapter(a engine.Adapter) {
	if c, ok := a.(io.Closer); ok {
		_ = c.Close()
	}
}
