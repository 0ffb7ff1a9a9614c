package dummy

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/occigate/occigate/pkg/backend"
	"github.com/occigate/occigate/pkg/engine"
	"github.com/occigate/occigate/pkg/schema"
	"github.com/occigate/occigate/pkg/stores"
)

// actionHandler performs an enabled action on a record and returns the
// records it touched, the target first.
type actionHandler func(ctx context.Context, a *resourceAdapter, rec *stores.Record, action engine.ActionInstance) ([]*stores.Record, error)

// resourceKind describes one resource subtype of the dummy cloud.
type resourceKind struct {
	subtype   string
	initial   string
	lifecycle engine.Lifecycle

	// transitions maps plain actions to the native state they lead to.
	transitions map[string]string

	// handlers override transitions for actions with side effects.
	handlers map[string]actionHandler

	// guarded resources cannot be deleted while something is attached to them.
	guarded bool

	// prepare fills native-assigned attributes on creation.
	prepare func(rec *stores.Record)
}

func resourceKinds() []resourceKind {
	return []resourceKind{
		{
			subtype: engine.SubtypeCompute,
			initial: "RUNNING",
			lifecycle: engine.Lifecycle{
				StateAttribute: "occi.compute.state",
				States: engine.StateMap{
					Table: map[string]string{
						"RUNNING":   engine.StateActive,
						"STOPPED":   engine.StateInactive,
						"SUSPENDED": engine.StateSuspended,
						"PENDING":   engine.StateWaiting,
					},
					Overrides: []engine.StateOverride{
						{Pattern: regexp.MustCompile(`^FAIL`), State: engine.StateError},
					},
				},
				Partition: engine.ActionPartition{
					ActiveStates: []string{engine.StateActive},
					Active:       []string{"stop", "restart", "suspend"},
					Inactive:     []string{"start"},
					Never:        []string{engine.StateError, engine.StateWaiting},
				},
			},
			transitions: map[string]string{
				"start":   "RUNNING",
				"stop":    "STOPPED",
				"restart": "RUNNING",
				"suspend": "SUSPENDED",
			},
			prepare: func(rec *stores.Record) {
				if _, ok := rec.Attributes["occi.compute.hostname"]; !ok && rec.Name != "" {
					rec.Attributes["occi.compute.hostname"] = rec.Name
				}
			},
		},
		{
			subtype: engine.SubtypeNetwork,
			initial: "UP",
			lifecycle: engine.Lifecycle{
				StateAttribute: "occi.network.state",
				States: engine.StateMap{
					Table: map[string]string{"UP": engine.StateActive, "DOWN": engine.StateInactive},
					Overrides: []engine.StateOverride{
						{Pattern: regexp.MustCompile(`^ERROR`), State: engine.StateError},
					},
				},
				Partition: engine.ActionPartition{
					ActiveStates: []string{engine.StateActive},
					Active:       []string{"down"},
					Inactive:     []string{"up"},
					Never:        []string{engine.StateError},
				},
			},
			transitions: map[string]string{"up": "UP", "down": "DOWN"},
			guarded:     true,
		},
		{
			subtype: engine.SubtypeStorage,
			initial: "ONLINE",
			lifecycle: engine.Lifecycle{
				StateAttribute: "occi.storage.state",
				States: engine.StateMap{
					Table: map[string]string{"ONLINE": engine.StateOnline, "OFFLINE": engine.StateOffline},
					Overrides: []engine.StateOverride{
						{Pattern: regexp.MustCompile(`^ERROR`), State: engine.StateError},
					},
				},
				Partition: engine.ActionPartition{
					ActiveStates: []string{engine.StateOnline},
					Active:       []string{"offline", "backup", "snapshot", "resize"},
					Inactive:     []string{"online"},
					Never:        []string{engine.StateError},
				},
			},
			transitions: map[string]string{"online": "ONLINE", "offline": "OFFLINE"},
			handlers: map[string]actionHandler{
				"backup":   copyStorage,
				"snapshot": copyStorage,
				"resize":   resizeStorage,
			},
			guarded: true,
		},
		{
			subtype: engine.SubtypeSecurityGroup,
			initial: "ACTIVE",
			lifecycle: engine.Lifecycle{
				StateAttribute: "occi.securitygroup.state",
				States:         engine.StateMap{Table: map[string]string{"ACTIVE": engine.StateActive}},
			},
			guarded: true,
		},
		{
			subtype: engine.SubtypeIPReservation,
			initial: "RESERVED",
			lifecycle: engine.Lifecycle{
				StateAttribute: "occi.ipreservation.state",
				States:         engine.StateMap{Table: map[string]string{"RESERVED": engine.StateActive}},
			},
			prepare: func(rec *stores.Record) {
				id := uuid.MustParse(rec.ID)
				rec.Attributes["occi.ipreservation.address"] = fmt.Sprintf("198.51.100.%d", int(id[15])%250+2)
				rec.Attributes["occi.ipreservation.used"] = false
			},
		},
	}
}

type resourceAdapter struct {
	engine.Unimplemented
	*session

	kind   resourceKind
	schema *schema.Registry
}

func newResourceAdapter(b *Backend, deps backend.Deps, kind resourceKind) *resourceAdapter {
	s := deps.Schema
	if s == nil {
		s = schema.MustNew()
	}
	return &resourceAdapter{
		Unimplemented: engine.Unimplemented{Desc: descriptor(kind.subtype)},
		session:       newSession(b, deps),
		kind:          kind,
		schema:        s,
	}
}

var coreTable = engine.MapperTable[*stores.Record]{
	engine.Map(engine.AttrID, func(r *stores.Record) any { return r.ID }),
	engine.Map(engine.AttrTitle, func(r *stores.Record) any { return r.Name }),
	engine.Map(engine.AttrSummary, func(r *stores.Record) any { return r.Summary }),
}

// storedTable reads every attribute declared for the record's kind and
// mixins from its attribute blob, restoring declared numeric types.
func (a *resourceAdapter) storedTable(set engine.AttributeSet) engine.MapperTable[*stores.Record] {
	table := make(engine.MapperTable[*stores.Record], 0, len(set))
	for name := range set {
		table = append(table, engine.MapperEntry[*stores.Record]{
			Attribute: name,
			Transform: func(r *stores.Record) (any, error) {
				def, _ := a.schema.Definition(a.kind.subtype, r.Mixins, name)
				return restoreType(r.Attributes[name], def.Type)
			},
		})
	}
	return table
}

func (a *resourceAdapter) messageTable() engine.MapperTable[*stores.Record] {
	return engine.MapperTable[*stores.Record]{
		engine.Map(a.kind.lifecycle.StateAttribute+".message", func(r *stores.Record) any {
			if a.kind.lifecycle.States.Derive(r.State) != engine.StateError {
				return nil
			}
			return "native state " + r.State
		}),
	}
}

func (a *resourceAdapter) toEntity(rec *stores.Record) (*engine.Entity, error) {
	e := engine.NewEntity(a.kind.subtype)
	e.AddMixins(rec.Mixins...)

	set := a.schema.AttributeSet(a.kind.subtype, e.Mixins)
	attrs, err := engine.Transfer(rec, set, engine.TransferSpec[*stores.Record]{
		coreTable,
		a.storedTable(set),
		a.messageTable(),
	})
	if err != nil {
		return nil, err
	}
	e.Attach(attrs)
	a.kind.lifecycle.Apply(e, rec.State)
	return e, nil
}

func (a *resourceAdapter) toEntities(recs []*stores.Record) ([]*engine.Entity, error) {
	out := make([]*engine.Entity, 0, len(recs))
	for _, rec := range recs {
		e, err := a.toEntity(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (a *resourceAdapter) record(ctx context.Context, id string) (*stores.Record, error) {
	return call(ctx, a.session, "GetRecord", engine.KindConnection, func(ctx context.Context, db *stores.SQLiteStore) (*stores.Record, error) {
		return db.GetRecord(ctx, a.kind.subtype, id, a.owner)
	})
}

func (a *resourceAdapter) records(ctx context.Context) ([]*stores.Record, error) {
	return call(ctx, a.session, "ListRecords", engine.KindConnection, func(ctx context.Context, db *stores.SQLiteStore) ([]*stores.Record, error) {
		return db.ListRecords(ctx, a.kind.subtype, a.owner)
	})
}

func (a *resourceAdapter) save(ctx context.Context, rec *stores.Record) error {
	return exec(ctx, a.session, "UpdateRecord", engine.KindEntityState, func(ctx context.Context, db *stores.SQLiteStore) error {
		return db.UpdateRecord(ctx, rec)
	})
}

// Identifiers implements engine.Adapter.
func (a *resourceAdapter) Identifiers(ctx context.Context, filter engine.Filter) ([]string, error) {
	if filter.Empty() {
		recs, err := a.records(ctx)
		if err != nil {
			return nil, err
		}
		ids := make([]string, 0, len(recs))
		for _, rec := range recs {
			ids = append(ids, rec.ID)
		}
		return ids, nil
	}

	entities, err := a.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	return engine.IdentifiersOf(entities), nil
}

// List implements engine.Adapter.
func (a *resourceAdapter) List(ctx context.Context, filter engine.Filter) ([]*engine.Entity, error) {
	recs, err := a.records(ctx)
	if err != nil {
		return nil, err
	}
	entities, err := a.toEntities(recs)
	if err != nil {
		return nil, err
	}
	return engine.FilterEntities(entities, filter), nil
}

// Instance implements engine.Adapter.
func (a *resourceAdapter) Instance(ctx context.Context, id string) (*engine.Entity, error) {
	rec, err := a.record(ctx, id)
	if err != nil {
		return nil, err
	}
	return a.toEntity(rec)
}

// Exists implements engine.Exister.
func (a *resourceAdapter) Exists(ctx context.Context, id string) (bool, error) {
	_, err := a.record(ctx, id)
	switch {
	case err == nil:
		return true, nil
	case engine.IsNotFound(err):
		return false, nil
	default:
		return false, err
	}
}

// Create implements engine.Adapter.
func (a *resourceAdapter) Create(ctx context.Context, e *engine.Entity) (string, error) {
	rec := &stores.Record{
		ID:         uuid.NewString(),
		Subtype:    a.kind.subtype,
		Name:       e.Title,
		Summary:    e.Summary,
		State:      a.kind.initial,
		Attributes: a.nativeAttributes(e.Attributes, e.Mixins),
		Mixins:     e.Mixins,
		Owner:      a.owner,
	}
	if a.kind.prepare != nil {
		a.kind.prepare(rec)
	}

	err := exec(ctx, a.session, "CreateRecord", engine.KindEntityCreate, func(ctx context.Context, db *stores.SQLiteStore) error {
		return db.CreateRecord(ctx, rec)
	})
	if err != nil {
		return "", err
	}
	a.caller.Logger().WithEntityID(rec.ID).Debug("record created")
	return rec.ID, nil
}

// Update implements engine.Adapter. Immutable attributes in e are ignored;
// mutable attributes absent from e are cleared.
func (a *resourceAdapter) Update(ctx context.Context, id string, e *engine.Entity) (*engine.Entity, error) {
	rec, err := a.record(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := a.ensureWritable(rec, "update"); err != nil {
		return nil, err
	}

	rec.Name = e.Title
	rec.Summary = e.Summary
	for name := range rec.Attributes {
		if a.mutable(rec.Mixins, name) {
			delete(rec.Attributes, name)
		}
	}
	for name, v := range e.Attributes {
		if a.mutable(rec.Mixins, name) {
			rec.Attributes[name] = v
		}
	}

	if err := a.save(ctx, rec); err != nil {
		return nil, err
	}
	return a.toEntity(rec)
}

// PartialUpdate implements engine.Adapter.
func (a *resourceAdapter) PartialUpdate(ctx context.Context, id string, fragments engine.Fragments) (*engine.Entity, error) {
	rec, err := a.record(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := a.ensureWritable(rec, "partial_update"); err != nil {
		return nil, err
	}

	merged := engine.NewEntity(a.kind.subtype)
	merged.AddMixins(rec.Mixins...)
	merged.AddMixins(fragments.Mixins...)
	for _, m := range fragments.Mixins {
		mixin, ok := a.schema.Mixin(m)
		if !ok || !mixin.AppliesTo(a.kind.subtype) {
			return nil, engine.NewValidationError("mixin "+m+" cannot be attached to "+a.kind.subtype, nil).
				WithResource(id)
		}
	}
	if err := a.schema.CheckMutable(a.kind.subtype, merged.Mixins, fragments.Attributes); err != nil {
		return nil, err
	}

	rec.Mixins = merged.Mixins
	for name, v := range fragments.Attributes {
		switch name {
		case engine.AttrID:
		case engine.AttrTitle:
			rec.Name = fmt.Sprint(v)
		case engine.AttrSummary:
			rec.Summary = fmt.Sprint(v)
		default:
			rec.Attributes[name] = v
		}
	}

	if err := a.save(ctx, rec); err != nil {
		return nil, err
	}
	return a.toEntity(rec)
}

// Trigger implements engine.Adapter.
func (a *resourceAdapter) Trigger(ctx context.Context, id string, action engine.ActionInstance) ([]*engine.Entity, error) {
	rec, err := a.record(ctx, id)
	if err != nil {
		return nil, err
	}
	current, err := a.toEntity(rec)
	if err != nil {
		return nil, err
	}
	if err := engine.EnsureActionEnabled(current, action.Action); err != nil {
		return nil, err
	}

	handler, ok := a.kind.handlers[action.Action]
	if !ok {
		next, ok := a.kind.transitions[action.Action]
		if !ok {
			return nil, engine.NewNotImplementedError("trigger " + action.Action).WithResource(id)
		}
		handler = transition(next)
	}

	touched, err := handler(ctx, a, rec, action)
	if err != nil {
		return nil, err
	}
	a.caller.Logger().WithEntityID(id).WithField("action", action.Action).Info("action triggered")
	return a.toEntities(touched)
}

// Delete implements engine.Adapter.
func (a *resourceAdapter) Delete(ctx context.Context, id string) (string, error) {
	if a.kind.guarded {
		if _, err := a.record(ctx, id); err != nil {
			return "", err
		}
		n, err := call(ctx, a.session, "CountAttachmentsTo", engine.KindConnection, func(ctx context.Context, db *stores.SQLiteStore) (int, error) {
			return db.CountAttachmentsTo(ctx, id)
		})
		if err != nil {
			return "", err
		}
		if n > 0 {
			return "", engine.NewStateError(fmt.Sprintf("%s is still linked from %d compute instance(s)", a.kind.subtype, n), nil).
				WithResource(id).WithOperation("delete")
		}
	}

	err := exec(ctx, a.session, "DeleteRecord", engine.KindConnection, func(ctx context.Context, db *stores.SQLiteStore) error {
		return db.DeleteRecord(ctx, a.kind.subtype, id, a.owner)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// ensureWritable refuses changes to records whose state allows no actions.
func (a *resourceAdapter) ensureWritable(rec *stores.Record, op string) error {
	state := a.kind.lifecycle.States.Derive(rec.State)
	for _, frozen := range a.kind.lifecycle.Partition.Never {
		if state == frozen {
			return engine.NewStateError(a.kind.subtype+" cannot be modified in state "+state, nil).
				WithResource(rec.ID).WithOperation(op)
		}
	}
	return nil
}

func (a *resourceAdapter) mutable(mixins []string, name string) bool {
	if isCore(name) {
		return false
	}
	def, ok := a.schema.Definition(a.kind.subtype, mixins, name)
	return ok && def.Mutable
}

// nativeAttributes keeps the declared, non-core, non-state attributes of a
// new entity.
func (a *resourceAdapter) nativeAttributes(attrs engine.Attributes, mixins []string) map[string]any {
	out := make(map[string]any, len(attrs))
	state := a.kind.lifecycle.StateAttribute
	for name, v := range attrs {
		if isCore(name) || name == state || name == state+".message" {
			continue
		}
		if _, ok := a.schema.Definition(a.kind.subtype, mixins, name); !ok {
			continue
		}
		out[name] = v
	}
	return out
}

func transition(next string) actionHandler {
	return func(ctx context.Context, a *resourceAdapter, rec *stores.Record, _ engine.ActionInstance) ([]*stores.Record, error) {
		rec.State = next
		if err := a.save(ctx, rec); err != nil {
			return nil, err
		}
		return []*stores.Record{rec}, nil
	}
}

// copyStorage creates a new storage record holding a copy of rec.
func copyStorage(ctx context.Context, a *resourceAdapter, rec *stores.Record, action engine.ActionInstance) ([]*stores.Record, error) {
	name := action.Attributes.String(engine.AttrTitle)
	if name == "" {
		name = rec.Name + "-" + action.Action
	}
	attrs := make(map[string]any, len(rec.Attributes))
	for k, v := range rec.Attributes {
		attrs[k] = v
	}
	cp := &stores.Record{
		ID:         uuid.NewString(),
		Subtype:    rec.Subtype,
		Name:       name,
		Summary:    fmt.Sprintf("%s of %s", action.Action, rec.ID),
		State:      "ONLINE",
		Attributes: attrs,
		Mixins:     rec.Mixins,
		Owner:      rec.Owner,
	}

	err := exec(ctx, a.session, "CreateRecord", engine.KindEntityCreate, func(ctx context.Context, db *stores.SQLiteStore) error {
		return db.CreateRecord(ctx, cp)
	})
	if err != nil {
		return nil, err
	}
	return []*stores.Record{rec, cp}, nil
}

// resizeStorage grows a storage record. Shrinking is refused.
func resizeStorage(ctx context.Context, a *resourceAdapter, rec *stores.Record, action engine.ActionInstance) ([]*stores.Record, error) {
	const attr = "occi.storage.size"

	size, ok := schema.ToFloat(action.Attributes[attr])
	if !ok || size <= 0 {
		return nil, engine.NewValidationError("resize requires a positive "+attr, nil).
			WithResource(rec.ID).WithAttribute(attr)
	}
	if current, ok := schema.ToFloat(rec.Attributes[attr]); ok && size < current {
		return nil, engine.NewStateError(fmt.Sprintf("cannot shrink storage from %g to %g", current, size), nil).
			WithResource(rec.ID).WithOperation("trigger")
	}

	rec.Attributes[attr] = size
	if err := a.save(ctx, rec); err != nil {
		return nil, err
	}
	return []*stores.Record{rec}, nil
}

func isCore(name string) bool {
	return strings.HasPrefix(name, "occi.core.")
}

// restoreType undoes the float64 widening of the JSON attribute blob.
func restoreType(v any, typ string) (any, error) {
	if v == nil || typ != schema.TypeInteger {
		return v, nil
	}
	n, ok := schema.ToInt(v)
	if !ok {
		return nil, fmt.Errorf("stored value %v is not an integer", v)
	}
	return n, nil
}
