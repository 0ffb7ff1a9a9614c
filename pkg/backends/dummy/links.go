package dummy

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"github.com/occigate/occigate/pkg/backend"
	"github.com/occigate/occigate/pkg/engine"
	"github.com/occigate/occigate/pkg/schema"
	"github.com/occigate/occigate/pkg/stores"
)

// linkKind describes a link stored as an attachment of a compute record.
type linkKind struct {
	subtype string
	subKind string
	target  string

	// unique links may not attach the same target twice to one parent.
	unique bool

	// computed derives attributes from the attachment. Stored values win.
	computed engine.MapperTable[*linkSource]
}

var attachedLifecycle = engine.Lifecycle{
	States: engine.StateMap{Table: map[string]string{"ATTACHED": engine.StateActive}},
}

func linkKinds() []linkKind {
	return []linkKind{
		{
			subtype: engine.SubtypeNetworkInterface,
			subKind: "nic",
			target:  engine.SubtypeNetwork,
			computed: engine.MapperTable[*linkSource]{
				engine.Map("occi.networkinterface.interface", func(s *linkSource) any {
					return "eth" + strconv.Itoa(s.att.Index)
				}),
				engine.Map("occi.networkinterface.mac", func(s *linkSource) any {
					return macAddress(s.att.ParentID, s.att.Index)
				}),
			},
		},
		{
			subtype: engine.SubtypeStorageLink,
			subKind: "disk",
			target:  engine.SubtypeStorage,
			unique:  true,
			computed: engine.MapperTable[*linkSource]{
				engine.Map("occi.storagelink.deviceid", func(s *linkSource) any {
					return "vd" + string(rune('b'+s.att.Index%25))
				}),
			},
		},
		{
			subtype: engine.SubtypeSecurityGroupLink,
			subKind: "sg",
			target:  engine.SubtypeSecurityGroup,
			unique:  true,
		},
	}
}

// linkSource is the native view of one link.
type linkSource struct {
	id  string
	att *stores.Attachment
}

type linkAdapter struct {
	engine.Unimplemented
	*session

	kind    linkKind
	schema  *schema.Registry
	pattern *regexp.Regexp
	spec    engine.TransferSpec[*linkSource]
}

func newLinkAdapter(b *Backend, deps backend.Deps, kind linkKind) *linkAdapter {
	s := deps.Schema
	if s == nil {
		s = schema.MustNew()
	}
	a := &linkAdapter{
		Unimplemented: engine.Unimplemented{Desc: descriptor(kind.subtype)},
		session:       newSession(b, deps),
		kind:          kind,
		schema:        s,
		pattern:       engine.CompositePattern(engine.SubtypeCompute, kind.subKind),
	}
	a.spec = engine.TransferSpec[*linkSource]{
		{
			engine.Map(engine.AttrID, func(s *linkSource) any { return s.id }),
			engine.Map(engine.AttrSource, func(s *linkSource) any {
				return engine.Location(engine.SubtypeCompute, s.att.ParentID)
			}),
			engine.Map(engine.AttrTarget, func(s *linkSource) any {
				return engine.Location(kind.target, s.att.TargetID)
			}),
		},
		kind.computed,
		a.storedTable(),
	}
	return a
}

func (a *linkAdapter) storedTable() engine.MapperTable[*linkSource] {
	var table engine.MapperTable[*linkSource]
	k, _ := a.schema.Kind(a.kind.subtype)
	for name, def := range k.Attributes {
		if isCore(name) || !def.Mutable {
			continue
		}
		typ := def.Type
		table = append(table, engine.MapperEntry[*linkSource]{
			Attribute: name,
			Transform: func(s *linkSource) (any, error) { return restoreType(s.att.Attributes[name], typ) },
		})
	}
	for _, m := range a.schema.Mixins() {
		if !m.AppliesTo(a.kind.subtype) || len(m.Applies) == 0 {
			continue
		}
		for name, def := range m.Attributes {
			typ := def.Type
			table = append(table, engine.MapperEntry[*linkSource]{
				Attribute: name,
				Transform: func(s *linkSource) (any, error) { return restoreType(s.att.Attributes[name], typ) },
			})
		}
	}
	return table
}

func (a *linkAdapter) toEntity(att *stores.Attachment) (*engine.Entity, error) {
	id, err := engine.FormatCompositeID(engine.SubtypeCompute, att.ParentID, a.kind.subKind, strconv.Itoa(att.Index))
	if err != nil {
		return nil, err
	}

	e := engine.NewEntity(a.kind.subtype)
	e.AddMixins(att.Mixins...)
	attrs, err := engine.Transfer(&linkSource{id: id, att: att}, a.schema.AttributeSet(a.kind.subtype, e.Mixins), a.spec)
	if err != nil {
		return nil, err
	}
	e.Attach(attrs)
	e.TargetKind = a.kind.target

	lc := attachedLifecycle
	lc.StateAttribute = "occi." + a.kind.subtype + ".state"
	lc.Apply(e, att.State)
	return e, nil
}

func (a *linkAdapter) computes() (engine.Adapter, error) {
	if a.deps.Resolver == nil {
		return nil, engine.NewBackendLoadError(a.kind.subtype+" needs a resolver for compute", nil)
	}
	return a.deps.Resolver.Resolve(engine.SubtypeCompute)
}

// parse decodes a link ID and checks that its parent is visible to the caller.
func (a *linkAdapter) parse(ctx context.Context, id string) (engine.CompositeID, int, error) {
	cid, err := engine.ParseCompositeID(id, a.pattern)
	if err != nil {
		return cid, 0, err
	}
	idx, err := strconv.Atoi(cid.SubID)
	if err != nil {
		return cid, 0, engine.NewMalformedIdentifierError(id, "link index is not a number")
	}

	computes, err := a.computes()
	if err != nil {
		return cid, 0, err
	}
	if _, err := computes.Instance(ctx, cid.ParentID); err != nil {
		return cid, 0, err
	}
	return cid, idx, nil
}

func (a *linkAdapter) attachments(ctx context.Context) ([]*stores.Attachment, error) {
	computes, err := a.computes()
	if err != nil {
		return nil, err
	}
	parents, err := computes.Identifiers(ctx, engine.Filter{})
	if err != nil {
		return nil, err
	}

	var out []*stores.Attachment
	for _, parent := range parents {
		atts, err := call(ctx, a.session, "ListAttachments", engine.KindConnection, func(ctx context.Context, db *stores.SQLiteStore) ([]*stores.Attachment, error) {
			return db.ListAttachments(ctx, parent, a.kind.subtype)
		})
		if err != nil {
			return nil, err
		}
		out = append(out, atts...)
	}
	return out, nil
}

// Identifiers implements engine.Adapter.
func (a *linkAdapter) Identifiers(ctx context.Context, filter engine.Filter) ([]string, error) {
	entities, err := a.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	return engine.IdentifiersOf(entities), nil
}

// List implements engine.Adapter.
func (a *linkAdapter) List(ctx context.Context, filter engine.Filter) ([]*engine.Entity, error) {
	atts, err := a.attachments(ctx)
	if err != nil {
		return nil, err
	}
	entities := make([]*engine.Entity, 0, len(atts))
	for _, att := range atts {
		e, err := a.toEntity(att)
		if err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	return engine.FilterEntities(entities, filter), nil
}

// Instance implements engine.Adapter.
func (a *linkAdapter) Instance(ctx context.Context, id string) (*engine.Entity, error) {
	cid, idx, err := a.parse(ctx, id)
	if err != nil {
		return nil, err
	}
	att, err := call(ctx, a.session, "GetAttachment", engine.KindConnection, func(ctx context.Context, db *stores.SQLiteStore) (*stores.Attachment, error) {
		return db.GetAttachment(ctx, cid.ParentID, a.kind.subtype, idx)
	})
	if err != nil {
		return nil, err
	}
	return a.toEntity(att)
}

// Create implements engine.Adapter. The source must be a compute instance
// in a state that allows actions; the target must be visible to the caller.
func (a *linkAdapter) Create(ctx context.Context, e *engine.Entity) (string, error) {
	parentID, targetID := engine.IDFromLocation(e.Source), engine.IDFromLocation(e.Target)
	if parentID == "" || targetID == "" {
		return "", engine.NewValidationError(a.kind.subtype+" requires a source and a target", nil)
	}

	computes, err := a.computes()
	if err != nil {
		return "", err
	}
	parent, err := computes.Instance(ctx, parentID)
	if err != nil {
		return "", err
	}
	if len(parent.Actions) == 0 {
		return "", engine.NewStateError("compute "+parentID+" cannot be linked in its current state", nil).
			WithResource(parentID).WithOperation("create")
	}

	targets, err := a.deps.Resolver.Resolve(a.kind.target)
	if err != nil {
		return "", err
	}
	if _, err := targets.Instance(ctx, targetID); err != nil {
		return "", err
	}

	if a.kind.unique {
		existing, err := call(ctx, a.session, "ListAttachments", engine.KindConnection, func(ctx context.Context, db *stores.SQLiteStore) ([]*stores.Attachment, error) {
			return db.ListAttachments(ctx, parentID, a.kind.subtype)
		})
		if err != nil {
			return "", err
		}
		for _, att := range existing {
			if att.TargetID == targetID {
				return "", engine.NewStateError(fmt.Sprintf("%s %s is already linked to compute %s", a.kind.target, targetID, parentID), nil).
					WithOperation("create")
			}
		}
	}

	attrs := make(map[string]any, len(e.Attributes))
	for name, v := range e.Attributes {
		if isCore(name) {
			continue
		}
		if def, ok := a.schema.Definition(a.kind.subtype, e.Mixins, name); ok && def.Mutable {
			attrs[name] = v
		}
	}
	att := &stores.Attachment{
		ParentID:   parentID,
		Subtype:    a.kind.subtype,
		TargetID:   targetID,
		State:      "ATTACHED",
		Attributes: attrs,
		Mixins:     e.Mixins,
	}

	idx, err := call(ctx, a.session, "CreateAttachment", engine.KindEntityCreate, func(ctx context.Context, db *stores.SQLiteStore) (int, error) {
		return db.CreateAttachment(ctx, att)
	})
	if err != nil {
		return "", err
	}
	return engine.FormatCompositeID(engine.SubtypeCompute, parentID, a.kind.subKind, strconv.Itoa(idx))
}

// Delete implements engine.Adapter.
func (a *linkAdapter) Delete(ctx context.Context, id string) (string, error) {
	cid, idx, err := a.parse(ctx, id)
	if err != nil {
		return "", err
	}
	err = exec(ctx, a.session, "DeleteAttachment", engine.KindConnection, func(ctx context.Context, db *stores.SQLiteStore) error {
		return db.DeleteAttachment(ctx, cid.ParentID, a.kind.subtype, idx)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// macAddress derives a stable locally administered MAC address.
func macAddress(parent string, idx int) string {
	var sum byte
	for i := 0; i < len(parent); i++ {
		sum += parent[i]
	}
	return fmt.Sprintf("02:00:00:%02x:%02x:%02x", sum, idx>>8&0xff, idx&0xff)
}
