package opennebula

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/occigate/occigate/pkg/backend"
	"github.com/occigate/occigate/pkg/engine"
	"github.com/occigate/occigate/pkg/schema"
)

var storageLifecycle = engine.Lifecycle{
	StateAttribute: "occi.storage.state",
	States: engine.StateMap{
		Table: map[string]string{
			ImageReady:    engine.StateOnline,
			ImageUsed:     engine.StateOnline,
			ImageDisabled: engine.StateOffline,
			ImageLocked:   engine.StateWaiting,
			ImageError:    engine.StateError,
		},
	},
	Partition: engine.ActionPartition{
		ActiveStates: []string{engine.StateOnline},
		Active:       []string{"offline", "backup", "snapshot"},
		Inactive:     []string{"online"},
		Never:        []string{engine.StateError, engine.StateWaiting},
	},
}

var storageTable = engine.MapperTable[*Image]{
	engine.Map(engine.AttrID, func(img *Image) any { return strconv.Itoa(img.ID) }),
	engine.Map(engine.AttrTitle, func(img *Image) any { return img.Name }),
	engine.Map(engine.AttrSummary, func(img *Image) any { return img.Description }),
	engine.Map("occi.storage.size", func(img *Image) any { return float64(img.SizeMB) / 1024 }),
	engine.Map("occi.storage.state.message", func(img *Image) any {
		if img.State != ImageError {
			return nil
		}
		return "image is in ERROR state"
	}),
}

type storageAdapter struct {
	engine.Unimplemented
	*session
}

func newStorageAdapter(s *session) *storageAdapter {
	return &storageAdapter{Unimplemented: engine.Unimplemented{Desc: descriptor(engine.SubtypeStorage)}, session: s}
}

func (a *storageAdapter) toEntity(img *Image) (*engine.Entity, error) {
	e := engine.NewEntity(engine.SubtypeStorage)
	attrs, err := engine.Transfer(img, a.schema.EntitySchema(e), engine.TransferSpec[*Image]{storageTable})
	if err != nil {
		return nil, err
	}
	e.Attach(attrs)
	storageLifecycle.Apply(e, img.State)
	return e, nil
}

func (a *storageAdapter) image(ctx context.Context, n int) (*Image, error) {
	return call(ctx, a.session, "ImageInfo", engine.KindConnection, func(ctx context.Context, c *Client) (*Image, error) {
		return c.ImageInfo(ctx, n)
	})
}

// Identifiers implements engine.Adapter.
func (a *storageAdapter) Identifiers(ctx context.Context, filter engine.Filter) ([]string, error) {
	entities, err := a.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	return engine.IdentifiersOf(entities), nil
}

// List implements engine.Adapter.
func (a *storageAdapter) List(ctx context.Context, filter engine.Filter) ([]*engine.Entity, error) {
	images, err := call(ctx, a.session, "ImagePool", engine.KindConnection, func(ctx context.Context, c *Client) ([]*Image, error) {
		return c.ImagePool(ctx)
	})
	if err != nil {
		return nil, err
	}
	return filtered(images, filter, a.toEntity)
}

// Instance implements engine.Adapter.
func (a *storageAdapter) Instance(ctx context.Context, id string) (*engine.Entity, error) {
	n, err := nativeID(id)
	if err != nil {
		return nil, err
	}
	img, err := a.image(ctx, n)
	if err != nil {
		return nil, err
	}
	return a.toEntity(img)
}

// Create implements engine.Adapter. It blocks until the datastore has
// prepared the image.
func (a *storageAdapter) Create(ctx context.Context, e *engine.Entity) (string, error) {
	size, ok := schema.ToFloat(e.Attributes["occi.storage.size"])
	if !ok || size <= 0 {
		return "", engine.NewValidationError("storage requires a positive size", nil).WithAttribute("occi.storage.size")
	}

	id, err := call(ctx, a.session, "ImageAllocate", engine.KindEntityCreate, func(ctx context.Context, c *Client) (int, error) {
		return c.ImageAllocate(ctx, e.Title, e.Summary, int(math.Ceil(size*1024)))
	})
	if err != nil {
		return "", err
	}
	if _, err := a.waitPrepared(ctx, id); err != nil {
		return "", err
	}
	return strconv.Itoa(id), nil
}

// waitPrepared blocks while the image is locked. An image that ends in
// ERROR fails the creation.
func (a *storageAdapter) waitPrepared(ctx context.Context, n int) (*Image, error) {
	id := strconv.Itoa(n)
	img, err := backend.Wait(ctx, a.caller, id,
		func(ctx context.Context) (*Image, error) { return a.image(ctx, n) },
		func(img *Image) bool { return img.State != ImageLocked },
	)
	if err != nil {
		return nil, err
	}
	if img.State == ImageError {
		return nil, engine.NewCreateError("image "+id+" failed to prepare", nil).WithResource(id)
	}
	return img, nil
}

// Update implements engine.Adapter.
func (a *storageAdapter) Update(ctx context.Context, id string, e *engine.Entity) (*engine.Entity, error) {
	n, err := nativeID(id)
	if err != nil {
		return nil, err
	}
	img, err := a.image(ctx, n)
	if err != nil {
		return nil, err
	}
	if size, ok := schema.ToFloat(e.Attributes["occi.storage.size"]); ok && int(math.Ceil(size*1024)) != img.SizeMB {
		return nil, engine.NewNotImplementedError("update").WithAttribute("occi.storage.size").WithResource(id)
	}
	img.Name, img.Description = e.Title, e.Summary
	return a.save(ctx, img)
}

// PartialUpdate implements engine.Adapter.
func (a *storageAdapter) PartialUpdate(ctx context.Context, id string, fragments engine.Fragments) (*engine.Entity, error) {
	n, err := nativeID(id)
	if err != nil {
		return nil, err
	}
	img, err := a.image(ctx, n)
	if err != nil {
		return nil, err
	}
	if err := a.schema.CheckMutable(engine.SubtypeStorage, fragments.Mixins, fragments.Attributes); err != nil {
		return nil, err
	}
	for name, v := range fragments.Attributes {
		switch name {
		case engine.AttrTitle:
			img.Name = fmt.Sprint(v)
		case engine.AttrSummary:
			img.Description = fmt.Sprint(v)
		default:
			return nil, engine.NewNotImplementedError("partial_update").WithAttribute(name).WithResource(id)
		}
	}
	return a.save(ctx, img)
}

func (a *storageAdapter) save(ctx context.Context, img *Image) (*engine.Entity, error) {
	err := exec(ctx, a.session, "ImageUpdate", engine.KindEntityState, func(ctx context.Context, c *Client) error {
		return c.ImageUpdate(ctx, img)
	})
	if err != nil {
		return nil, err
	}
	return a.Instance(ctx, strconv.Itoa(img.ID))
}

// Trigger implements engine.Adapter. Backups and snapshots are clones of
// the image and are returned after the original.
func (a *storageAdapter) Trigger(ctx context.Context, id string, action engine.ActionInstance) ([]*engine.Entity, error) {
	current, err := a.Instance(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := engine.EnsureActionEnabled(current, action.Action); err != nil {
		return nil, err
	}
	n, _ := nativeID(id)

	switch action.Action {
	case "online", "offline":
		err := exec(ctx, a.session, "ImageEnable", engine.KindEntityState, func(ctx context.Context, c *Client) error {
			return c.ImageEnable(ctx, n, action.Action == "online")
		})
		if err != nil {
			return nil, err
		}
		e, err := a.Instance(ctx, id)
		if err != nil {
			return nil, err
		}
		return []*engine.Entity{e}, nil

	case "backup", "snapshot":
		name := action.Attributes.String(engine.AttrTitle)
		if name == "" {
			name = current.Title + "-" + action.Action
		}
		cloneID, err := call(ctx, a.session, "ImageClone", engine.KindEntityCreate, func(ctx context.Context, c *Client) (int, error) {
			return c.ImageClone(ctx, n, name)
		})
		if err != nil {
			return nil, err
		}
		clone, err := a.waitPrepared(ctx, cloneID)
		if err != nil {
			return nil, err
		}
		cloned, err := a.toEntity(clone)
		if err != nil {
			return nil, err
		}
		return []*engine.Entity{current, cloned}, nil

	default:
		return nil, engine.NewNotImplementedError("trigger " + action.Action).WithResource(id)
	}
}

// Delete implements engine.Adapter. Images used by VMs are refused by the
// orchestrator.
func (a *storageAdapter) Delete(ctx context.Context, id string) (string, error) {
	n, err := nativeID(id)
	if err != nil {
		return "", err
	}
	err = exec(ctx, a.session, "ImageDelete", engine.KindConnection, func(ctx context.Context, c *Client) error {
		return c.ImageDelete(ctx, n)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}
