package engine

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
)

// BulkTriggerer is implemented by adapters with a native bulk action path.
type BulkTriggerer interface {
	TriggerAll(ctx context.Context, action ActionInstance, filter Filter) ([]TriggerResult, error)
}

// BulkDeleter is implemented by adapters with a native bulk delete path.
type BulkDeleter interface {
	DeleteAll(ctx context.Context, filter Filter) ([]string, error)
}

// Exister is implemented by adapters that can check existence cheaply.
type Exister interface {
	Exists(ctx context.Context, id string) (bool, error)
}

// TriggerResult is the outcome of an action on one entity.
type TriggerResult struct {
	ID       string
	Entities []*Entity
	Err      error
}

// TriggerAll applies action to every entity matching filter.
//
// Every matching entity is attempted even when earlier ones fail. The
// returned error combines the individual failures; per-entity outcomes are
// always returned.
func TriggerAll(ctx context.Context, a Adapter, action ActionInstance, filter Filter) ([]TriggerResult, error) {
	if bt, ok := a.(BulkTriggerer); ok {
		return bt.TriggerAll(ctx, action, filter)
	}

	ids, err := a.Identifiers(ctx, filter)
	if err != nil {
		return nil, err
	}

	results := make([]TriggerResult, 0, len(ids))
	var errs error
	for _, id := range ids {
		entities, err := a.Trigger(ctx, id, action)
		results = append(results, TriggerResult{ID: id, Entities: entities, Err: err})
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("trigger %s on %s: %w", action.Action, id, err))
		}
	}
	return results, errs
}

// DeleteAll deletes every entity matching filter and returns the deleted IDs.
// A NotImplementedError from the adapter is returned unchanged; other
// failures are combined and do not stop the remaining deletions.
func DeleteAll(ctx context.Context, a Adapter, filter Filter) ([]string, error) {
	if bd, ok := a.(BulkDeleter); ok {
		return bd.DeleteAll(ctx, filter)
	}

	ids, err := a.Identifiers(ctx, filter)
	if err != nil {
		return nil, err
	}

	deleted := make([]string, 0, len(ids))
	var errs error
	for _, id := range ids {
		got, err := a.Delete(ctx, id)
		if err != nil {
			if IsNotImplemented(err) {
				return deleted, err
			}
			errs = multierr.Append(errs, fmt.Errorf("delete %s: %w", id, err))
			continue
		}
		deleted = append(deleted, got)
	}
	return deleted, errs
}

// Exists reports whether an entity with id exists. A not-found error from
// the adapter counts as false.
func Exists(ctx context.Context, a Adapter, id string) (bool, error) {
	if ex, ok := a.(Exister); ok {
		return ex.Exists(ctx, id)
	}

	_, err := a.Instance(ctx, id)
	switch {
	case err == nil:
		return true, nil
	case IsNotFound(err):
		return false, nil
	default:
		return false, err
	}
}
