// Package provision creates broker resources idempotently.
package provision

import (
	"context"
	"fmt"

	"github.com/drblury/flowrpc/broker"
	errspkg "github.com/drblury/flowrpc/internal/runtime/errors"
)

// CreateIfNotExists invokes create once. An "already exists" failure counts as
// success; every other failure is returned unchanged.
func CreateIfNotExists(ctx context.Context, create func(context.Context) error) error {
	err := create(ctx)
	if err == nil || broker.IsAlreadyExists(err) {
		return nil
	}
	return err
}

// Policy controls what happens to a resource at startup.
type Policy struct {
	// Init creates the resource when missing.
	Init bool
	// CheckExistence verifies the resource exists when Init is off.
	CheckExistence bool
}

// EnsureTopic applies p to topic.
func EnsureTopic(ctx context.Context, topic broker.Topic, p Policy) error {
	if p.Init {
		if err := CreateIfNotExists(ctx, topic.Create); err != nil {
			return fmt.Errorf("create topic %q: %w", topic.Name(), err)
		}
		return nil
	}
	if p.CheckExistence {
		return checkExists(ctx, "topic", topic.Name(), topic.Exists)
	}
	return nil
}

// EnsureSubscription applies p to sub, creating it with config.
func EnsureSubscription(ctx context.Context, sub broker.Subscription, config broker.SubscriptionConfig, p Policy) error {
	if p.Init {
		err := CreateIfNotExists(ctx, func(ctx context.Context) error {
			return sub.Create(ctx, config)
		})
		if err != nil {
			return fmt.Errorf("create subscription %q: %w", sub.Name(), err)
		}
		return nil
	}
	if p.CheckExistence {
		return checkExists(ctx, "subscription", sub.Name(), sub.Exists)
	}
	return nil
}

func checkExists(ctx context.Context, kind, name string, exists func(context.Context) (bool, error)) error {
	ok, err := exists(ctx)
	if err != nil {
		return fmt.Errorf("check %s %q: %w", kind, name, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s %q", errspkg.ErrResourceMissing, kind, name)
	}
	return nil
}
