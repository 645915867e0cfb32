// Package storage removes attachment objects from the object store once a
// message is purged. Removal is idempotent: a missing object is success.
package storage

import (
	"context"

	"github.com/anjiri1684/amora_chat/models"
)

type Purger interface {
	Purge(ctx context.Context, att models.Attachment) error
}

type NopPurger struct{}

func (NopPurger) Purge(context.Context, models.Attachment) error { return nil }
