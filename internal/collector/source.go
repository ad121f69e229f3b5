package collector

import (
	"context"
	"errors"
	"fmt"

	"github.com/xaenox/octopus/internal/models"
)

var (
	// ErrConfig marks configuration problems that retrying cannot fix.
	ErrConfig = errors.New("collector configuration error")

	ErrUnsupportedType   = fmt.Errorf("%w: unsupported collector type", ErrConfig)
	ErrNotImplemented    = fmt.Errorf("%w: collector type not implemented yet", ErrConfig)
	ErrCollectorNotFound = errors.New("collector not found")
	ErrCollectorInactive = errors.New("collector is inactive")
)

// Collection type tags recorded on every result and in message metadata.
const (
	CollectionUser      = "user"
	CollectionSearch    = "search"
	CollectionChannel   = "channel"
	CollectionGroup     = "group"
	CollectionGuild     = "guild"
	CollectionSubreddit = "subreddit"
)

// Target is the provenance of one sub-target's items. Err is set when the
// sub-target failed; its items are then empty.
type Target struct {
	SourceName     string
	CollectionType string
	Query          string
	Err            error
}

// RawBatch is the platform-native output of one Collect call.
type RawBatch interface {
	Platform() models.Platform
	Len() int
	Targets() []Target
}

// Source talks to one external platform.
//
// Collect pulls every sub-target named in cfg independently and rewrites the
// cursor fields of cfg to the newest item seen. Standardize is pure.
type Source interface {
	Type() models.Platform
	Collect(ctx context.Context, cfg *models.CollectorConfig) (RawBatch, error)
	Standardize(batch RawBatch, collectorID int64, defaultSourceName string) ([]*models.Message, error)
}

// BatchTypeError is returned by Standardize when handed another platform's batch.
func BatchTypeError(want models.Platform, got RawBatch) error {
	return fmt.Errorf("%s standardizer: unexpected batch %T", want, got)
}
