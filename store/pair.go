package store

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Pair is the target and source of a merge
type Pair struct {
	Target Store
	Source Store
	// Shared is true when the source is read through the target connection, which lets
	// file rows be copied by a single statement inside the storage engine
	Shared bool
}

// OpenPair opens the target and the source. When both resolve to an embedded engine able to
// attach the other file, the source shares the target connection.
func OpenPair(ctx context.Context, target Locator, source Locator) (*Pair, error) {
	t, err := Open(ctx, target)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to open target %s", target)
	}
	if attacher, ok := t.(Attacher); ok && t.Kind() == Embedded && target.Driver == source.Driver {
		s, err := attacher.Attach(ctx, source)
		if err != nil {
			_ = t.Close()
			return nil, errors.Wrapf(err, "Failed to attach source %s", source)
		}
		log.Debugf("Source %s shares the target connection", source)
		return &Pair{Target: t, Source: s, Shared: true}, nil
	}
	s, err := Open(ctx, source)
	if err != nil {
		_ = t.Close()
		return nil, errors.Wrapf(err, "Failed to open source %s", source)
	}
	return &Pair{Target: t, Source: s}, nil
}

// Close closes the source first, the target owns the connection of a shared source
func (p *Pair) Close() error {
	var firstErr error
	if err := p.Source.Close(); err != nil {
		firstErr = errors.Wrap(err, "Failed to close source")
	}
	if err := p.Target.Close(); err != nil && firstErr == nil {
		firstErr = errors.Wrap(err, "Failed to close target")
	}
	return firstErr
}
