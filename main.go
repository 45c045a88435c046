package dotdata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nickyhof/dotdata/backend"
	"github.com/nickyhof/dotdata/backend/mongo"
	"github.com/nickyhof/dotdata/config"
	"github.com/nickyhof/dotdata/core"
	"github.com/nickyhof/dotdata/db"
	"github.com/nickyhof/dotdata/op"
	"github.com/nickyhof/dotdata/ps"
)

// Instance is an opened store: a git repository or a MongoDB database.
type Instance struct {
	Persistence *ps.Persistence
	Mongo       *mongo.Adapter
	options     db.Options
}

func Open(persistence *ps.Persistence) *Instance {
	return &Instance{
		Persistence: persistence,
	}
}

func OpenMongo(adapter *mongo.Adapter) *Instance {
	return &Instance{
		Mongo: adapter,
	}
}

// Connect opens the backend named by cfg and applies its engine options.
func Connect(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Instance, error) {
	options, err := cfg.EngineOptions(logger)
	if err != nil {
		return nil, err
	}

	var instance *Instance
	switch cfg.Backend {
	case config.MongoBackend:
		adapter, err := mongo.Connect(ctx, cfg.Mongo.URI, cfg.Mongo.Database, logger)
		if err != nil {
			return nil, err
		}
		instance = OpenMongo(adapter)
	default:
		var persistence *ps.Persistence
		if cfg.Dir == "" {
			persistence, err = ps.NewMemoryPersistence()
		} else {
			var gitURL *string
			if cfg.GitURL != "" {
				gitURL = &cfg.GitURL
			}
			persistence, err = ps.NewFilePersistence(cfg.Dir, gitURL)
		}
		if err != nil {
			return nil, fmt.Errorf("open repository: %w", err)
		}
		instance = Open(persistence)
		if cfg.Remote.URL != "" {
			if err := persistence.EnsureRemote(cfg.Remote.Name, cfg.Remote.URL); err != nil {
				return nil, err
			}
		}
	}
	instance.options = options
	return instance, nil
}

// WithOptions sets the options of engines created afterwards.
func (instance *Instance) WithOptions(options db.Options) *Instance {
	instance.options = options
	return instance
}

// Backend returns the backend commands run against. Git commits are
// authored by identity; MongoDB ignores it.
func (instance *Instance) Backend(identity core.Identity) backend.Backend {
	if instance.Mongo != nil {
		return instance.Mongo
	}
	store := op.NewStore(instance.Persistence, identity)
	if now := instance.options.Resolve.Now; now != nil {
		store = store.WithClock(now)
	}
	return store
}

func (instance *Instance) Engine(identity core.Identity) *db.Engine {
	return db.NewEngine(instance.Backend(identity), instance.options)
}

func (instance *Instance) Close() error {
	if instance.Mongo != nil {
		return instance.Mongo.Close()
	}
	return nil
}

// ErrNoRepository is returned by git-only operations on a MongoDB instance.
var ErrNoRepository = errors.New("instance has no git repository")

// Repository returns the git persistence layer, for history and remotes.
func (instance *Instance) Repository() (*ps.Persistence, error) {
	if instance.Persistence == nil {
		return nil, ErrNoRepository
	}
	return instance.Persistence, nil
}
