package app

import (
	"context"

	"github.com/datallboy/presetdl/internal/domain"
	"github.com/datallboy/presetdl/internal/infra/config"
	"github.com/datallboy/presetdl/internal/infra/logger"
)

type Store interface {
	// This allows the engine to persist state without importing the store package
	SaveState(ctx context.Context, rec domain.StateRecord) error
	// LoadState returns nil, nil when nothing was saved yet.
	LoadState(ctx context.Context) (*domain.StateRecord, error)
	SaveGroup(ctx context.Context, rec domain.GroupRecord) error
	DeleteGroup(ctx context.Context, presetID string) error
	LoadGroups(ctx context.Context) ([]domain.GroupRecord, error)
	Close() error
}

type Catalog interface {
	// Resolve turns a preset id into its file list
	Resolve(presetID string) ([]domain.FileSpec, error)
	IDs() []string
}

// Context hold the core environment and shared resources for presetdl.
// It acts as the "Single Source of Truth" for the application state.
type Context struct {
	Config *config.Config
	Logger *logger.Logger

	// High-level interfaces for services to use
	Store   Store
	Catalog Catalog
}

// NewContext initializes the base environment.
func NewContext(cfg *config.Config, log *logger.Logger) *Context {
	return &Context{
		Config: cfg,
		Logger: log,
	}
}
