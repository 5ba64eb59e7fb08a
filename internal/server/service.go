package server

import (
	"context"

	"github.com/calder-ops/gatehouse/internal/core"
	"github.com/calder-ops/gatehouse/internal/repository"
	"github.com/calder-ops/gatehouse/internal/service"
)

type Service interface {
	CreateNamespace(ctx context.Context, name, description string) (repository.Namespace, error)
	ListNamespaces(ctx context.Context) ([]repository.Namespace, error)
	GetNamespace(ctx context.Context, name string) (repository.Namespace, error)
	SetNamespaceDisabled(ctx context.Context, name string, disabled bool) (repository.Namespace, error)
	DeleteNamespace(ctx context.Context, name string) error
	CreateFlag(ctx context.Context, flag repository.Flag) (repository.Flag, error)
	UpdateFlag(ctx context.Context, flag repository.Flag) (repository.Flag, error)
	GetFlag(ctx context.Context, namespace, key string) (repository.Flag, error)
	ListFlags(ctx context.Context, namespace string) ([]repository.Flag, error)
	DeleteFlag(ctx context.Context, namespace, key string) error
	Resolve(ctx context.Context, namespace, key string, evalCtx core.Context) (any, error)
	Explain(ctx context.Context, namespace, key string, evalCtx core.Context) (any, core.Trace, error)
	ListEventsSince(ctx context.Context, namespace string, eventID int64) ([]repository.FlagEvent, error)
	ListEventsSinceForKey(ctx context.Context, namespace string, eventID int64, key string) ([]repository.FlagEvent, error)
}

var _ Service = (*service.Service)(nil)
