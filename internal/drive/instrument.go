package drive

import (
	"context"
	"time"

	"membersync.org/internal/obs"
)

// Instrumented wraps any provider with latency metrics per operation.
func Instrumented(svc Service) Service {
	return &instrumented{svc: svc}
}

type instrumented struct {
	svc Service
}

func (i *instrumented) ListGrants(ctx context.Context, resourceID, pageToken string) ([]Grant, string, error) {
	start := time.Now()
	grants, next, err := i.svc.ListGrants(ctx, resourceID, pageToken)
	obs.ObserveDriveCall("list", time.Since(start))
	return grants, next, err
}

func (i *instrumented) Grant(ctx context.Context, resourceID, principal string, level Level) (string, error) {
	start := time.Now()
	id, err := i.svc.Grant(ctx, resourceID, principal, level)
	obs.ObserveDriveCall("grant", time.Since(start))
	return id, err
}

func (i *instrumented) Revoke(ctx context.Context, resourceID, permissionID string) error {
	start := time.Now()
	err := i.svc.Revoke(ctx, resourceID, permissionID)
	obs.ObserveDriveCall("revoke", time.Since(start))
	return err
}
