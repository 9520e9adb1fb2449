package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"calsync/internal/connector"
	"calsync/internal/models"
)

// Execute delivers one operation through a connector under a call timeout.
// Deleting an event the remote no longer has counts as delivered.
func Execute(ctx context.Context, conn connector.Connector, op models.QueuedOperation, timeout time.Duration) (connector.Remote, error) {
	if timeout <= 0 {
		timeout = connector.DefaultCallTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		remote connector.Remote
		err    error
	)
	switch op.Type {
	case models.OpCreate:
		remote, err = conn.CreateEvent(callCtx, op.Payload, op.IdempotencyKey)
	case models.OpUpdate:
		if op.ProviderEventID == "" {
			return remote, connector.NewError(connector.KindPermanent, "update", errors.New("event has no remote id"))
		}
		remote, err = conn.UpdateEvent(callCtx, op.ProviderEventID, op.Payload)
	case models.OpDelete:
		if op.ProviderEventID == "" {
			return remote, nil
		}
		err = conn.DeleteEvent(callCtx, op.ProviderEventID)
		if connector.KindOf(err) == connector.KindNotFound {
			err = nil
		}
		remote.ProviderEventID = op.ProviderEventID
	default:
		return remote, connector.NewError(connector.KindPermanent, "execute", fmt.Errorf("unknown operation type %q", op.Type))
	}
	if err != nil && ctx.Err() != nil {
		return remote, ctx.Err()
	}
	return remote, err
}
