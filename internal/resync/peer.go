package resync

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/beegfs/buddymirror/internal/metrics"
	"github.com/beegfs/buddymirror/internal/nodes"
	"github.com/beegfs/buddymirror/internal/storage"
	"github.com/beegfs/buddymirror/pkg/proto"
)

// peer is the secondary a job talks to.
type peer struct {
	targetID      proto.TargetID
	requester     storage.Requester
	states        *nodes.TargetStateStore
	retryInterval time.Duration
	logger        zerolog.Logger
	metrics       *metrics.Metrics
}

// requestResponse sends req to the secondary until it answers with a T.
// Transient failures are retried every retryInterval for as long as the
// secondary is not Offline; once it is, the call fails with
// OpsCommunication. Cancelling ctx ends the loop with OpsInterrupted.
func requestResponse[T proto.Message](ctx context.Context, p *peer, req proto.Message) (T, error) {
	var zero T
	for {
		st, ok := p.states.GetState(p.targetID)
		if !ok {
			return zero, fmt.Errorf("%w: no state for target %d", proto.OpsInternal, p.targetID)
		}
		if st.Reachability == proto.ReachabilityOffline {
			return zero, fmt.Errorf("%w: target %d is offline", proto.OpsCommunication, p.targetID)
		}

		resp, err := p.requester.Request(ctx, p.targetID, req)
		if err == nil {
			var out T
			if out, err = proto.Expect[T](resp); err == nil {
				return out, nil
			}
		}
		if !proto.IsTransient(err) {
			if ctx.Err() != nil {
				return zero, fmt.Errorf("%s: %w", req.Type(), proto.OpsInterrupted)
			}
			return zero, err
		}

		p.metrics.CommRetry(req.Type().String())
		p.logger.Debug().Err(err).
			Str("type", req.Type().String()).
			Dur("retry_in", p.retryInterval).
			Msg("unable to communicate, but target is not offline")

		t := time.NewTimer(p.retryInterval)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return zero, fmt.Errorf("%s: %w", req.Type(), proto.OpsInterrupted)
		}
	}
}
