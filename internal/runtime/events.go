package runtime

import (
	"context"
	"time"

	"github.com/aretw0/espalier/pkg/domain"
)

func (e *Engine) base(r *run, typ domain.EventType) domain.EventBase {
	return domain.EventBase{
		Timestamp: e.now(),
		Type:      typ,
		ThreadID:  r.threadID,
		RunID:     r.id,
	}
}

func (e *Engine) emitNodeEnter(ctx context.Context, r *run, node string, step int) {
	e.logger.DebugContext(ctx, "entering node", "thread_id", r.threadID, "node", node, "step", step)
	if e.hooks.OnNodeEnter == nil {
		return
	}
	e.hooks.OnNodeEnter(ctx, &domain.NodeEvent{
		EventBase: e.base(r, domain.EventNodeEnter),
		Node:      node,
		Step:      step,
	})
}

func (e *Engine) emitNodeLeave(ctx context.Context, r *run, node string, step int, took time.Duration, err error) {
	e.logger.DebugContext(ctx, "leaving node", "thread_id", r.threadID, "node", node, "step", step, "took", took, "err", err)
	if e.hooks.OnNodeLeave == nil {
		return
	}
	e.hooks.OnNodeLeave(ctx, &domain.NodeEvent{
		EventBase: e.base(r, domain.EventNodeLeave),
		Node:      node,
		Step:      step,
		Duration:  took,
		Err:       err,
	})
}

func (e *Engine) emitCheckpoint(ctx context.Context, r *run, cp *domain.Checkpoint) {
	if e.hooks.OnCheckpoint == nil {
		return
	}
	e.hooks.OnCheckpoint(ctx, &domain.CheckpointEvent{
		EventBase:  e.base(r, domain.EventCheckpoint),
		Checkpoint: cp.Clone(),
	})
}

func (e *Engine) emitInterrupt(ctx context.Context, r *run, req *domain.InterruptRequest) {
	if e.hooks.OnInterrupt == nil {
		return
	}
	e.hooks.OnInterrupt(ctx, &domain.InterruptEvent{
		EventBase: e.base(r, domain.EventInterrupt),
		Request:   req.Clone(),
	})
}

func (e *Engine) emitDecision(ctx context.Context, r *run, node string, decision domain.Decision) {
	if e.hooks.OnDecision == nil {
		return
	}
	decision.Fields = decision.Fields.Clone()
	e.hooks.OnDecision(ctx, &domain.DecisionEvent{
		EventBase: e.base(r, domain.EventDecision),
		Node:      node,
		Decision:  decision,
	})
}

func (e *Engine) emitRunEnd(ctx context.Context, r *run, status domain.RunStatus, step int, err error) {
	if e.hooks.OnRunEnd == nil {
		return
	}
	e.hooks.OnRunEnd(ctx, &domain.RunEvent{
		EventBase: e.base(r, domain.EventRunEnd),
		Status:    status,
		Step:      step,
		Took:      e.now().Sub(r.started),
		Err:       err,
	})
}
