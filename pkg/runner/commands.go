package runner

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rivet-dev/runner-go/pkg/protocol"
)

// handleCommands processes an engine command batch. Start commands run
// their registration prologue synchronously so inbound tunnel frames for a
// starting actor cannot race past it; the host start callback runs on its
// own goroutine.
func (r *Runner) handleCommands(ctx context.Context, cmds []protocol.CommandWrapper) {
	for _, cmd := range cmds {
		switch cmd.Type {
		case protocol.CommandTypeStartActor:
			if cmd.StartActor == nil {
				slog.ErrorContext(ctx, "start command without payload", "actor_id", cmd.ActorID)
				continue
			}
			r.handleCommandStartActor(ctx, cmd)
		case protocol.CommandTypeStopActor:
			generation := cmd.Generation
			go r.forceStopActor(ctx, cmd.ActorID, &generation)
		default:
			slog.ErrorContext(ctx, "BUG: unknown command type", "type", cmd.Type, "actor_id", cmd.ActorID)
		}
	}
}

// handleCommandStartActor registers the actor and its pre-existing
// hibernating-request routes before any suspension, then boots user code.
func (r *Runner) handleCommandStartActor(ctx context.Context, cmd protocol.CommandWrapper) {
	start := cmd.StartActor
	actor := newActor(cmd.ActorID, cmd.Generation, start.Config, start.HibernatingRequests)

	r.mu.Lock()
	if prior, ok := r.actors[cmd.ActorID]; ok {
		prior.mu.Lock()
		pendingCount := len(prior.pendingRequests)
		prior.mu.Unlock()
		slog.WarnContext(ctx, "replacing existing actor",
			"actor_id", cmd.ActorID,
			"old_generation", prior.Generation(),
			"new_generation", cmd.Generation,
			"abandoned_requests", pendingCount)
	}
	r.actors[cmd.ActorID] = actor
	for _, h := range start.HibernatingRequests {
		r.requestToActor[h.Key()] = cmd.ActorID
	}
	r.mu.Unlock()

	actor.setCommandIdx(cmd.Index)

	r.emitEvent(ctx, actor, protocol.Event{
		Type:  protocol.EventTypeActorStateUpdate,
		State: &protocol.ActorState{Type: protocol.ActorStateTypeRunning},
	})

	go r.runActorStart(ctx, actor)
}

// runActorStart invokes the host start callback and settles the actor's
// startup signal.
func (r *Runner) runActorStart(ctx context.Context, actor *Actor) {
	err := r.handler.OnActorStart(ctx, actor.ID(), actor.Generation(), actor.Config())
	if err != nil {
		slog.ErrorContext(ctx, "actor start failed", "actor_id", actor.ID(), "generation", actor.Generation(), "error", err)
		actor.resolveStart(fmt.Errorf("actor start failed: %w", err))
		generation := actor.Generation()
		r.forceStopActor(ctx, actor.ID(), &generation)
		return
	}
	actor.resolveStart(nil)
	slog.InfoContext(ctx, "actor started", "actor_id", actor.ID(), "generation", actor.Generation())
}

// forceStopActor tears an actor down: host stop callback, active-request
// teardown, stopped event, then removal. A stale generation is dropped with
// a warning.
func (r *Runner) forceStopActor(ctx context.Context, actorID string, generation *uint32) {
	actor := r.getActor(actorID)
	if actor == nil {
		slog.DebugContext(ctx, "stop for unknown actor", "actor_id", actorID)
		return
	}
	if generation != nil && *generation != actor.Generation() {
		slog.WarnContext(ctx, "dropping stop for stale generation",
			"actor_id", actorID, "command_generation", *generation, "current_generation", actor.Generation())
		return
	}

	if err := r.handler.OnActorStop(ctx, actor.ID(), actor.Generation()); err != nil {
		slog.ErrorContext(ctx, "actor stop handler error", "actor_id", actorID, "error", err)
	}

	r.tunnel.closeActiveRequests(ctx, actor)

	r.emitEvent(ctx, actor, protocol.Event{
		Type: protocol.EventTypeActorStateUpdate,
		State: &protocol.ActorState{
			Type: protocol.ActorStateTypeStopped,
			Code: protocol.StopCodeOk,
		},
	})

	r.mu.Lock()
	if r.actors[actorID] == actor {
		delete(r.actors, actorID)
	}
	r.mu.Unlock()
	r.unmapActorRequests(actorID)

	slog.InfoContext(ctx, "actor stopped", "actor_id", actorID, "generation", actor.Generation())
}

// SleepActor emits a sleep intent. The actor stays loaded until the engine
// commands removal; removing it early would break generation reconciliation.
func (r *Runner) SleepActor(ctx context.Context, actorID string) error {
	return r.emitIntent(ctx, actorID, protocol.ActorIntentSleep)
}

// StopActor emits a stop intent. As with sleep, removal waits for the
// engine's CommandStopActor.
func (r *Runner) StopActor(ctx context.Context, actorID string) error {
	return r.emitIntent(ctx, actorID, protocol.ActorIntentStop)
}

func (r *Runner) emitIntent(ctx context.Context, actorID string, intent protocol.ActorIntent) error {
	actor := r.getActor(actorID)
	if actor == nil {
		return fmt.Errorf("%w: %s", ErrActorNotFound, actorID)
	}
	r.emitEvent(ctx, actor, protocol.Event{
		Type:   protocol.EventTypeActorIntent,
		Intent: intent,
	})
	return nil
}

// SetActorAlarm schedules or clears (nil) the actor's alarm timestamp.
func (r *Runner) SetActorAlarm(ctx context.Context, actorID string, alarmTs *uint64) error {
	actor := r.getActor(actorID)
	if actor == nil {
		return fmt.Errorf("%w: %s", ErrActorNotFound, actorID)
	}
	r.emitEvent(ctx, actor, protocol.Event{
		Type:        protocol.EventTypeActorSetAlarm,
		AlarmTs:     alarmTs,
		HasAlarmSet: alarmTs != nil,
	})
	return nil
}
