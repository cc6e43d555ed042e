package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rivet-dev/runner-go/pkg/protocol"
	"github.com/rivet-dev/runner-go/pkg/scheduler"
)

// maintenanceJobs returns the periodic sweeps the runner schedules for its
// lifetime: tunnel-message GC, KV expiry, and command-ack checkpoints.
func (r *Runner) maintenanceJobs() []scheduler.Job {
	return []scheduler.Job{
		&tunnelGCJob{r: r},
		&kvSweepJob{r: r},
		&commandAckJob{r: r},
	}
}

type tunnelGCJob struct {
	r *Runner
}

func (j *tunnelGCJob) Name() string { return "tunnel-gc" }

func (j *tunnelGCJob) Schedule(context.Context) string {
	return fmt.Sprintf("@every %s", protocol.GCInterval)
}

func (j *tunnelGCJob) Run(ctx context.Context) {
	j.r.tunnel.gc(ctx, time.Now())
}

type kvSweepJob struct {
	r *Runner
}

func (j *kvSweepJob) Name() string { return "kv-sweep" }

func (j *kvSweepJob) Schedule(context.Context) string {
	return fmt.Sprintf("@every %s", protocol.KVSweepInterval)
}

func (j *kvSweepJob) Run(ctx context.Context) {
	j.r.kv.sweep(ctx, time.Now())
}

type commandAckJob struct {
	r *Runner
}

func (j *commandAckJob) Name() string { return "command-ack" }

func (j *commandAckJob) Schedule(context.Context) string {
	return fmt.Sprintf("@every %s", protocol.CommandAckInterval)
}

// Run reports each actor's last processed command index; actors that have
// processed no command are omitted.
func (j *commandAckJob) Run(ctx context.Context) {
	if !j.r.isReady() {
		return
	}

	var acks []protocol.CommandAck
	for _, actor := range j.r.actorList() {
		idx := actor.commandIdx()
		if idx < 0 {
			continue
		}
		acks = append(acks, protocol.CommandAck{
			ActorID:        actor.ID(),
			LastCommandIdx: uint64(idx),
		})
	}
	if len(acks) == 0 {
		return
	}

	if err := j.r.sendControl(&protocol.ToServer{
		Type:        protocol.ToServerTypeAckCommands,
		AckCommands: &protocol.ToServerAckCommands{Acks: acks},
	}); err != nil {
		slog.DebugContext(ctx, "failed to send command acks", "error", err)
	}
}
