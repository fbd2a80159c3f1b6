package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/outreach-health/fieldsync/conflict"
	"github.com/outreach-health/fieldsync/internal"
	"github.com/outreach-health/fieldsync/pubsub"
	"github.com/outreach-health/fieldsync/queue"
	"github.com/outreach-health/fieldsync/transfer"
)

// replicator performs incremental replication of one data source for one
// session: pull (remote changes since the device's checkpoint) then push
// (draining the device's offline queue for that source). Conflicts detected
// during pull go through the resolver before anything is applied.
type replicator struct {
	q           *queue.Queue
	conflicts   ConflictLog
	checkpoints Checkpoints
	resolver    *conflict.Resolver
	transport   Transport
	notifier    pubsub.Notifier

	opTimeout      time.Duration
	maxPullRetries int

	recordConflict func(ctype, outcome string)
}

func (r *replicator) withOpTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.opTimeout == 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.opTimeout)
}

// Replicate runs the pull then push passes. A returned error failed the
// whole data source; item-level failures are contained and only reflected
// in the session's failure counters.
func (r *replicator) Replicate(ctx context.Context, s *session, source string, opts conflict.Options) error {
	ctx, span := internal.StartSpan(ctx, "replicate:"+source)
	defer span.End()
	if err := r.pull(ctx, s, source, opts); err != nil {
		return fmt.Errorf("pull %s: %w", source, err)
	}
	if err := r.push(ctx, s, source); err != nil {
		return fmt.Errorf("push %s: %w", source, err)
	}
	return nil
}

func (r *replicator) pull(ctx context.Context, s *session, source string, opts conflict.Options) error {
	snap := s.Snapshot()
	since, err := r.checkpoints.Token(ctx, s.DeviceID(), source)
	if err != nil {
		return err
	}
	failCount := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		opctx, cancel := r.withOpTimeout(ctx)
		items, next, err := r.transport.Pull(opctx, source, since, snap.Policy.BatchSize)
		cancel()
		if err != nil {
			if !internal.IsTransient(err) {
				return err
			}
			failCount++
			if failCount > r.maxPullRetries {
				return internal.Transientf("pull retries exhausted after %d attempts: %s", failCount, err)
			}
			if err := sleepCtx(ctx, backoff(failCount)); err != nil {
				return err
			}
			continue
		}
		failCount = 0
		if len(items) == 0 {
			return nil
		}
		s.addTotal(len(items))

		// The batch carries an opaque checkpoint cursor; the device echoes it
		// back on acknowledgement without ever parsing the server token.
		ack := next
		if ack == "" {
			ack = since
		}
		cursor, err := transfer.EncodeCheckpoint(transfer.NewCheckpoint(source, ack))
		if err != nil {
			return internal.Fatalf("failed to encode checkpoint cursor for %s: %s", source, err)
		}
		batch := &transfer.Batch{Source: source, Cursor: cursor}
		for i := range items {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			applied, err := r.handleRemote(ctx, s, source, &items[i], since, opts)
			if err != nil {
				if internal.KindOf(err) == internal.KindFatal {
					return err
				}
				s.addFailed(1)
				continue
			}
			if applied != nil {
				batch.Items = append(batch.Items, applied)
			}
		}

		if len(batch.Items) > 0 {
			frame, err := transfer.EncodeBatch(batch, snap.Policy.Compress)
			if err != nil {
				return internal.Fatalf("failed to encode batch for %s: %s", source, err)
			}
			opctx, cancel := r.withOpTimeout(ctx)
			err = r.transport.Deliver(opctx, s.DeviceID(), source, frame, len(batch.Items))
			cancel()
			if err != nil {
				return err
			}
			// items only count as synced once the device holds the frame;
			// parked and deduplicated items never do
			s.addSynced(len(batch.Items))
			s.addBytes(int64(len(frame)))
		}

		r.publishProgress(s)
		if next == "" || next == since {
			// no forward cursor to record; treat as caught up
			return nil
		}
		// the checkpoint only moves once the batch is safely delivered
		if err := r.checkpoints.Advance(ctx, s.DeviceID(), source, next); err != nil {
			return err
		}
		since = next
	}
}

// handleRemote applies one pulled change. The returned payload, if any, is
// what the device should receive: the remote data itself, or the resolved
// version when the device held a divergent local mutation. nil with no
// error means the item needs no delivery (duplicate resolution, escalated
// conflict).
func (r *replicator) handleRemote(ctx context.Context, s *session, source string, item *RemoteItem, since string, opts conflict.Options) ([]byte, error) {
	local, err := r.q.PendingEntity(ctx, s.DeviceID(), source, item.EntityType, item.EntityID)
	if err != nil {
		return nil, err
	}
	if local == nil {
		return item.Data, nil
	}

	localVer := conflict.Version{
		Data:     local.Payload,
		Token:    local.VersionToken,
		Checksum: conflict.Checksum(local.Payload),
		// The engine observed the mutation when the device uploaded it to
		// the queue; that receipt time is server-observed and safe to
		// compare. The device's own clock is kept for audit only.
		ServerTS: local.EnqueuedAt,
		DeviceTS: local.DeviceTS,
		Editor:   s.DeviceID(),
	}
	remoteVer := conflict.Version{
		Data:     item.Data,
		Token:    item.Token,
		Checksum: item.Checksum,
		ServerTS: item.ServerTS,
		Editor:   "server",
	}

	// Duplicate delivery of an already-resolved pair is a no-op.
	key := conflict.VersionPairKey(item.EntityType, item.EntityID, localVer.Token, remoteVer.Token)
	if r.resolver.AlreadyResolved(key) {
		return nil, nil
	}
	if existing, err := r.conflicts.GetByVersionPair(ctx, item.EntityType, item.EntityID, localVer.Token, remoteVer.Token); err != nil {
		return nil, err
	} else if existing != nil && existing.Status == conflict.StatusResolved {
		r.resolver.MarkApplied(existing)
		return nil, nil
	}

	opctx, cancel := r.withOpTimeout(ctx)
	base, err := r.transport.Ancestor(opctx, source, item.EntityType, item.EntityID, since)
	cancel()
	if err != nil && !internal.IsTransient(err) {
		return nil, err
	}
	var baseVer conflict.Version
	if base != nil {
		baseVer = *base
	}

	c := conflict.Detect(item.EntityType, item.EntityID, baseVer, localVer, remoteVer)
	if c == nil {
		return item.Data, nil
	}
	c.SessionID = s.ID()
	c.DeviceID = s.DeviceID()
	c.Source = source

	inserted, err := r.conflicts.Insert(ctx, c)
	if err != nil {
		return nil, err
	}
	if !inserted {
		// a previous session logged this pair; pick up where it left off
		existing, err := r.conflicts.GetByVersionPair(ctx, item.EntityType, item.EntityID, localVer.Token, remoteVer.Token)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, internal.Fatalf("conflict %s vanished between insert and select", c.ID)
		}
		if existing.Status == conflict.StatusResolved {
			r.resolver.MarkApplied(existing)
			return nil, nil
		}
		c = existing
	}
	s.addConflict(c.ID)
	r.notify(&pubsub.ConflictDetected{
		ConflictID:   c.ID,
		SessionID:    s.ID(),
		DeviceID:     s.DeviceID(),
		EntityType:   c.EntityType,
		EntityID:     c.EntityID,
		ConflictType: string(c.Type),
		Timestamp:    time.Now(),
	})

	r.resolver.Resolve(c, opts)
	if r.recordConflict != nil {
		r.recordConflict(string(c.Type), string(c.Status))
	}

	if c.Status != conflict.StatusResolved {
		if err := r.conflicts.Update(ctx, c); err != nil {
			return nil, err
		}
		r.notifyResolution(c)
		// parked for a human; neither side is applied
		return nil, nil
	}
	return r.applyResolution(ctx, s, source, c, local)
}

// applyResolution pushes the resolved version upstream when it differs from
// what the server already holds, then marks the device's queued mutation as
// superseded. Failure reverts the conflict to pending for the next session.
func (r *replicator) applyResolution(ctx context.Context, s *session, source string, c *conflict.Conflict, local *queue.Item) ([]byte, error) {
	if c.Resolved.Checksum != c.Remote.Checksum {
		opctx, cancel := r.withOpTimeout(ctx)
		token, serverTS, err := r.transport.Push(opctx, source, queue.OpUpdate, c.EntityType, c.EntityID, c.Resolved.Data)
		cancel()
		if err != nil {
			r.resolver.ApplyFailed(c, err)
			if uerr := r.conflicts.Update(ctx, c); uerr != nil {
				return nil, uerr
			}
			return nil, err
		}
		c.Resolved.Token = token
		c.Resolved.ServerTS = serverTS
	}
	if err := r.conflicts.Update(ctx, c); err != nil {
		return nil, err
	}
	r.resolver.MarkApplied(c)
	r.notifyResolution(c)
	if err := r.q.MarkCancelled(ctx, local.ID, "superseded by conflict resolution "+c.ID); err != nil {
		return nil, err
	}
	return c.Resolved.Data, nil
}

func (r *replicator) push(ctx context.Context, s *session, source string) error {
	snap := s.Snapshot()
	parked, superseded, err := r.conflictIndex(ctx, s.DeviceID(), source)
	if err != nil {
		return err
	}
	// Items blocked on an unresolved conflict stay claimed for the duration
	// of the pass (so Dequeue stops returning them) and go back to pending on
	// the way out, for whichever session runs after the conflict settles.
	var held []string
	defer func() {
		for _, id := range held {
			if rbErr := r.q.Rollback(context.Background(), id); rbErr != nil {
				logger.Error().Err(rbErr).Str("item", id).Msg("failed to roll back held item")
			}
		}
	}()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		items, err := r.q.Dequeue(ctx, s.DeviceID(), source, snap.Policy.BatchSize)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}
		s.addTotal(len(items))
		for i := range items {
			it := &items[i]
			if ctx.Err() != nil {
				// interrupted mid-batch: hand unstarted claims back
				for j := i; j < len(items); j++ {
					if rbErr := r.q.Rollback(context.Background(), items[j].ID); rbErr != nil {
						logger.Error().Err(rbErr).Str("item", items[j].ID).Msg("failed to roll back claimed item")
					}
				}
				return ctx.Err()
			}
			entity := it.EntityType + "|" + it.EntityID
			if parked[entity] {
				held = append(held, it.ID)
				continue
			}
			if rc, ok := superseded[entity+"|"+it.VersionToken]; ok {
				if err := r.applySuperseded(ctx, s, source, it, rc); err != nil {
					s.addFailed(1)
				} else {
					s.addSynced(1)
				}
				continue
			}
			opctx, cancel := r.withOpTimeout(ctx)
			_, _, err := r.transport.Push(opctx, source, it.Op, it.EntityType, it.EntityID, it.Payload)
			cancel()
			if err != nil {
				if mfErr := r.q.MarkFailed(ctx, it.ID, err); mfErr != nil {
					logger.Error().Err(mfErr).Str("item", it.ID).Msg("failed to mark item failed")
				}
				s.addFailed(1)
				if internal.KindOf(err) == internal.KindFatal {
					return err
				}
				continue
			}
			if err := r.q.MarkCompleted(ctx, it.ID); err != nil {
				return err
			}
			s.addSynced(1)
			s.addBytes(int64(len(it.Payload)))
		}
		r.publishProgress(s)
		if len(items) < snap.Policy.BatchSize {
			return nil
		}
	}
}

// conflictIndex loads the device's conflict state for one source: entities
// parked behind an unresolved conflict, and resolved conflicts whose local
// version should never be pushed as-is (a manual decision replaced it).
func (r *replicator) conflictIndex(ctx context.Context, deviceID, source string) (parked map[string]bool, superseded map[string]*conflict.Conflict, err error) {
	parked = make(map[string]bool)
	superseded = make(map[string]*conflict.Conflict)
	for _, status := range []conflict.Status{conflict.StatusPending, conflict.StatusEscalated} {
		cs, err := r.conflicts.Select(ctx, deviceID, status)
		if err != nil {
			return nil, nil, err
		}
		for i := range cs {
			if cs[i].Source == source {
				parked[cs[i].EntityType+"|"+cs[i].EntityID] = true
			}
		}
	}
	resolved, err := r.conflicts.Select(ctx, deviceID, conflict.StatusResolved)
	if err != nil {
		return nil, nil, err
	}
	for i := range resolved {
		c := &resolved[i]
		if c.Source == source && c.Resolved != nil {
			superseded[c.EntityType+"|"+c.EntityID+"|"+c.Local.Token] = c
		}
	}
	return parked, superseded, nil
}

// applySuperseded pushes the resolved version (typically a manual decision
// made between sessions) upstream in place of the stale queued edit.
func (r *replicator) applySuperseded(ctx context.Context, s *session, source string, it *queue.Item, rc *conflict.Conflict) error {
	if rc.Resolved.Checksum != rc.Remote.Checksum {
		opctx, cancel := r.withOpTimeout(ctx)
		_, _, err := r.transport.Push(opctx, source, queue.OpUpdate, it.EntityType, it.EntityID, rc.Resolved.Data)
		cancel()
		if err != nil {
			if rbErr := r.q.Rollback(ctx, it.ID); rbErr != nil {
				logger.Error().Err(rbErr).Str("item", it.ID).Msg("failed to roll back item")
			}
			return err
		}
		s.addBytes(int64(len(rc.Resolved.Data)))
	}
	r.resolver.MarkApplied(rc)
	return r.q.MarkCancelled(ctx, it.ID, "superseded by conflict resolution "+rc.ID)
}

func (r *replicator) publishProgress(s *session) {
	total, synced, failed := s.progress()
	r.notify(&pubsub.SessionProgress{
		SessionID: s.ID(),
		DeviceID:  s.DeviceID(),
		Total:     total,
		Synced:    synced,
		Failed:    failed,
		Timestamp: time.Now(),
	})
}

func (r *replicator) notifyResolution(c *conflict.Conflict) {
	r.notify(&pubsub.ConflictResolved{
		ConflictID: c.ID,
		EntityType: c.EntityType,
		EntityID:   c.EntityID,
		Strategy:   string(c.Strategy),
		Status:     string(c.Status),
		ResolvedBy: c.ResolvedBy,
		Timestamp:  time.Now(),
	})
}

func (r *replicator) notify(p pubsub.Payload) {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.Notify(pubsub.ChanSync, p); err != nil {
		logger.Warn().Err(err).Str("payload", p.Type()).Msg("failed to publish event")
	}
}

func backoff(failCount int) time.Duration {
	return time.Duration(math.Pow(2, float64(failCount))) * time.Second
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
