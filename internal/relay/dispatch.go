package relay

import (
	"context"
)

type job struct {
	ctx  context.Context
	in   Inbound
	done chan Outcome

	// run, when set, replaces the relay turn with a session mutation.
	run func(context.Context) error
}

// Submit schedules a turn. Turns for the same user run one at a time in
// arrival order; at most MaxConcurrent relays run across users. The
// returned channel receives exactly one Outcome.
func (r *Relay) Submit(ctx context.Context, in Inbound) (<-chan Outcome, error) {
	j := job{ctx: ctx, in: in, done: make(chan Outcome, 1)}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if r.active[in.UserID] {
		if r.cfg.BusyPolicy == BusyReject {
			r.mu.Unlock()
			if _, err := in.FrontEnd.Send(ctx, in.ChatID, MsgBusy); err != nil {
				r.logger.Warn().Err(err).Str("user_id", in.UserID).Msg("busy notice not delivered")
			}
			return nil, ErrBusy
		}
		r.pending[in.UserID] = append(r.pending[in.UserID], j)
		r.mu.Unlock()
		return j.done, nil
	}
	r.active[in.UserID] = true
	r.mu.Unlock()

	r.pool.Go(func() { r.drain(in.UserID, j) })
	return j.done, nil
}

// Do runs fn in userID's lane: after every turn already running or queued
// for that user and before any submitted later. It ignores the busy policy
// and blocks until fn returns or ctx is done.
func (r *Relay) Do(ctx context.Context, userID string, fn func(context.Context) error) error {
	j := job{ctx: ctx, in: Inbound{UserID: userID}, run: fn, done: make(chan Outcome, 1)}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if r.active[userID] {
		r.pending[userID] = append(r.pending[userID], j)
		r.mu.Unlock()
	} else {
		r.active[userID] = true
		r.mu.Unlock()
		r.pool.Go(func() { r.drain(userID, j) })
	}

	select {
	case out := <-j.done:
		return out.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drain runs j and then every turn queued behind it for the same user.
func (r *Relay) drain(userID string, j job) {
	for {
		j.done <- r.execute(j)

		r.mu.Lock()
		queue := r.pending[userID]
		if len(queue) == 0 {
			delete(r.pending, userID)
			delete(r.active, userID)
			r.mu.Unlock()
			return
		}
		j = queue[0]
		r.pending[userID] = queue[1:]
		r.mu.Unlock()
	}
}

func (r *Relay) execute(j job) Outcome {
	if j.run != nil {
		if err := j.ctx.Err(); err != nil {
			return Outcome{Phase: PhaseFailed, Err: err}
		}
		if err := j.run(j.ctx); err != nil {
			return Outcome{Phase: PhaseFailed, Err: err}
		}
		return Outcome{Phase: PhaseDone}
	}
	if err := r.sem.Acquire(j.ctx, 1); err != nil {
		return Outcome{Phase: PhaseFailed, Err: err}
	}
	defer r.sem.Release(1)
	out, _ := r.Handle(j.ctx, j.in)
	return out
}

// InFlight reports whether the user has a turn running or queued.
func (r *Relay) InFlight(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[userID]
}

// Close stops accepting turns and waits for queued ones to finish.
func (r *Relay) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()
	r.pool.Wait()
}
