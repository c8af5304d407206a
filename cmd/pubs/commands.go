package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/eosfor/pubs/internal/broker"
	"github.com/eosfor/pubs/internal/dispatch"
	"github.com/eosfor/pubs/internal/drain"
	"github.com/eosfor/pubs/internal/failure"
	"github.com/eosfor/pubs/internal/message"
	"github.com/eosfor/pubs/internal/plan"
	"github.com/eosfor/pubs/internal/resolver"
	"github.com/eosfor/pubs/internal/sessionstate"
	"github.com/eosfor/pubs/internal/types"
)

// ─── receive ──────────────────────────────────────────────────────────────────

func (a *app) receiveCmd() *cobra.Command {
	var (
		maxMessages int
		wait        time.Duration
		batchSize   int
		peek        bool
		follow      bool
		session     string
		act         actionFlags
	)
	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Receive or peek messages and write them to stdout",
		Long: `Receive drains a queue or subscription, session by session when the entity
requires it, completing each message unless told otherwise. --max and --wait
bound the drain; without either it stops once the entity is empty.`,
		Args: cobra.NoArgs,
	}
	f := cmd.Flags()
	f.IntVar(&maxMessages, "max", 0, "stop once this many messages were received")
	f.DurationVar(&wait, "wait", 0, "stop once this much time has passed")
	f.IntVar(&batchSize, "batch-size", 0, "messages per fetch (default from config)")
	f.BoolVar(&peek, "peek", false, "read without locking or settling")
	f.BoolVar(&follow, "follow", false, "keep polling an empty entity until interrupted")
	f.StringVar(&session, "session", "", "receive from this session only")
	act.register(f, true)

	cmd.RunE = a.run(true, func(ctx context.Context) error {
		entity, err := a.entity()
		if err != nil {
			return err
		}
		action, err := act.resolve(types.SettleComplete)
		if err != nil {
			return err
		}

		req := drain.Request{
			Mode:       types.ModeReceive,
			Settle:     action,
			DeadLetter: act.deadLetterOptions(),
			BatchSize:  batchSize,
			Follow:     follow,
		}
		if peek {
			if act.given() {
				return failure.New(failure.CodeInvalidArgument, entity.String(), "--peek does not settle messages")
			}
			req.Mode = types.ModePeek
		}
		if req.Plan, err = receivePlan(cmd, maxMessages, wait); err != nil {
			return err
		}

		emit := emitter(a.out)
		var res drain.Result
		if session != "" {
			res, err = a.receiveSession(ctx, entity, session, req, emit)
		} else {
			res, err = a.engine().Drain(ctx, entity, req, emit)
		}
		a.log.Info("receive finished", "entity", entity.String(),
			"emitted", res.Emitted, "settled", res.Settled, "sessions", res.Sessions)
		return err
	})
	return cmd
}

func receivePlan(cmd *cobra.Command, maxMessages int, wait time.Duration) (*plan.Plan, error) {
	var (
		maxp  *int
		waitp *time.Duration
	)
	if cmd.Flags().Changed("max") {
		if maxMessages < 1 {
			return nil, failure.New(failure.CodeInvalidArgument, "", "--max must be at least 1")
		}
		maxp = &maxMessages
	}
	if cmd.Flags().Changed("wait") {
		if wait <= 0 {
			return nil, failure.New(failure.CodeInvalidArgument, "", "--wait must be positive")
		}
		waitp = &wait
	}
	return plan.New(maxp, waitp), nil
}

func (a *app) receiveSession(ctx context.Context, entity types.EntityRef, session string, req drain.Request, emit drain.Emit) (drain.Result, error) {
	sr, err := a.client.AcceptSession(ctx, entity, session)
	if errors.Is(err, broker.ErrSessionsNotSupported) {
		return drain.Result{}, failure.Wrap(failure.CodeInvalidArgument, entity.String(), err)
	}
	if err != nil {
		return drain.Result{}, resolver.Classify(err, entity.String()+"/"+session)
	}
	defer sr.Close(context.WithoutCancel(ctx))
	return a.engine().DrainSession(ctx, entity, sr, req, emit)
}

// ─── purge ────────────────────────────────────────────────────────────────────

func (a *app) purgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Remove every message from a queue or subscription",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = a.run(true, func(ctx context.Context) error {
		entity, err := a.entity()
		if err != nil {
			return err
		}
		n, err := a.engine().Purge(ctx, entity, drain.PurgeOptions{
			BatchSize: a.cfg.Purge.BatchSize,
			Wait:      a.cfg.Purge.Wait,
		})
		if werr := writeJSON(a.out, map[string]any{"entity": entity.String(), "purged": n}); err == nil {
			err = werr
		}
		return err
	})
	return cmd
}

// ─── send ─────────────────────────────────────────────────────────────────────

func (a *app) sendCmd() *cobra.Command {
	var (
		bodies      []string
		props       []string
		sessionID   string
		received    bool
		needSession bool
		st          dispatch.Strategy
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send messages to a queue or topic",
		Long: `Send reads messages from --body flags or, without them, JSON lines on stdin:
objects with "body", optional "sessionId" and "customProperties", or with
--received, messages written by receive, which are re-injected with their
session id, properties and message id.`,
		Args: cobra.NoArgs,
	}
	f := cmd.Flags()
	f.StringArrayVar(&bodies, "body", nil, "message body; repeat for several messages")
	f.StringArrayVar(&props, "props", nil, "JSON object of application properties: once for all bodies or once per body")
	f.StringVar(&sessionID, "session", "", "session id for --body messages")
	f.BoolVar(&received, "received", false, "stdin holds received messages to re-inject")
	f.BoolVar(&needSession, "need-session", false, "reject messages without a session id")
	f.BoolVar(&st.Auto, "auto", false, "one ordered sender per session, sessions in parallel")
	f.IntVar(&st.Workers, "workers", 0, "this many unordered senders per session")
	f.IntVar(&st.MaxBatch, "max-batch", 0, "messages per batch (default from config)")
	f.IntVar(&st.MaxConcurrentSessions, "max-concurrent-sessions", 0, "sessions sent in parallel (default from config)")

	cmd.RunE = a.run(true, func(ctx context.Context) error {
		target, err := a.target()
		if err != nil {
			return err
		}
		msgs, err := a.prepare(bodies, props, sessionID, received, needSession)
		if err != nil {
			return err
		}
		if st.MaxBatch == 0 {
			st.MaxBatch = a.cfg.Send.MaxBatch
		}
		if st.MaxConcurrentSessions == 0 {
			st.MaxConcurrentSessions = a.cfg.Send.MaxConcurrentSessions
		}

		rep, err := a.dispatcher().Send(ctx, target, msgs, st)
		if werr := writeJSON(a.out, rep); err == nil {
			err = werr
		}
		return err
	})
	return cmd
}

func (a *app) prepare(bodies, props []string, sessionID string, received, needSession bool) ([]*types.PreparedMessage, error) {
	if len(bodies) > 0 {
		if received {
			return nil, failure.New(failure.CodeInvalidArgument, "", "--body and --received are mutually exclusive")
		}
		if needSession && sessionID == "" {
			return nil, failure.New(failure.CodeSessionMissing, "", "--need-session requires --session")
		}
		tables := make([]map[string]any, 0, len(props))
		for i, p := range props {
			var t map[string]any
			if err := json.Unmarshal([]byte(p), &t); err != nil {
				return nil, failure.Wrap(failure.CodeInvalidArgument, fmt.Sprintf("--props %d", i+1), err)
			}
			tables = append(tables, t)
		}
		return message.ByParts(bodies, sessionID, tables...)
	}
	if len(props) > 0 || sessionID != "" {
		return nil, failure.New(failure.CodeInvalidArgument, "", "--props and --session only apply to --body")
	}

	if received {
		in, err := readReceived(a.in)
		if err != nil {
			return nil, err
		}
		if len(in) == 0 {
			return nil, failure.New(failure.CodeEmptyInput, "", "no messages on stdin")
		}
		out := make([]*types.PreparedMessage, 0, len(in))
		for _, m := range in {
			if needSession && m.SessionID == "" {
				return nil, failure.New(failure.CodeSessionMissing, "", fmt.Sprintf("message %s has no session id", m.MessageID))
			}
			out = append(out, message.FromReceived(m))
		}
		return out, nil
	}

	tables, err := readTables(a.in)
	if err != nil {
		return nil, err
	}
	return message.FromMaps(tables, needSession)
}

// ─── settle ───────────────────────────────────────────────────────────────────

func (a *app) settleCmd() *cobra.Command {
	var act actionFlags
	cmd := &cobra.Command{
		Use:   "settle",
		Short: "Settle received messages read from stdin (default: complete)",
		Long: `Settle applies one action to messages written by "receive --no-complete",
session by session. Messages must still be locked.`,
		Args: cobra.NoArgs,
	}
	act.register(cmd.Flags(), false)

	cmd.RunE = a.run(true, func(ctx context.Context) error {
		entity, err := a.entity()
		if err != nil {
			return err
		}
		action, err := act.resolve(types.SettleComplete)
		if err != nil {
			return err
		}
		msgs, err := readReceived(a.in)
		if err != nil {
			return err
		}
		n, err := a.engine().SettleGroups(ctx, entity, msgs, action, act.deadLetterOptions())
		if werr := writeJSON(a.out, map[string]any{"settled": n, "action": action.String()}); err == nil {
			err = werr
		}
		return err
	})
	return cmd
}

// ─── deferred ─────────────────────────────────────────────────────────────────

func (a *app) deferredCmd() *cobra.Command {
	var (
		seqs    []int64
		session string
		act     actionFlags
	)
	cmd := &cobra.Command{
		Use:   "deferred",
		Short: "Fetch deferred messages by sequence number and write them to stdout",
		Args:  cobra.NoArgs,
	}
	f := cmd.Flags()
	f.Int64SliceVar(&seqs, "seq", nil, "sequence number; repeat or comma-separate for several")
	f.StringVar(&session, "session", "", "session the messages belong to (required on session entities)")
	act.register(f, true)

	cmd.RunE = a.run(true, func(ctx context.Context) error {
		entity, err := a.entity()
		if err != nil {
			return err
		}
		action, err := act.resolve(types.SettleComplete)
		if err != nil {
			return err
		}
		res, err := a.engine().ReceiveDeferred(ctx, entity, drain.DeferredRequest{
			SessionID:  session,
			Seqs:       seqs,
			Settle:     action,
			DeadLetter: act.deadLetterOptions(),
		}, emitter(a.out))
		a.log.Info("deferred fetch finished", "entity", entity.String(), "emitted", res.Emitted, "settled", res.Settled)
		return err
	})
	return cmd
}

// ─── state ────────────────────────────────────────────────────────────────────

func (a *app) stateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Read, write or build session state",
	}
	cmd.AddCommand(a.stateGetCmd(), a.stateSetCmd(), a.stateNewCmd())
	return cmd
}

// stateView is what state get prints. Raw is only shown when the blob is not
// an ordering checkpoint.
type stateView struct {
	SessionID string              `json:"sessionId"`
	State     *sessionstate.State `json:"state"`
	Raw       string              `json:"raw,omitempty"`
}

func (a *app) stateGetCmd() *cobra.Command {
	var (
		session  string
		asString bool
	)
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Print the state of one session",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().StringVar(&session, "session", "", "session id")
	cmd.Flags().BoolVar(&asString, "as-string", false, "print the raw blob as text")

	cmd.RunE = a.run(true, func(ctx context.Context) error {
		entity, err := a.entity()
		if err != nil {
			return err
		}
		snap, err := a.stateStore().Get(ctx, entity, session)
		if err != nil {
			return err
		}
		if asString {
			_, err = fmt.Fprintln(a.out, string(snap.Raw))
			return err
		}
		v := stateView{SessionID: snap.SessionID, State: snap.State}
		if snap.State == nil {
			v.Raw = string(snap.Raw)
		}
		return writeJSON(a.out, v)
	})
	return cmd
}

func (a *app) stateSetCmd() *cobra.Command {
	var (
		session  string
		value    string
		asString bool
	)
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Overwrite the state of one session",
		Long: `Set stores --value, or stdin when --value is absent. The value must be JSON
unless --as-string is given; "pubs state new" output can be piped in.`,
		Args: cobra.NoArgs,
	}
	cmd.Flags().StringVar(&session, "session", "", "session id")
	cmd.Flags().StringVar(&value, "value", "", "state to store")
	cmd.Flags().BoolVar(&asString, "as-string", false, "store the value verbatim instead of as JSON")

	cmd.RunE = a.run(true, func(ctx context.Context) error {
		entity, err := a.entity()
		if err != nil {
			return err
		}
		if !cmd.Flags().Changed("value") {
			b, err := io.ReadAll(a.in)
			if err != nil {
				return err
			}
			value = strings.TrimSpace(string(b))
		}

		var v any = value
		if !asString {
			if !json.Valid([]byte(value)) {
				return failure.New(failure.CodeInvalidArgument, session, "state is not valid JSON; pass --as-string to store text")
			}
			v = json.RawMessage(value)
		}
		return a.stateStore().Set(ctx, entity, session, v)
	})
	return cmd
}

func (a *app) stateNewCmd() *cobra.Command {
	var (
		lastSeen int
		deferred []string
	)
	cmd := &cobra.Command{
		Use:   "new",
		Short: "Print an ordering checkpoint built from flags",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().IntVar(&lastSeen, "last-seen", 0, "last order number processed")
	cmd.Flags().StringArrayVar(&deferred, "deferred", nil, "deferred message as order:seq; repeat for several")

	cmd.RunE = a.run(false, func(context.Context) error {
		items := make([]any, 0, len(deferred))
		for _, d := range deferred {
			pair, err := parseOrderSeq(d)
			if err != nil {
				return err
			}
			items = append(items, pair)
		}
		st, err := sessionstate.New(lastSeen, items...)
		if err != nil {
			return failure.Wrap(failure.CodeInvalidArgument, "", err)
		}
		_, err = fmt.Fprintln(a.out, string(sessionstate.Serialize(st)))
		return err
	})
	return cmd
}

func parseOrderSeq(s string) ([2]int64, error) {
	o, q, ok := strings.Cut(s, ":")
	if !ok {
		return [2]int64{}, failure.New(failure.CodeInvalidArgument, s, "deferred entries are order:seq")
	}
	order, err := strconv.ParseInt(strings.TrimSpace(o), 10, 64)
	if err != nil {
		return [2]int64{}, failure.Wrap(failure.CodeInvalidArgument, s, err)
	}
	seq, err := strconv.ParseInt(strings.TrimSpace(q), 10, 64)
	if err != nil {
		return [2]int64{}, failure.Wrap(failure.CodeInvalidArgument, s, err)
	}
	return [2]int64{order, seq}, nil
}
