package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/pflag"

	"github.com/eosfor/pubs/internal/broker"
	"github.com/eosfor/pubs/internal/failure"
	"github.com/eosfor/pubs/internal/types"
)

// wireMessage is the JSON-lines form of a received message. The body travels
// as text.
type wireMessage struct {
	*types.ReceivedMessage
	Body string `json:"body"`
}

// emitter writes each message as one JSON line on out.
func emitter(out io.Writer) func(*types.ReceivedMessage) error {
	enc := json.NewEncoder(out)
	return func(m *types.ReceivedMessage) error {
		return enc.Encode(wireMessage{ReceivedMessage: m, Body: string(m.Body)})
	}
}

// readReceived decodes a stream of messages written by emitter.
func readReceived(in io.Reader) ([]*types.ReceivedMessage, error) {
	var out []*types.ReceivedMessage
	err := decodeStream(in, func(dec *json.Decoder) error {
		w := wireMessage{ReceivedMessage: &types.ReceivedMessage{}}
		if err := dec.Decode(&w); err != nil {
			return err
		}
		w.ReceivedMessage.Body = []byte(w.Body)
		out = append(out, w.ReceivedMessage)
		return nil
	})
	return out, err
}

// readTables decodes a stream of JSON objects.
func readTables(in io.Reader) ([]map[string]any, error) {
	var out []map[string]any
	err := decodeStream(in, func(dec *json.Decoder) error {
		var t map[string]any
		if err := dec.Decode(&t); err != nil {
			return err
		}
		out = append(out, t)
		return nil
	})
	return out, err
}

func decodeStream(in io.Reader, next func(*json.Decoder) error) error {
	dec := json.NewDecoder(in)
	for i := 0; ; i++ {
		err := next(dec)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return failure.Wrap(failure.CodeInvalidArgument, fmt.Sprintf("input line %d", i+1), err)
		}
	}
}

func writeJSON(out io.Writer, v any) error {
	return json.NewEncoder(out).Encode(v)
}

// ─── Settlement flags ─────────────────────────────────────────────────────────

// actionFlags are the mutually exclusive settlement switches.
type actionFlags struct {
	complete    bool
	abandon     bool
	deferMsg    bool
	deadLetter  bool
	none        bool
	named       string
	reason      string
	description string
}

func (f *actionFlags) register(fs *pflag.FlagSet, withNone bool) {
	fs.BoolVar(&f.complete, "complete", false, "complete each message")
	fs.BoolVar(&f.abandon, "abandon", false, "abandon each message")
	fs.BoolVar(&f.deferMsg, "defer", false, "defer each message")
	fs.BoolVar(&f.deadLetter, "deadletter", false, "dead-letter each message")
	fs.StringVar(&f.named, "action", "", "action by name: complete, abandon, defer or deadletter")
	fs.StringVar(&f.reason, "reason", "", "dead-letter reason")
	fs.StringVar(&f.description, "description", "", "dead-letter error description")
	if withNone {
		fs.BoolVar(&f.none, "no-complete", false, "leave messages locked until the lock expires")
	}
}

// given reports whether any switch was set.
func (f *actionFlags) given() bool {
	return f.complete || f.abandon || f.deferMsg || f.deadLetter || f.none || f.named != ""
}

// resolve returns the one chosen settlement, or def when none was chosen.
func (f *actionFlags) resolve(def types.Settlement) (types.Settlement, error) {
	var (
		chosen []types.Settlement
		flags  = []struct {
			set bool
			s   types.Settlement
		}{
			{f.complete, types.SettleComplete},
			{f.abandon, types.SettleAbandon},
			{f.deferMsg, types.SettleDefer},
			{f.deadLetter, types.SettleDeadLetter},
			{f.none, types.SettleNone},
		}
	)
	for _, fl := range flags {
		if fl.set {
			chosen = append(chosen, fl.s)
		}
	}
	if f.named != "" {
		s, err := types.ParseSettlement(f.named)
		if err != nil {
			return 0, failure.Wrap(failure.CodeInvalidArgument, "--action", err)
		}
		chosen = append(chosen, s)
	}
	switch len(chosen) {
	case 0:
		return def, nil
	case 1:
		if chosen[0] != types.SettleDeadLetter && (f.reason != "" || f.description != "") {
			return 0, failure.New(failure.CodeInvalidArgument, "", "--reason and --description only apply to --deadletter")
		}
		return chosen[0], nil
	}
	return 0, failure.New(failure.CodeMultipleActions, "",
		"specify only one action: --complete, --abandon, --defer, --deadletter, --no-complete or --action")
}

func (f *actionFlags) deadLetterOptions() broker.DeadLetterOptions {
	return broker.DeadLetterOptions{Reason: f.reason, Description: f.description}
}
