package watcher

import (
	"context"
	"fmt"

	"github.com/roach88/recsync/internal/transport"
)

// PushEngine subscribes once for the whole watched set and applies the
// revisions announced on the push channel.
//
// After the channel is open it polls every revision once, so changes made
// while the subscription was being set up are not lost. Subscribe, dial
// and read errors kill the engine.
type PushEngine struct {
	*engineCore
	dialer transport.PushDialer
}

var _ Engine = (*PushEngine)(nil)

// NewPushEngine creates a push engine. It subscribes once a database is
// added.
func NewPushEngine(opts EngineOptions, dialer transport.PushDialer) *PushEngine {
	e := &PushEngine{engineCore: newEngineCore("push", opts), dialer: dialer}
	e.run = e.loop
	return e
}

func (e *PushEngine) loop(ctx context.Context, gen uint64) {
	refs := e.refs(gen)
	if len(refs) == 0 {
		return
	}

	sub, err := e.tr.Subscribe(ctx, refs)
	if err != nil {
		e.abort(ctx, gen, fmt.Errorf("subscribe: %w", err))
		return
	}
	conn, err := e.dialer.Dial(ctx, sub.Href)
	if err != nil {
		e.abort(ctx, gen, fmt.Errorf("dial push channel: %w", err))
		return
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	e.logger.Debug("push channel open", "databases", len(refs))
	if err := e.updateRevisions(ctx, gen); err != nil {
		e.abort(ctx, gen, err)
		return
	}

	for {
		msg, err := conn.Read()
		if err != nil {
			e.abort(ctx, gen, fmt.Errorf("read push channel: %w", err))
			return
		}
		if msg.Operation != transport.PushOperationDatabaseChanged {
			e.logger.Debug("ignoring push message", "operation", msg.Operation)
			continue
		}
		e.report(gen, msg.Message.Ref(), msg.Message.Revision)
	}
}

// abort fails the engine unless the generation was canceled on purpose.
func (e *PushEngine) abort(ctx context.Context, gen uint64, err error) {
	if ctx.Err() != nil {
		return
	}
	e.fail(gen, err)
}
