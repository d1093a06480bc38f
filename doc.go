// Package taskrelay keeps one long-lived WebSocket session to the AutoGLM
// task service and fans its responses out to local consumers.
//
// A [Relay] owns a [Connection] (dial, send, receive loop, reconnection with
// backoff) and a [Hub] (bounded history plus per-consumer queues). Inbound
// frames are classified by [Decode]; heartbeats are swallowed, session
// messages update the conversation id and everything else is stored and
// delivered to every registered queue without blocking the receive loop.
//
// # Thread Safety
//
// [Relay], [Connection] and [Hub] are safe for concurrent use by multiple
// goroutines. A [Stream] should only be consumed by a single goroutine.
//
// # Basic Usage
//
//	ctx := context.Background()
//
//	relay := taskrelay.New("wss://example.com/channel/task", "api-token")
//	if err := relay.Initialize(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer relay.Shutdown(ctx)
//
//	stream, err := relay.OpenStream(ctx, "summarise three travel guides")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stream.Close()
//
//	for ev, err := range stream.Events(ctx) {
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    fmt.Println(ev.Type, ev.Message)
//	}
//
// # Observability
//
// Use [WithLogger], [WithOnSend], [WithOnReceive], [WithOnStatus],
// [WithOnReconnect] and [WithOnDrop] to add logging and metrics:
//
//	relay := taskrelay.New(url, token,
//	    taskrelay.WithLogger(zerolog.New(os.Stderr)),
//	    taskrelay.WithOnSend(func(env *taskrelay.Envelope) {
//	        metrics.TasksSent.Inc()
//	    }),
//	)
package taskrelay
