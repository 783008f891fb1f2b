// Package runtime wires storage, config and the delivery engine into a
// single-node pollbus server. It exposes Open/Close, a basic health check and
// accessors for the transports.
//
// Example:
//
//	cfg := config.Default()
//	rt, _ := runtime.Open(runtime.Options{Config: cfg})
//	defer rt.Close()
//	_ = rt.CheckHealth(context.Background())
//	_, _ = rt.Bus().Publish(ctx, "", "/chat", []byte(`"hello"`), backlog.Targets{})
package runtime
