// Package httpserver exposes the long-poll endpoint and a small JSON API for
// publishing and flushing.
//
// Routes:
//
//	POST /message-bus/{client_id}/poll[?dlp=t]   form body channel=position
//	POST /v1/publish                              {"partition","channel","data","user_ids","group_ids"}
//	POST /v1/flush                                {"partition"}
//	GET  /v1/healthz
//	GET  /v1/stats
//	GET  /metrics                                 when WithMetrics is set
//
// Example:
//
//	rt, _ := runtime.Open(runtime.Options{Config: config.Default()})
//	s := httpserver.New(rt, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = s.ListenAndServe(ctx, ":8080")
package httpserver
