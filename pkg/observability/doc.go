// Package observability wires OpenTelemetry tracing and RED metrics for the
// foreman server.
//
// Create the provider at startup and shut it down on exit:
//
//	p, err := observability.New(ctx, cfg)
//	defer p.Shutdown(ctx)
//
// Track a unit of work:
//
//	ctx, done := p.TrackOperation(ctx, "supervision.validate", observability.ActionAttrs(id, typ)...)
//	defer func() { done(err) }()
//
// A nil *Provider is valid and records nothing, so components can take one
// as an optional dependency.
package observability
