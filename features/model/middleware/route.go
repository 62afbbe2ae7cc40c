package middleware

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"goa.design/toolcore/features/model"
	"goa.design/toolcore/runtime/agent/tools"
)

// RateLimit returns a middleware admitting at most limit generations per
// second with the given burst. Callers block until admitted or ctx ends.
func RateLimit(limit rate.Limit, burst int) func(model.Generator) model.Generator {
	lim := rate.NewLimiter(limit, burst)
	return func(next model.Generator) model.Generator {
		return model.GeneratorFunc(func(ctx context.Context, in tools.ModelGenerateInput) (tools.ModelGenerateOutput, error) {
			if err := lim.Wait(ctx); err != nil {
				return tools.ModelGenerateOutput{}, err
			}
			return next.Generate(ctx, in)
		})
	}
}

// Route dispatches on the input connectionId. An empty connectionId uses
// fallback; an unknown one is an error. fallback may be nil when every
// request names its connection.
func Route(fallback model.Generator, conns map[string]model.Generator) model.Generator {
	return model.GeneratorFunc(func(ctx context.Context, in tools.ModelGenerateInput) (tools.ModelGenerateOutput, error) {
		g := fallback
		if in.ConnectionID != "" {
			var ok bool
			if g, ok = conns[in.ConnectionID]; !ok {
				return tools.ModelGenerateOutput{}, fmt.Errorf("unknown model connection %q", in.ConnectionID)
			}
		}
		if g == nil {
			return tools.ModelGenerateOutput{}, fmt.Errorf("no model connection configured")
		}
		return g.Generate(ctx, in)
	})
}
