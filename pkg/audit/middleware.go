package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hazyhaar/pgscope/pkg/kit"
)

// Middleware wraps an Endpoint: measures duration, captures the tool's
// arguments, result, and error, and logs asynchronously via the Logger.
func Middleware(logger Logger, toolName string) kit.Middleware {
	return func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, request any) (any, error) {
			start := time.Now()

			resp, err := next(ctx, request)

			entry := &Entry{
				Tool:       toolName,
				Transport:  kit.GetTransport(ctx),
				SessionID:  kit.GetSessionID(ctx),
				RequestID:  kit.GetRequestID(ctx),
				DurationMs: time.Since(start).Milliseconds(),
			}

			if args, e := json.Marshal(request); e == nil {
				entry.Arguments = string(args)
			}
			if err != nil {
				entry.Error = err.Error()
				entry.Status = "error"
			} else {
				entry.Status = "success"
				if result, e := json.Marshal(resp); e == nil {
					entry.Result = string(result)
				}
			}

			logger.LogAsync(entry)
			return resp, err
		}
	}
}
