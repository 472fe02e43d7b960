package apierr

import (
	"context"
	"runtime/debug"

	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// UnaryServerInterceptor wraps every externally-facing RPC handler so that
// any returned or panicking error is (a) logged with a stack trace and (b)
// translated to a uniform RPC status, per spec §4.8. A Remote error (one
// re-raised while this server was itself calling a downstream Searcher)
// keeps its original code and message; anything else becomes the status
// ToStatus assigns it, and an unrecognized panic becomes codes.Unknown.
func UnaryServerInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic in rpc handler",
					zap.String("method", info.FullMethod),
					zap.Any("panic", r),
					zap.String("stack", string(debug.Stack())),
				)
				err = New(KindUnknown, "internal error")
			}
		}()

		resp, err = handler(ctx, req)
		if err != nil {
			logger.Error("rpc handler error",
				zap.String("method", info.FullMethod),
				zap.Error(err),
			)
			return resp, ToStatus(err).Err()
		}
		return resp, nil
	}
}
