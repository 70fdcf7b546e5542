package middleware

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

type channelKey struct{}

var ChannelContextKey = channelKey{}

// deriveChannel maps an API key id prefix to its calling channel. Key ids
// look like lic_server_xxx / lic_publishable_xxx / lic_webhook_xxx.
func deriveChannel(keyID string) string {
	switch {
	case strings.HasPrefix(keyID, "lic_server_"):
		return "server"
	case strings.HasPrefix(keyID, "lic_publishable_"):
		return "publishable"
	case strings.HasPrefix(keyID, "lic_webhook_"):
		return "webhook"
	default:
		return "api"
	}
}

// ChannelInterceptor tags the request context with the calling channel
// derived from the x-api-key metadata.
func ChannelInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (resp interface{}, err error) {
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return handler(ctx, req)
		}

		keys := md.Get("x-api-key")
		channel := "api"
		if len(keys) > 0 {
			channel = deriveChannel(keys[0])
		}

		ctx = context.WithValue(ctx, ChannelContextKey, channel)
		return handler(ctx, req)
	}
}

// FromChannel reports whether the context was tagged with the given channel.
func FromChannel(ctx context.Context, want string) bool {
	ch, ok := ctx.Value(ChannelContextKey).(string)
	return ok && ch == want
}

// GetChannel returns the current channel, defaulting to "api".
func GetChannel(ctx context.Context) string {
	ch, ok := ctx.Value(ChannelContextKey).(string)
	if !ok {
		return "api"
	}
	return ch
}
