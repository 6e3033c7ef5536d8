// Package ratelimit provides a token-bucket rate limiter for the message
// pipeline, with an independent bucket per message-type name.
//
//	limiter := ratelimit.New(100, 20)
//	b, err := bus.New(reg, bus.WithRateLimiter(limiter))
package ratelimit
