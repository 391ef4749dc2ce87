// Package redisstream provides a Redis Streams gateway for xdispatch.
//
// Gateway name: "redis-streams"
//
// Every message type is written to its own stream, <prefix>stream:<TYPE>.
// A batch is one MULTI/EXEC transaction of XADDs, so it is accepted or
// rejected as a whole. Remote subscriptions are stored in the hash
// <prefix>subscriptions; those without a callback URL are consumed through
// one consumer group per component and pushed into the bound receiver.
//
// Minimal config keys:
// - addr: "host:port" (default "127.0.0.1:6379")
// - prefix: key prefix (default "xdispatch:")
// - group: consumer group name (default "xdispatch")
// - consumer: consumer name (default "xdispatch-<host>-<pid>")
// - batch_size: XREADGROUP COUNT (default 128)
// - block: XREADGROUP BLOCK duration (default 5s)
// - max_len_approx: approximate stream cap, 0 for none
// - claim_min_idle: reclaim entries pending longer than this (default off)
// - codec: payload codec name (default "json")
//
// Example builder usage:
//
//	d, _ := xdispatch.NewDispatcherBuilder().
//	    WithGateway(redisstream.GatewayName, map[string]any{
//	        "addr":     "localhost:6379",
//	        "group":    "apollo",
//	        "consumer": "apollo-1",
//	        "block":    "2s",
//	    }).
//	    WithComponentName("apollo").
//	    Build()
package redisstream
