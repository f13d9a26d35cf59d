package mq

import "strings"

// Any is the pattern segment matching exactly one arbitrary segment.
const Any = "*"

// RoutingKey is a tuple-shaped topic address, e.g. ("builds", "7", "finished").
type RoutingKey []string

// Key builds a routing key from segments.
func Key(segments ...string) RoutingKey {
	return RoutingKey(segments)
}

// String renders the key in dotted form for logs and external bridges.
func (k RoutingKey) String() string {
	return strings.Join(k, ".")
}

// Match reports whether the key matches a filter pattern. A pattern segment
// is either a literal or Any, which matches exactly one segment. Lengths must
// match; there is no segment-spanning wildcard.
func (k RoutingKey) Match(pattern RoutingKey) bool {
	if len(k) != len(pattern) {
		return false
	}
	for i, seg := range pattern {
		if seg != Any && seg != k[i] {
			return false
		}
	}
	return true
}
