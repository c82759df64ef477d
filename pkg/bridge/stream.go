package bridge

import (
	"fmt"
	"strings"
)

// Frame is one parsed upstream message together with its derived stream
// name, as handed from the reader to the queue.
type Frame struct {
	Stream  string
	Payload map[string]any
}

// SubscriptionSet is the ordered, de-duplicated set of stream identifiers
// the session subscribes to. It is immutable once the session starts.
type SubscriptionSet struct {
	streams []string
}

// NewSubscriptionSet builds a subscription set, collapsing duplicates while
// preserving first-seen order. Stream names are normalized to lower case,
// matching the upstream convention.
func NewSubscriptionSet(streams []string) *SubscriptionSet {
	seen := make(map[string]struct{}, len(streams))
	ordered := make([]string, 0, len(streams))
	for _, s := range streams {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		ordered = append(ordered, s)
	}
	return &SubscriptionSet{streams: ordered}
}

// Streams returns the subscription identifiers in order.
func (s *SubscriptionSet) Streams() []string {
	out := make([]string, len(s.streams))
	copy(out, s.streams)
	return out
}

// Len returns the number of subscribed streams.
func (s *SubscriptionSet) Len() int { return len(s.streams) }

// CombinedPath returns the combined-stream URL path segment, e.g.
// "btcusdt@trade/btcusdt@ticker".
func (s *SubscriptionSet) CombinedPath() string {
	return strings.Join(s.streams, "/")
}

// depthStream returns the single @depth subscription when exactly one
// exists. Depth snapshot frames carry no symbol, so the subscription set is
// the only place the symbol can be recovered from.
func (s *SubscriptionSet) depthStream() (string, bool) {
	var found string
	for _, stream := range s.streams {
		if strings.Contains(stream, "@depth") {
			if found != "" {
				return "", false
			}
			found = stream
		}
	}
	return found, found != ""
}

// DeriveStream derives the stream identifier for a parsed frame, applying
// the rules in order:
//
//  1. depth snapshot (lastUpdateId + bids): symbol from the frame or the
//     active subscription set
//  2. event-type field "e": trade, 24hrTicker, depthUpdate, kline
//  3. combined-stream envelope: "stream" key used verbatim, inner "data"
//     becomes the payload
//  4. otherwise the frame is unusable and skipped
//
// The returned payload is the object the envelope should carry; for rule 3
// it is the unwrapped inner object, otherwise the input.
func DeriveStream(obj map[string]any, subs *SubscriptionSet) (stream string, payload map[string]any, ok bool) {
	if obj == nil {
		return "", nil, false
	}

	// Rule 1: depth snapshot.
	if _, hasUpdate := obj["lastUpdateId"]; hasUpdate {
		if _, hasBids := obj["bids"]; hasBids {
			if sym, found := symbolOf(obj); found {
				return fmt.Sprintf("%s@depth20@100ms", sym), obj, true
			}
			if subs != nil {
				if depth, found := subs.depthStream(); found {
					return depth, obj, true
				}
			}
			return "", nil, false
		}
	}

	// Rule 2: event-type dispatch.
	if event, _ := obj["e"].(string); event != "" {
		sym, found := symbolOf(obj)
		if !found {
			return "", nil, false
		}
		switch event {
		case "trade":
			return sym + "@trade", obj, true
		case "24hrTicker":
			return sym + "@ticker", obj, true
		case "depthUpdate":
			return sym + "@depth20@100ms", obj, true
		case "kline":
			kline, _ := obj["k"].(map[string]any)
			interval, _ := kline["i"].(string)
			if interval == "" {
				return "", nil, false
			}
			return fmt.Sprintf("%s@kline_%s", sym, interval), obj, true
		}
		return "", nil, false
	}

	// Rule 3: combined-stream envelope.
	if name, _ := obj["stream"].(string); name != "" {
		if inner, isObj := obj["data"].(map[string]any); isObj {
			return name, inner, true
		}
		return "", nil, false
	}

	return "", nil, false
}

// symbolOf extracts the lower-cased symbol from a frame's "s" field.
func symbolOf(obj map[string]any) (string, bool) {
	sym, _ := obj["s"].(string)
	if sym == "" {
		return "", false
	}
	return strings.ToLower(sym), true
}
