// Package planner chooses the response intent for an event. The choice is a
// pure function of the event and the planner config: randomness comes from a
// deterministic pseudo-probability derived from the event id, so the same
// event always yields the same intent.
package planner

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strings"

	"github.com/arbiterhq/arbiter/pkg/config"
	"github.com/arbiterhq/arbiter/pkg/types"
)

// Intents.
const (
	IntentIgnore  = "IGNORE"
	IntentReply   = "REPLY"
	IntentMessage = "MESSAGE"
)

const mention = "@arbiter"

// Outcome is the planner verdict plus the trace values recorded in audit.
type Outcome struct {
	Intent             string
	ReplyPolicy        string
	Seed               string
	SampledProbability float64
}

// Probability maps an event id onto [0, 1) deterministically:
// the big-endian u64 of the first 8 digest bytes, mod 10000, over 10000.
func Probability(eventID string) float64 {
	sum := sha256.Sum256([]byte(eventID))
	n := binary.BigEndian.Uint64(sum[:8])
	return float64(n%10000) / 10000.0
}

// seedHex is the hex form of the digest prefix the probability is drawn
// from; recorded in the decision trace.
func seedHex(eventID string) string {
	sum := sha256.Sum256([]byte(eventID))
	return hex.EncodeToString(sum[:8])
}

// Plan picks the intent for ev under cfg.
func Plan(ev *types.Event, cfg config.PlannerConfig) Outcome {
	out := Outcome{
		ReplyPolicy:        cfg.ReplyPolicy,
		Seed:               seedHex(ev.EventID),
		SampledProbability: Probability(ev.EventID),
	}

	if _, ok := ev.ReplyTo(); ok {
		out.Intent = IntentReply
		return out
	}

	mentioned := strings.Contains(strings.ToLower(ev.Content.Text), mention)
	p := out.SampledProbability

	switch cfg.ReplyPolicy {
	case "all":
		out.Intent = IntentMessage
	case "reply_only":
		if mentioned {
			out.Intent = IntentReply
		} else {
			out.Intent = IntentIgnore
		}
	case "mention_first":
		switch {
		case mentioned:
			out.Intent = IntentReply
		case p < cfg.ReplyProbability:
			out.Intent = IntentMessage
		default:
			out.Intent = IntentIgnore
		}
	case "probabilistic":
		if p < cfg.ReplyProbability {
			out.Intent = IntentMessage
		} else {
			out.Intent = IntentIgnore
		}
	default:
		out.Intent = IntentIgnore
	}
	return out
}
