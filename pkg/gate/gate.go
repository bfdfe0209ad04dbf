// Package gate decides whether a room may accept new work right now. The
// evaluator is a pure function of room state, the server clock, config, and
// the tenant's current minute-bucket count; rules are checked in a fixed
// order and the first match wins.
package gate

import (
	"time"

	"github.com/arbiterhq/arbiter/pkg/config"
	"github.com/arbiterhq/arbiter/pkg/store"
)

// Deny reason codes, in evaluation order.
const (
	ReasonGeneratingLock  = "gate_generating_lock"
	ReasonCooldown        = "gate_cooldown"
	ReasonBackpressure    = "gate_backpressure"
	ReasonTenantRateLimit = "gate_tenant_rate_limit"
)

// Decision is the gate verdict for one event.
type Decision struct {
	Allow      bool
	ReasonCode string
}

// Evaluate applies the admission rules. Cooldown compares against now (the
// server clock), never the event's own timestamp, so back- or future-dated
// events cannot bypass pacing.
func Evaluate(room store.RoomState, now time.Time, cfg config.GateConfig, tenantCount int) Decision {
	if room.Generating {
		return Decision{ReasonCode: ReasonGeneratingLock}
	}
	if cfg.CooldownMS > 0 && room.LastSendAt != nil {
		if now.Sub(*room.LastSendAt) < time.Duration(cfg.CooldownMS)*time.Millisecond {
			return Decision{ReasonCode: ReasonCooldown}
		}
	}
	if cfg.MaxQueue > 0 && room.PendingQueueSize >= cfg.MaxQueue {
		return Decision{ReasonCode: ReasonBackpressure}
	}
	if cfg.TenantRateLimitPerMin > 0 && tenantCount >= cfg.TenantRateLimitPerMin {
		return Decision{ReasonCode: ReasonTenantRateLimit}
	}
	return Decision{Allow: true}
}
