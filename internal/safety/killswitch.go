// Package safety implements the two fail-closed breakers guarding real-money
// operations: a persisted kill switch and a persisted circuit breaker. Both
// treat corrupted state files as "blocked", never as a clean start.
package safety

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"capital-guard/internal/fsx"
)

// Level scopes a kill switch activation.
type Level string

const (
	LevelCampaign  Level = "campaign"
	LevelChannel   Level = "channel"
	LevelPortfolio Level = "portfolio"
	LevelSystem    Level = "system"
)

// ReasonStateCorrupted marks the synthetic SYSTEM activation installed when
// the persisted state cannot be parsed.
const ReasonStateCorrupted = "KILLSWITCH_STATE_CORRUPTED"

// Activation describes one active kill.
type Activation struct {
	Level       Level     `json:"level"`
	Reason      string    `json:"reason"`
	TriggeredBy string    `json:"triggered_by"`
	TargetID    string    `json:"target_id,omitempty"`
	ActivatedAt time.Time `json:"activated_at"`
}

// KillSwitch 文件持久化的 kill switch。状态文件损坏时 fail-closed：
// 直接视为 SYSTEM 级已激活，绝不默认放行。
type KillSwitch struct {
	mu        sync.Mutex
	active    map[string]Activation
	statePath string
	logger    zerolog.Logger
}

// NewKillSwitch constructs a switch backed by statePath. Empty statePath
// means in-memory only. A present-but-unreadable state file fails closed.
func NewKillSwitch(statePath string, logger zerolog.Logger) *KillSwitch {
	ks := &KillSwitch{
		active:    make(map[string]Activation),
		statePath: statePath,
		logger:    logger.With().Str("component", "killswitch").Logger(),
	}
	if statePath != "" {
		ks.loadState()
	}
	return ks
}

func key(level Level, targetID string) string {
	if targetID == "" {
		targetID = "*"
	}
	return fmt.Sprintf("%s:%s", level, targetID)
}

// Activate records the activation and persists.
func (k *KillSwitch) Activate(a Activation) {
	if a.ActivatedAt.IsZero() {
		a.ActivatedAt = time.Now().UTC()
	}
	if a.TriggeredBy == "" {
		a.TriggeredBy = "system"
	}

	k.mu.Lock()
	k.active[key(a.Level, a.TargetID)] = a
	k.persistLocked()
	k.mu.Unlock()

	k.logger.Warn().
		Str("level", string(a.Level)).
		Str("target", a.TargetID).
		Str("reason", a.Reason).
		Msg("kill switch activated")
}

// Clear removes the activation for (level, target) and persists. The state
// file is deleted once no activations remain.
func (k *KillSwitch) Clear(level Level, targetID string) {
	k.mu.Lock()
	delete(k.active, key(level, targetID))
	k.persistLocked()
	k.mu.Unlock()

	k.logger.Info().Str("level", string(level)).Str("target", targetID).Msg("kill switch cleared")
}

// IsActive reports whether the given (level, target) kill is on.
func (k *KillSwitch) IsActive(level Level, targetID string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.active[key(level, targetID)]
	return ok
}

// Snapshot returns a copy of all active entries keyed by "{level}:{target}".
func (k *KillSwitch) Snapshot() map[string]Activation {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make(map[string]Activation, len(k.active))
	for key, act := range k.active {
		out[key] = act
	}
	return out
}

// persistLocked never propagates write failures to the caller; in-memory
// state stays authoritative and the error is logged.
func (k *KillSwitch) persistLocked() {
	if k.statePath == "" {
		return
	}

	if len(k.active) == 0 {
		if err := os.Remove(k.statePath); err != nil && !os.IsNotExist(err) {
			k.logger.Debug().Err(err).Msg("kill switch state unlink suppressed")
		}
		return
	}

	data, err := json.MarshalIndent(k.active, "", "  ")
	if err != nil {
		k.logger.Error().Err(err).Msg("kill switch state marshal failed")
		return
	}
	if err := fsx.WriteFileAtomic(k.statePath, data, 0o644); err != nil {
		k.logger.Error().Err(err).Str("path", k.statePath).Msg("kill switch state write failed")
	}
}

func (k *KillSwitch) loadState() {
	raw, err := os.ReadFile(k.statePath)
	if os.IsNotExist(err) {
		return
	}

	failClosed := func(cause error) {
		k.active = map[string]Activation{
			key(LevelSystem, ""): {
				Level:       LevelSystem,
				Reason:      ReasonStateCorrupted,
				TriggeredBy: "killswitch_loader",
				ActivatedAt: time.Now().UTC(),
			},
		}
		k.logger.Error().Err(cause).Str("path", k.statePath).
			Msg("kill switch state corrupted; fail-closed SYSTEM kill activated")
	}

	if err != nil {
		failClosed(err)
		return
	}

	var loaded map[string]Activation
	if err := json.Unmarshal(raw, &loaded); err != nil {
		failClosed(err)
		return
	}
	for _, act := range loaded {
		switch act.Level {
		case LevelCampaign, LevelChannel, LevelPortfolio, LevelSystem:
		default:
			failClosed(fmt.Errorf("unknown level %q", act.Level))
			return
		}
		if act.Reason == "" {
			failClosed(fmt.Errorf("entry missing reason"))
			return
		}
	}
	k.active = loaded
}
