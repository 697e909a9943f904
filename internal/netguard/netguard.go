// Package netguard gates real-money network calls behind environment flags.
// A sensitive domain only passes when two independent switches agree: the
// global dry-run flag is off AND the per-system live flag is on. Missing or
// garbled flags mean dry-run, so the default is always blocked.
//
// 真实扣费域名的双开关保护：默认全部拦截。
package netguard

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
)

// Systems with real-money APIs behind them.
const (
	SystemMeta    = "meta"
	SystemDropi   = "dropi"
	SystemShopify = "shopify"
)

var domainToSystem = map[string]string{
	"graph.facebook.com": SystemMeta,
	"api.dropi.co":       SystemDropi,
	"myshopify.com":      SystemShopify,
}

// ErrBlocked is wrapped by every Enforce denial.
var ErrBlocked = errors.New("netguard: network call blocked by flags")

// Flags is the environment switch state. Zero value is fully closed.
type Flags struct {
	DryRun      bool
	LiveMeta    bool
	LiveDropi   bool
	LiveShopify bool
}

// FlagsFromEnv reads CAPGUARD_DRY_RUN and CAPGUARD_LIVE_{META,DROPI,SHOPIFY}.
// DryRun defaults to true when unset or unparsable.
func FlagsFromEnv() Flags {
	return Flags{
		DryRun:      parseBool(os.Getenv("CAPGUARD_DRY_RUN"), true),
		LiveMeta:    parseBool(os.Getenv("CAPGUARD_LIVE_META"), false),
		LiveDropi:   parseBool(os.Getenv("CAPGUARD_LIVE_DROPI"), false),
		LiveShopify: parseBool(os.Getenv("CAPGUARD_LIVE_SHOPIFY"), false),
	}
}

func parseBool(s string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

// AllowNetwork reports whether live calls to a system are permitted. Both
// switches must agree; an unknown system is never allowed.
func (f Flags) AllowNetwork(system string) bool {
	if f.DryRun {
		return false
	}
	switch system {
	case SystemMeta:
		return f.LiveMeta
	case SystemDropi:
		return f.LiveDropi
	case SystemShopify:
		return f.LiveShopify
	default:
		return false
	}
}

// ClassifySystem maps a URL to its money system, or "" for a neutral domain.
// Subdomains of a sensitive domain count as that domain.
func ClassifySystem(rawURL string) string {
	host := hostOf(rawURL)
	if host == "" {
		return ""
	}
	for dom, sys := range domainToSystem {
		if host == dom || strings.HasSuffix(host, "."+dom) {
			return sys
		}
	}
	return ""
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(u.Hostname()))
}

// Decision is the outcome of one URL policy check.
type Decision struct {
	Allowed bool
	System  string
	Reason  string
}

// Decide applies the two-switch rule to a URL using flags from the
// environment.
func Decide(rawURL string) Decision {
	return DecideWith(rawURL, FlagsFromEnv())
}

// DecideWith is Decide with explicit flags, for callers that snapshot the
// environment once.
func DecideWith(rawURL string, flags Flags) Decision {
	sys := ClassifySystem(rawURL)
	if sys == "" {
		return Decision{Allowed: true}
	}
	if flags.AllowNetwork(sys) {
		return Decision{Allowed: true, System: sys}
	}
	return Decision{
		Allowed: false,
		System:  sys,
		Reason: fmt.Sprintf("NETWORK_BLOCKED_BY_FLAGS: system=%s url=%s (set CAPGUARD_DRY_RUN=0 and CAPGUARD_LIVE_%s=1)",
			sys, rawURL, strings.ToUpper(sys)),
	}
}

// Enforce fails closed: a blocked URL returns an error wrapping ErrBlocked.
func Enforce(rawURL string) error {
	d := Decide(rawURL)
	if d.Allowed {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrBlocked, d.Reason)
}
