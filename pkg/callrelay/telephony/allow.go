package telephony

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Directory answers whether a number belongs to the account. *Client satisfies it.
type Directory interface {
	IsIncomingNumber(ctx context.Context, number string) (bool, error)
	IsVerifiedCallerID(ctx context.Context, number string) (bool, error)
}

type AllowConfig struct {
	Static    []string
	Directory Directory
	CacheSize int
	CacheTTL  time.Duration
	Logger    *slog.Logger
}

// AllowPolicy decides whether an outbound call may be placed to a number:
// the static list first, then the account directory. Directory answers are
// cached; lookup failures are not.
type AllowPolicy struct {
	static    map[string]struct{}
	directory Directory
	cache     *expirable.LRU[string, bool]
	logger    *slog.Logger
}

func NewAllowPolicy(cfg AllowConfig) *AllowPolicy {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1024
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	p := &AllowPolicy{
		static:    make(map[string]struct{}, len(cfg.Static)),
		directory: cfg.Directory,
		cache:     expirable.NewLRU[string, bool](cfg.CacheSize, nil, cfg.CacheTTL),
		logger:    cfg.Logger,
	}
	for _, n := range cfg.Static {
		if n = normalizeNumber(n); n != "" {
			p.static[n] = struct{}{}
		}
	}
	return p
}

func (p *AllowPolicy) Allowed(ctx context.Context, number string) (bool, error) {
	number = normalizeNumber(number)
	if number == "" {
		return false, nil
	}
	if _, ok := p.static[number]; ok {
		return true, nil
	}
	if allowed, ok := p.cache.Get(number); ok {
		return allowed, nil
	}
	if p.directory == nil {
		return false, nil
	}

	allowed, err := p.directory.IsIncomingNumber(ctx, number)
	if err != nil {
		return false, fmt.Errorf("incoming number lookup: %w", err)
	}
	if !allowed {
		allowed, err = p.directory.IsVerifiedCallerID(ctx, number)
		if err != nil {
			return false, fmt.Errorf("caller id lookup: %w", err)
		}
	}
	p.cache.Add(number, allowed)
	p.logger.Debug("allow decision", "number", number, "allowed", allowed)
	return allowed, nil
}

func normalizeNumber(n string) string {
	return strings.ReplaceAll(strings.TrimSpace(n), " ", "")
}
