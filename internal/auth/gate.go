package auth

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"mallpanel.org/internal/obs"
)

// DecisionCache memoizes gate decisions per user. Lookup returns the cache
// generation it read; Store only makes a decision visible while that
// generation is still current, so an invalidation that lands between the
// permission read and the store wins. An empty generation means "do not store".
type DecisionCache interface {
	Lookup(ctx context.Context, userID, module, action string) (allowed, found bool, gen string)
	Store(ctx context.Context, userID, module, action string, allowed bool, gen string)
	ForgetUser(ctx context.Context, userID string)
	ForgetAll(ctx context.Context)
}

// Gate answers whether a user holds an exact (module, action) permission.
// Any lookup failure denies.
type Gate struct {
	resolver PermissionResolver
	cache    DecisionCache
	log      *zap.Logger
}

// GateOption configures Gate.
type GateOption func(*Gate)

func WithDecisionCache(c DecisionCache) GateOption {
	return func(g *Gate) { g.cache = c }
}

func WithGateLogger(l *zap.Logger) GateOption {
	return func(g *Gate) {
		if l != nil {
			g.log = l
		}
	}
}

func NewGate(resolver PermissionResolver, opts ...GateOption) *Gate {
	g := &Gate{resolver: resolver, log: zap.NewNop()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// CheckPermission reports whether userID currently holds module:action.
func (g *Gate) CheckPermission(ctx context.Context, userID, module, action string) bool {
	if g == nil || g.resolver == nil {
		return false
	}
	userID = strings.TrimSpace(userID)
	if userID == "" || module == "" || action == "" {
		obs.ObserveAuthzDecision(module, action, false)
		return false
	}
	var gen string
	if g.cache != nil {
		allowed, found, current := g.cache.Lookup(ctx, userID, module, action)
		if found {
			obs.ObserveAuthzDecision(module, action, allowed)
			return allowed
		}
		gen = current
	}
	perms, err := g.resolver.UserPermissions(ctx, userID)
	if err != nil {
		g.log.Warn("permission lookup failed, denying",
			zap.String("user_id", userID),
			zap.String("permission", PermissionKey(module, action)),
			zap.Error(err),
		)
		obs.ObserveAuthzDecision(module, action, false)
		return false
	}
	allowed := HasPermission(perms, module, action)
	if g.cache != nil && gen != "" {
		g.cache.Store(ctx, userID, module, action, allowed, gen)
	}
	obs.ObserveAuthzDecision(module, action, allowed)
	return allowed
}

// Require returns ErrForbidden unless the principal holds module:action.
func (g *Gate) Require(ctx context.Context, p Principal, module, action string) error {
	if p.UserID == "" {
		return ErrUnauthorized
	}
	if !g.CheckPermission(ctx, p.UserID, module, action) {
		return fmt.Errorf("%w: missing permission %s", ErrForbidden, PermissionKey(module, action))
	}
	return nil
}

// ForgetUser drops cached decisions for one user.
func (g *Gate) ForgetUser(ctx context.Context, userID string) {
	if g != nil && g.cache != nil {
		g.cache.ForgetUser(ctx, userID)
	}
}

// ForgetAll drops every cached decision.
func (g *Gate) ForgetAll(ctx context.Context) {
	if g != nil && g.cache != nil {
		g.cache.ForgetAll(ctx)
	}
}
