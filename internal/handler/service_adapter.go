package handler

import (
	"context"

	"github.com/brifyai/dashboard-brify-sub001/internal/auth"
	"github.com/brifyai/dashboard-brify-sub001/internal/guard"
	"github.com/brifyai/dashboard-brify-sub001/internal/middleware"
)

// AuthServiceAdapter は auth.Service を GatewaySource と guard.ResolverSource に適合させるアダプタ。
type AuthServiceAdapter struct {
	svc *auth.Service
}

// NewAuthServiceAdapter はAuthServiceAdapterを生成する。
func NewAuthServiceAdapter(svc *auth.Service) *AuthServiceAdapter {
	return &AuthServiceAdapter{svc: svc}
}

// AuthGateway はブラウザキーに対応するGatewayを返す。
func (a *AuthServiceAdapter) AuthGateway(ctx context.Context, key string) (AuthGateway, error) {
	gw, err := a.gateway(ctx, key)
	if err != nil {
		return nil, err
	}
	return gw, nil
}

// Resolver はブラウザキーに対応するGatewayをResolverとして返す。
func (a *AuthServiceAdapter) Resolver(ctx context.Context, key string) (guard.Resolver, error) {
	gw, err := a.gateway(ctx, key)
	if err != nil {
		return nil, err
	}
	return gw, nil
}

// gateway は発行したばかりのキーであれば永続化層を引かずにGatewayを組み立てる。
func (a *AuthServiceAdapter) gateway(ctx context.Context, key string) (*auth.Gateway, error) {
	if middleware.BrowserKeyIssued(ctx, key) {
		return a.svc.IssuedGateway(key), nil
	}
	return a.svc.Gateway(ctx, key)
}

// --- compile-time interface checks ---

var _ GatewaySource = (*AuthServiceAdapter)(nil)
var _ guard.ResolverSource = (*AuthServiceAdapter)(nil)
var _ AuthGateway = (*auth.Gateway)(nil)
var _ guard.Resolver = (*auth.Gateway)(nil)
