package backend

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// TokenClaims はバックエンドが発行するアクセストークンのクレーム。
type TokenClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
	Role  string `json:"role"`
}

// TokenParser はアクセストークン（JWT）を解析する。
// secretが空の場合は署名を検証せずにクレームだけを読み取る。
type TokenParser struct {
	secret []byte
}

// NewTokenParser はTokenParserを生成する。
func NewTokenParser(secret string) *TokenParser {
	p := &TokenParser{}
	if secret != "" {
		p.secret = []byte(secret)
	}
	return p
}

// Verifies は署名検証を行う設定かどうかを返す。
func (p *TokenParser) Verifies() bool {
	return len(p.secret) > 0
}

// Parse はアクセストークンを解析してクレームを返す。
func (p *TokenParser) Parse(tokenStr string) (*TokenClaims, error) {
	claims := &TokenClaims{}

	if !p.Verifies() {
		if _, _, err := jwt.NewParser().ParseUnverified(tokenStr, claims); err != nil {
			return nil, fmt.Errorf("failed to read token claims: %w", err)
		}
		return claims, nil
	}

	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected token signing method")
		}
		return p.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid access token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid access token")
	}
	return claims, nil
}
