// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/shepherd/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// actorIDContextKey はリクエストコンテキストに操作者（メンバー）IDを格納するためのキー。
var actorIDContextKey = contextKey("actor_id")

// AuthConfig はBearerトークン認証の設定を保持する。
type AuthConfig struct {
	Secret []byte        // HS256の署名鍵
	Issuer string        // 空でなければissクレームを検証する
	Leeway time.Duration // exp/nbfの許容誤差
}

// NewAuthMiddleware はAuthorizationヘッダーのBearerトークン（HS256のJWT）を検証し、
// subクレームのメンバーIDをリクエストコンテキストに注入するミドルウェアを返す。
// トークンがない、または無効な場合は401 Unauthorizedを返す。
func NewAuthMiddleware(cfg AuthConfig) func(next http.Handler) http.Handler {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(cfg.Leeway),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	parser := jwt.NewParser(opts...)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, ok := bearerToken(r)
			if !ok {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			claims := &jwt.RegisteredClaims{}
			_, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
				return cfg.Secret, nil
			})
			if err != nil {
				level := slog.LevelWarn
				if errors.Is(err, jwt.ErrTokenExpired) {
					level = slog.LevelInfo
				}
				slog.Log(r.Context(), level, "invalid bearer token",
					slog.String("error", err.Error()),
				)
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}
			if claims.Subject == "" {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			recordActor(r.Context(), claims.Subject)
			ctx := ContextWithActorID(r.Context(), claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerToken はAuthorizationヘッダーからトークンを取り出す。
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// SignToken はメンバーIDをsubクレームに持つHS256トークンを発行する。
// ダッシュボードの開発環境やテストで使用する。
func SignToken(cfg AuthConfig, memberID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   memberID,
		Issuer:    cfg.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(cfg.Secret)
	if err != nil {
		return "", fmt.Errorf("トークンの署名に失敗しました: %w", err)
	}
	return signed, nil
}

// ActorIDFromContext はリクエストコンテキストから操作者IDを取得する。
// 認証ミドルウェアを通過したリクエストでのみ有効。
func ActorIDFromContext(ctx context.Context) (string, error) {
	actorID, ok := ctx.Value(actorIDContextKey).(string)
	if !ok || actorID == "" {
		return "", fmt.Errorf("actor ID not found in context")
	}
	return actorID, nil
}

// ContextWithActorID はコンテキストに操作者IDを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithActorID(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorIDContextKey, actorID)
}
