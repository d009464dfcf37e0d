package middleware

import (
	"context"
	"net/http"
	"strings"

	"im-sync/internal/apperrors"
	"im-sync/internal/auth"
	"im-sync/internal/config"
)

// contextKey 是用于在 context.Context 中存储值的自定义类型，以避免键冲突。
type contextKey string

// UserIDKey 是用于在上下文中存储用户ID的键。
const UserIDKey contextKey = "userID"

// AuthMiddleware 验证 Bearer JWT，并要求令牌属于本进程同步的用户 syncUserID。
// WebSocket 握手无法设置请求头，因此也接受 access_token 查询参数。
func AuthMiddleware(next http.Handler, authCfg config.AuthConfig, blacklist auth.TokenBlacklist, syncUserID string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString, ok := bearerToken(r)
		if !ok {
			apperrors.HandleError(w, apperrors.Unauthorized("请求未包含有效的授权令牌"))
			return
		}

		claims, err := auth.ValidateToken(r.Context(), tokenString, authCfg.JWTSecretKey, blacklist)
		if err != nil {
			apperrors.HandleError(w, apperrors.Unauthorized("令牌无效"))
			return
		}
		if syncUserID != "" && claims.UserID != syncUserID {
			apperrors.HandleError(w, apperrors.Unauthorized("令牌不属于当前同步用户"))
			return
		}

		ctx := context.WithValue(r.Context(), UserIDKey, claims.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		headerParts := strings.Split(authHeader, " ")
		if len(headerParts) != 2 || strings.ToLower(headerParts[0]) != "bearer" || headerParts[1] == "" {
			return "", false
		}
		return headerParts[1], true
	}
	if token := r.URL.Query().Get("access_token"); token != "" {
		return token, true
	}
	return "", false
}

// GetUserIDFromContext 从上下文中获取用户ID。
func GetUserIDFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(UserIDKey).(string)
	return userID, ok && userID != ""
}
