package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// wrapStatus はレスポンスのステータスコードを後から読めるようにwをラップする。
func wrapStatus(w http.ResponseWriter, r *http.Request) chimw.WrapResponseWriter {
	return chimw.NewWrapResponseWriter(w, r.ProtoMajor)
}

// writtenStatus はハンドラが書いたステータスを返す。何も書かれていなければ200とみなす。
func writtenStatus(ww chimw.WrapResponseWriter) int {
	if s := ww.Status(); s != 0 {
		return s
	}
	return http.StatusOK
}

// requestLogFields は内側のミドルウェアがアクセスログに書き戻す値。
// 認証はロギングより内側で動くので、コンテキストにポインタを載せて受け渡す。
type requestLogFields struct {
	actorID string
}

var logFieldsContextKey = contextKey("request_log_fields")

// recordActor はアクセスログ用に操作者IDを記録する。ロギングミドルウェアの外では何もしない。
func recordActor(ctx context.Context, actorID string) {
	if f, ok := ctx.Value(logFieldsContextKey).(*requestLogFields); ok {
		f.actorID = actorID
	}
}

func accessLogLevel(status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case status >= http.StatusBadRequest:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// NewLoggingMiddleware はリクエストごとに1行のアクセスログ（http_request）を出力する。
// 5xxはERROR、4xxはWARNで記録し、操作者IDとリクエストIDが分かれば付与する。
func NewLoggingMiddleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := wrapStatus(w, r)
			fields := &requestLogFields{}

			next.ServeHTTP(ww, r.WithContext(context.WithValue(r.Context(), logFieldsContextKey, fields)))

			status := writtenStatus(ww)
			attrs := make([]slog.Attr, 0, 7)
			attrs = append(attrs,
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				slog.Float64("duration_ms", float64(time.Since(start).Microseconds())/1000),
				slog.Int("bytes", ww.BytesWritten()),
			)

			actorID := fields.actorID
			if actorID == "" {
				actorID, _ = ActorIDFromContext(r.Context())
			}
			if actorID != "" {
				attrs = append(attrs, slog.String("actor_id", actorID))
			}
			if reqID := chimw.GetReqID(r.Context()); reqID != "" {
				attrs = append(attrs, slog.String("request_id", reqID))
			}

			logger.LogAttrs(r.Context(), accessLogLevel(status), "http_request", attrs...)
		})
	}
}
