package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"
)

// NewRecoveryMiddleware はハンドラー内のpanicを回復し、統一フォーマットの500レスポンスを返す。
//
// ロギングミドルウェアより外側に置くため、回復した500はここでmetricsに記録する。
// レスポンスを書き始めた後のpanicは応答を完結できないので、http.ErrAbortHandlerで接続を切る。
func NewRecoveryMiddleware(metrics StatusRecorder) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w}

			defer func() {
				p := recover()
				if p == nil {
					return
				}
				if p == http.ErrAbortHandler {
					panic(p)
				}

				slog.Error("panic recovered",
					slog.Any("panic", p),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.Bool("response_started", rec.written),
					slog.String("stack", string(debug.Stack())),
				)
				if metrics != nil {
					metrics.RecordHTTPStatus(http.StatusInternalServerError)
				}
				if rec.written {
					panic(http.ErrAbortHandler)
				}
				WriteInternalServerError(w)
			}()

			next.ServeHTTP(rec, r)
		})
	}
}
