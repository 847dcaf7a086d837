package middleware

import (
	"crypto/subtle"
	"net/http"
)

const adminTokenHeader = "X-Admin-Token"

// AdminToken возвращает middleware, пропускающий только запросы с корректным
// административным токеном в заголовке X-Admin-Token. Пустой токен в
// конфигурации полностью закрывает административные маршруты.
func AdminToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}

			got := r.Header.Get(adminTokenHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
