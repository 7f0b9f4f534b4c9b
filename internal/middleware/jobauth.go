package middleware

import (
	"crypto/hmac"
	"crypto/rand"
	"fmt"
	"net/http"
)

// JobKeyHeader — заголовок с ключом запуска сметающих заданий.
const JobKeyHeader = "X-Job-Key"

// JobAuthMiddleware пропускает к триггерам сметающих заданий только запросы
// с общим ключом внешнего планировщика.
type JobAuthMiddleware struct {
	key []byte
}

// NewJobAuthMiddleware создаёт middleware с указанным ключом. Пустой ключ
// заменяется случайным, что закрывает триггеры от внешних вызовов.
func NewJobAuthMiddleware(key string) *JobAuthMiddleware {
	k := []byte(key)
	if len(k) == 0 {
		k = make([]byte, 32)
		if _, err := rand.Read(k); err != nil {
			// Предсказуемого запасного ключа нет: без случайного ключа
			// триггеры открывать нельзя.
			panic(fmt.Sprintf("job auth key generation: %v", err))
		}
	}

	return &JobAuthMiddleware{key: k}
}

// Middleware сравнивает ключ запроса с настроенным за постоянное время.
func (a *JobAuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		provided := []byte(r.Header.Get(JobKeyHeader))
		if !hmac.Equal(provided, a.key) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
