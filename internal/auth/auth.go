package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/iurnickita/voucherd/internal/model"
	"github.com/iurnickita/voucherd/internal/token"
	"github.com/iurnickita/voucherd/internal/token/config"
)

// Auth - проверка токена внешнего сервиса учетных записей.
// Регистрация и вход не здесь: токены выдает tokengen или внешний сервис.
type Auth interface {
	Middleware(h http.HandlerFunc) http.HandlerFunc
}

const cookieUserToken = "voucherdToken"

var ErrNoToken = errors.New("no token")

type actorKey struct{}

type auth struct {
	cfg config.Config
}

func NewAuth(cfg config.Config) Auth {
	return &auth{cfg: cfg}
}

func (a *auth) Middleware(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// получение субъекта
		actor, err := a.getActor(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}

		// передаём управление хендлеру
		h.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	}
}

func (a *auth) getActor(r *http.Request) (model.Actor, error) {
	// заголовок Authorization, затем куки
	var tokenString string
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		tokenString = strings.TrimPrefix(header, "Bearer ")
	} else {
		tokenCookie, err := r.Cookie(cookieUserToken)
		if err != nil {
			return model.Actor{}, ErrNoToken
		}
		tokenString = tokenCookie.Value
	}
	return token.Parse(a.cfg, tokenString)
}

func WithActor(ctx context.Context, actor model.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func ActorFrom(ctx context.Context) (model.Actor, bool) {
	actor, ok := ctx.Value(actorKey{}).(model.Actor)
	return actor, ok
}
