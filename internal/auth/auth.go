package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/iurnickita/loyaltymart/internal/grade"
	"github.com/iurnickita/loyaltymart/internal/model"
	"github.com/iurnickita/loyaltymart/internal/store"
	"github.com/iurnickita/loyaltymart/internal/token"
)

type Auth interface {
	Register(w http.ResponseWriter, r *http.Request)
	Login(w http.ResponseWriter, r *http.Request)
	Middleware(h http.Handler) http.Handler
}

const (
	cookieUserToken = "loyaltymartUserToken"
	headerAuth      = "Authorization"
	bearerPrefix    = "Bearer "
	maxPasswordLen  = 72
)

type userIDKey struct{}

var ErrNoToken = errors.New("no auth token")

// JSON запроса регистрации и входа
type credentials struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

type auth struct {
	users  store.Users
	token  *token.Token
	grades *grade.Table
	zaplog *zap.Logger
}

func NewAuth(users store.Users, token *token.Token, grades *grade.Table, zaplog *zap.Logger) Auth {
	return &auth{users: users, token: token, grades: grades, zaplog: zaplog}
}

// UserID возвращает id пользователя, записанный middleware.
func UserID(ctx context.Context) (int64, bool) {
	userID, ok := ctx.Value(userIDKey{}).(int64)
	return userID, ok
}

// WithUserID кладет id пользователя в контекст.
func WithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

func (a *auth) Register(w http.ResponseWriter, r *http.Request) {
	creds, ok := readCredentials(w, r)
	if !ok {
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(creds.Password), bcrypt.DefaultCost)
	if err != nil {
		a.zaplog.Error("password hashing failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	// новый покупатель: ноль баллов и начальный грейд
	userID, err := a.users.CreateUser(r.Context(), model.User{
		Login:        creds.Login,
		PasswordHash: string(hash),
		Grade:        a.grades.Floor().Level,
	})
	if err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			http.Error(w, "login already taken", http.StatusConflict)
			return
		}
		a.zaplog.Error("user creation failed", zap.String("login", creds.Login), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	a.setToken(w, userID)
}

func (a *auth) Login(w http.ResponseWriter, r *http.Request) {
	creds, ok := readCredentials(w, r)
	if !ok {
		return
	}

	user, err := a.users.GetUserByLogin(r.Context(), creds.Login)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "invalid login or password", http.StatusUnauthorized)
			return
		}
		a.zaplog.Error("user lookup failed", zap.String("login", creds.Login), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(creds.Password)) != nil {
		http.Error(w, "invalid login or password", http.StatusUnauthorized)
		return
	}

	a.setToken(w, user.ID)
}

func (a *auth) Middleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// получение id пользователя
		userID, err := a.getUserID(r)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		// передаём управление хендлеру
		h.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
	})
}

func (a *auth) getUserID(r *http.Request) (int64, error) {
	var tokenString string
	if header := r.Header.Get(headerAuth); strings.HasPrefix(header, bearerPrefix) {
		tokenString = strings.TrimPrefix(header, bearerPrefix)
	} else if tokenCookie, err := r.Cookie(cookieUserToken); err == nil {
		tokenString = tokenCookie.Value
	}
	if tokenString == "" {
		return 0, ErrNoToken
	}
	return a.token.GetUserID(tokenString)
}

func (a *auth) setToken(w http.ResponseWriter, userID int64) {
	tokenString, err := a.token.BuildJWTString(userID)
	if err != nil {
		a.zaplog.Error("token build failed", zap.Int64("user", userID), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     cookieUserToken,
		Value:    tokenString,
		Path:     "/",
		HttpOnly: true,
	})
	w.Header().Set(headerAuth, bearerPrefix+tokenString)
	w.WriteHeader(http.StatusOK)
}

func readCredentials(w http.ResponseWriter, r *http.Request) (credentials, bool) {
	var creds credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return creds, false
	}
	if creds.Login == "" || creds.Password == "" {
		http.Error(w, "login and password required", http.StatusBadRequest)
		return creds, false
	}
	// bcrypt не принимает пароли длиннее 72 байт
	if len(creds.Password) > maxPasswordLen {
		http.Error(w, "password is too long", http.StatusBadRequest)
		return creds, false
	}
	return creds, true
}
