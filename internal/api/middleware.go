package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/punchamoorthee/transferledger/internal/models"
)

const RequestIDHeader = "X-Request-ID"

type ctxKey int

const (
	requestIDKey ctxKey = iota
	callerKey
)

// RequestID returns the request id stored by the logging middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// CallerFrom returns the authenticated caller, or the zero Caller when the
// server runs without a signing key.
func CallerFrom(ctx context.Context) models.Caller {
	c, _ := ctx.Value(callerKey).(models.Caller)
	return c
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Logging propagates or generates X-Request-ID and logs one line per request.
func Logging(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" {
				requestID = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, requestID)
			r = r.WithContext(context.WithValue(r.Context(), requestIDKey, requestID))

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			log.Info("request",
				zap.String("request_id", requestID),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status),
				zap.Duration("latency", time.Since(start)),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// Recovery turns a handler panic into a 500 response.
func Recovery(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					log.Error("panic recovered",
						zap.String("request_id", RequestID(r.Context())),
						zap.Any("panic", err),
						zap.ByteString("stack", debug.Stack()))
					respondWithError(w, http.StatusInternalServerError, models.CodeInternalError, "An unexpected error occurred")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// Auth requires a bearer token signed with secret and stores the caller it
// names in the request context. Two token shapes are accepted: HS256 JWTs
// and the edge worker's base64(claims).base64(HMAC-SHA256) form.
func Auth(secret string) func(http.Handler) http.Handler {
	key := []byte(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				respondWithError(w, http.StatusUnauthorized, "Unauthorized", "Authorization header required")
				return
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				respondWithError(w, http.StatusUnauthorized, "Unauthorized", "Invalid authorization format. Use: Bearer <token>")
				return
			}

			caller, err := parseToken(strings.TrimSpace(parts[1]), key)
			if err != nil {
				respondWithError(w, http.StatusUnauthorized, "Unauthorized", "Invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), callerKey, caller)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

var errTokenExpired = errors.New("token expired")

func parseToken(raw string, key []byte) (models.Caller, error) {
	var claims jwt.MapClaims
	if strings.Count(raw, ".") == 1 {
		var err error
		if claims, err = parseWorkerToken(raw, key); err != nil {
			return models.Caller{}, err
		}
	} else {
		claims = jwt.MapClaims{}
		token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
			return key, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil {
			return models.Caller{}, err
		}
		if !token.Valid {
			return models.Caller{}, jwt.ErrTokenInvalidClaims
		}
	}

	email, _ := claims["email"].(string)
	return models.Caller{Subject: subject(claims), Email: email}, nil
}

// parseWorkerToken verifies a body.signature token: the HMAC covers the
// encoded body, both halves use standard padded base64.
func parseWorkerToken(raw string, key []byte) (jwt.MapClaims, error) {
	body, sig, _ := strings.Cut(raw, ".")
	signature, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return nil, fmt.Errorf("decode signature: %w", err)
	}
	if err := jwt.SigningMethodHS256.Verify(body, signature, key); err != nil {
		return nil, err
	}
	payload, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	claims := jwt.MapClaims{}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("decode claims: %w", err)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return nil, err
	}
	if exp != nil && exp.Unix() > 0 && time.Now().After(exp.Time) {
		return nil, errTokenExpired
	}
	return claims, nil
}

// subject accepts string and integer sub claims. Tokens without one are
// attributed to "unknown".
func subject(claims jwt.MapClaims) string {
	switch v := claims["sub"].(type) {
	case string:
		if v != "" {
			return v
		}
	case float64:
		if v == math.Trunc(v) {
			return strconv.FormatInt(int64(v), 10)
		}
	}
	return "unknown"
}
