package devserver

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/planproof/planproof/pkg/cerr"
)

const tokenLifetime = 24 * time.Hour

func (s *Server) issueToken(email string) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   email,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenLifetime)),
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", cerr.NewError(cerr.Internal, "failed to sign token", err)
	}
	return signed, nil
}

func (s *Server) verifyToken(token string) (string, error) {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwt.RegisteredClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil {
		return "", cerr.NewError(cerr.Unauthenticated, "invalid token", err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", cerr.NewError(cerr.Unauthenticated, "invalid token", nil)
	}
	return claims.Subject, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// authMiddleware enforces a bearer token everywhere except the login and
// register endpoints and the websocket upgrade.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/auth/login") ||
			strings.HasPrefix(r.URL.Path, "/auth/register") ||
			strings.HasPrefix(r.URL.Path, "/ws/") {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok {
			cerr.WriteJSONError(r.Context(), w, cerr.NewError(cerr.Unauthenticated, "authentication required", nil))
			return
		}
		email, err := s.verifyToken(token)
		if err != nil {
			cerr.WriteJSONError(r.Context(), w, cerr.NewError(cerr.Unauthenticated, "invalid token", err))
			return
		}
		r.Header.Set(userEmailHeader, email)
		next.ServeHTTP(w, r)
	})
}

// userEmailHeader carries the verified subject from the middleware to the
// handlers. Internal to the stub, never sent by clients.
const userEmailHeader = "X-Planproof-User"
