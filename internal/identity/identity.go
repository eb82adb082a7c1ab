// Package identity derives who is on the other end of a chat connection.
package identity

import (
	"context"
	"errors"
	"net"
	"net/http"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/ashureev/chatdesk/internal/domain"
)

// Query parameters read from the connection request.
const (
	RoleParam      = "role"
	UsernameParam  = "username"
	SessionIDParam = "sessionId"

	forwardedForHeader = "X-Forwarded-For"
	maxUsernameLength  = 64
)

type contextKey int

const identityKey contextKey = iota

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// ErrMissingUsername is returned when an agent connects without a username.
var ErrMissingUsername = errors.New("agent connections require a username")

// Identity is fixed for the lifetime of a connection.
type Identity struct {
	Role      domain.Role
	Username  string
	SessionID string
	Origin    string
}

// IsAgent reports whether the connection belongs to a support agent.
func (i Identity) IsAgent() bool {
	return i.Role == domain.RoleAgent
}

// ValidSessionID reports whether id is an acceptable session identifier.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

func sanitizeSessionID(id string) string {
	id = strings.TrimSpace(id)
	if !ValidSessionID(id) {
		return ""
	}
	return id
}

// sanitizeUsername drops invalid UTF-8 and caps the name at
// maxUsernameLength bytes without splitting a rune.
func sanitizeUsername(name string) string {
	name = strings.TrimSpace(strings.ToValidUTF8(name, ""))
	if len(name) <= maxUsernameLength {
		return name
	}
	cut := maxUsernameLength
	for cut > 0 && !utf8.RuneStart(name[cut]) {
		cut--
	}
	return strings.TrimSpace(name[:cut])
}

// FromRequest reads the role, username and session id from the query string.
// Unknown roles are treated as customers. Invalid session ids are dropped.
func FromRequest(r *http.Request) (Identity, error) {
	q := r.URL.Query()
	id := Identity{
		Role:      domain.ParseRole(q.Get(RoleParam)),
		Username:  sanitizeUsername(q.Get(UsernameParam)),
		SessionID: sanitizeSessionID(q.Get(SessionIDParam)),
		Origin:    OriginAddress(r),
	}
	if id.IsAgent() && id.Username == "" {
		return Identity{}, ErrMissingUsername
	}
	return id, nil
}

// NewContext returns a copy of ctx carrying id.
func NewContext(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// FromContext extracts the identity stored by Middleware.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// Middleware resolves the connection identity and rejects requests that
// cannot be identified.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := FromRequest(r)
		if err != nil {
			http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusBadRequest)
			return
		}
		next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), id)))
	})
}

// OriginAddress returns the first X-Forwarded-For entry, falling back to the
// remote address.
func OriginAddress(r *http.Request) string {
	if fwd := r.Header.Get(forwardedForHeader); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	return IPFromRequest(r)
}

// IPFromRequest returns a normalized remote IP.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
