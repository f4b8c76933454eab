package broker

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"github.com/justinndidit/notify-pipeline/internal/apperror"
)

// Identity is the authenticated principal behind a connection, as produced
// by verifying a bearer token against the auth service's signing key.
type Identity struct {
	UserID string
	SiteID string
	OrgID  string
	Role   string
}

// claims is the JWT payload shape the auth service issues: {id, siteId,
// orgId, role} plus the registered claims used for issuer/audience/expiry
// checks.
type claims struct {
	ID     string `json:"id"`
	SiteID string `json:"siteId"`
	OrgID  string `json:"orgId"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator verifies bearer tokens against the auth service's HMAC
// signing secret and enforces a per-identity connection rate limit so one
// compromised or misbehaving token can't exhaust broker resources.
type Authenticator struct {
	secret   []byte
	issuer   string
	audience string

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter

	limitRate  rate.Limit
	limitBurst int
}

// NewAuthenticator builds an Authenticator. rps/burst bound how many new
// connections a single identity may open per second.
func NewAuthenticator(secret, issuer, audience string, rps float64, burst int) *Authenticator {
	if rps <= 0 {
		rps = 2
	}
	if burst <= 0 {
		burst = 5
	}
	return &Authenticator{
		secret:     []byte(secret),
		issuer:     issuer,
		audience:   audience,
		limiters:   make(map[string]*rate.Limiter),
		limitRate:  rate.Limit(rps),
		limitBurst: burst,
	}
}

// ExtractToken pulls a bearer token from the Authorization header, falling
// back to the ?token= query parameter since browser EventSource connections
// cannot set request headers.
func ExtractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if rest, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(rest)
		}
	}
	return r.URL.Query().Get("token")
}

// Verify parses and validates tokenString, returning the identity it
// asserts. Failure is always an AuthenticationError, which the HTTP
// handlers answer with a 401 error envelope before any connection is
// registered.
func (a *Authenticator) Verify(tokenString string) (Identity, error) {
	if tokenString == "" {
		return Identity{}, apperror.New(apperror.KindAuthentication, "missing bearer token")
	}

	parsed, err := jwt.ParseWithClaims(tokenString, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, apperror.New(apperror.KindAuthentication, "unexpected signing method")
		}
		return a.secret, nil
	}, jwt.WithIssuer(a.issuer), jwt.WithAudience(a.audience), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return Identity{}, apperror.Wrap(apperror.KindAuthentication, "token verification failed", err)
	}

	c, ok := parsed.Claims.(*claims)
	if !ok || c.ID == "" {
		return Identity{}, apperror.New(apperror.KindAuthentication, "token missing subject identity")
	}

	return Identity{UserID: c.ID, SiteID: c.SiteID, OrgID: c.OrgID, Role: c.Role}, nil
}

// Allow reports whether identity key (typically userId or the raw token)
// may open another connection right now.
func (a *Authenticator) Allow(identityKey string) bool {
	a.limiterMu.Lock()
	lim, ok := a.limiters[identityKey]
	if !ok {
		lim = rate.NewLimiter(a.limitRate, a.limitBurst)
		a.limiters[identityKey] = lim
	}
	a.limiterMu.Unlock()
	return lim.Allow()
}

// sweepInterval is the same 10-minute cadence cmd/realtime-broker runs
// Sweep on; nothing in this package reads it.
const sweepInterval = 10 * time.Minute

// Sweep discards limiters for identities that have had a full burst of
// idle capacity for a while, so long-lived brokers don't accumulate one
// limiter per distinct caller forever. Intended to run on a ticker.
func (a *Authenticator) Sweep() {
	a.limiterMu.Lock()
	defer a.limiterMu.Unlock()
	for key, lim := range a.limiters {
		if lim.TokensAt(time.Now()) >= float64(a.limitBurst) {
			delete(a.limiters, key)
		}
	}
}
