package api

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"
)

// backoffLimiter tracks events per key and enforces exponential backoff once
// maxHits is reached. Sign-in limiters count failures; the sign-up limiter
// counts every request because each one pays for an Argon2id hash.
type backoffLimiter struct {
	mu      sync.Mutex
	records map[string]*attemptRecord
	maxHits int
	base    time.Duration
	max     time.Duration
	expiry  time.Duration
	now     func() time.Time
}

type attemptRecord struct {
	hits        int
	lastHit     time.Time
	lockedUntil time.Time
}

func newBackoffLimiter(maxHits int, base, max, expiry time.Duration) *backoffLimiter {
	return &backoffLimiter{
		records: make(map[string]*attemptRecord),
		maxHits: maxHits,
		base:    base,
		max:     max,
		expiry:  expiry,
		now:     time.Now,
	}
}

// check reports whether key is locked out and for how long.
func (rl *backoffLimiter) check(key string) (blocked bool, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.records[key]
	if !ok {
		return false, 0
	}
	now := rl.now()
	if now.Sub(rec.lastHit) > rl.expiry {
		delete(rl.records, key)
		return false, 0
	}
	if now.Before(rec.lockedUntil) {
		return true, rec.lockedUntil.Sub(now)
	}
	return false, 0
}

// record counts one hit for key and extends the lockout as
// base * 2^(hits - maxHits), capped at max.
func (rl *backoffLimiter) record(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.records[key]
	if !ok {
		rec = &attemptRecord{}
		rl.records[key] = rec
	}
	now := rl.now()
	rec.hits++
	rec.lastHit = now
	if rec.hits < rl.maxHits {
		return
	}
	lockout := rl.base
	for i := 0; i < rec.hits-rl.maxHits; i++ {
		lockout *= 2
		if lockout >= rl.max {
			lockout = rl.max
			break
		}
	}
	rec.lockedUntil = now.Add(lockout)
}

// reset forgets key, typically after a successful sign-in.
func (rl *backoffLimiter) reset(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.records, key)
}

// sweep removes expired records.
func (rl *backoffLimiter) sweep() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	removed := 0
	for key, rec := range rl.records {
		if now.Sub(rec.lastHit) > rl.expiry {
			delete(rl.records, key)
			removed++
		}
	}
	return removed
}

// windowLimiter locks everyone out for lockout once max events land inside
// a sliding window.
type windowLimiter struct {
	mu          sync.Mutex
	hits        []time.Time
	window      time.Duration
	max         int
	lockout     time.Duration
	lockedUntil time.Time
	now         func() time.Time
}

func newWindowLimiter(window time.Duration, max int, lockout time.Duration) *windowLimiter {
	return &windowLimiter{window: window, max: max, lockout: lockout, now: time.Now}
}

func (rl *windowLimiter) check() (blocked bool, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Before(rl.lockedUntil) {
		return true, rl.lockedUntil.Sub(now)
	}
	return false, 0
}

func (rl *windowLimiter) record() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.hits = trimWindow(append(rl.hits, now), now, rl.window)
	if len(rl.hits) >= rl.max {
		rl.lockedUntil = now.Add(rl.lockout)
	}
}

const (
	accountMaxFailures = 5
	accountBaseLockout = 1 * time.Minute
	accountMaxLockout  = 15 * time.Minute

	ipMaxFailures = 20
	ipBaseLockout = 1 * time.Minute
	ipMaxLockout  = 30 * time.Minute

	attemptExpiry = 1 * time.Hour

	globalWindow      = 1 * time.Minute
	globalMaxFailures = 100
	globalLockout     = 5 * time.Minute

	signUpIPMaxRequests = 5
	signUpIPBaseLockout = 5 * time.Minute
	signUpIPMaxLockout  = 1 * time.Hour

	twoFactorIPMaxFailures = 10
	twoFactorIPBaseLockout = 1 * time.Minute
	twoFactorIPMaxLockout  = 30 * time.Minute

	signUpGlobalWindow      = 1 * time.Minute
	signUpGlobalMaxRequests = 50
	signUpGlobalLockout     = 5 * time.Minute
)

// rateLimits groups the limiters guarding the credential endpoints.
type rateLimits struct {
	account      *backoffLimiter
	ip           *backoffLimiter
	global       *windowLimiter
	signUpIP     *backoffLimiter
	signUpGlobal *windowLimiter

	// twoFactorIP counts wrong second-factor codes. A successful password
	// sign-in does not reset it.
	twoFactorIP *backoffLimiter
}

func newRateLimits() *rateLimits {
	return &rateLimits{
		account:      newBackoffLimiter(accountMaxFailures, accountBaseLockout, accountMaxLockout, attemptExpiry),
		ip:           newBackoffLimiter(ipMaxFailures, ipBaseLockout, ipMaxLockout, attemptExpiry),
		global:       newWindowLimiter(globalWindow, globalMaxFailures, globalLockout),
		signUpIP:     newBackoffLimiter(signUpIPMaxRequests, signUpIPBaseLockout, signUpIPMaxLockout, attemptExpiry),
		signUpGlobal: newWindowLimiter(signUpGlobalWindow, signUpGlobalMaxRequests, signUpGlobalLockout),
		twoFactorIP:  newBackoffLimiter(twoFactorIPMaxFailures, twoFactorIPBaseLockout, twoFactorIPMaxLockout, attemptExpiry),
	}
}

// checkSignIn returns the longest active lockout for a sign-in attempt.
func (rl *rateLimits) checkSignIn(email, ip string) (bool, time.Duration) {
	if blocked, d := rl.global.check(); blocked {
		return true, d
	}
	if blocked, d := rl.ip.check(ip); blocked {
		return true, d
	}
	return rl.account.check(accountKey(email))
}

func (rl *rateLimits) signInFailed(email, ip string) {
	rl.account.record(accountKey(email))
	rl.ip.record(ip)
	rl.global.record()
}

func (rl *rateLimits) signInSucceeded(email, ip string) {
	rl.account.reset(accountKey(email))
	rl.ip.reset(ip)
}

// checkSignUp counts the request and reports whether it must be refused.
func (rl *rateLimits) checkSignUp(ip string) (bool, time.Duration) {
	if blocked, d := rl.signUpGlobal.check(); blocked {
		return true, d
	}
	if blocked, d := rl.signUpIP.check(ip); blocked {
		return true, d
	}
	rl.signUpIP.record(ip)
	rl.signUpGlobal.record()
	return false, 0
}

func (rl *rateLimits) checkTwoFactor(ip string) (bool, time.Duration) {
	return rl.twoFactorIP.check(ip)
}

func (rl *rateLimits) twoFactorFailed(ip string) {
	rl.twoFactorIP.record(ip)
}

func (rl *rateLimits) sweep() {
	rl.account.sweep()
	rl.ip.sweep()
	rl.signUpIP.sweep()
	rl.twoFactorIP.sweep()
}

// accountKey hashes the normalised email so limiter state never holds
// addresses in the clear.
func accountKey(email string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(email))))
	return hex.EncodeToString(sum[:])
}

// writeRateLimited sends a 429 Too Many Requests response.
func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	w.Header().Set("Retry-After", retryAfterString(retryAfter))
	writeError(w, http.StatusTooManyRequests, "TOO_MANY_REQUESTS", "Too many requests. Please try again later.")
}

func retryAfterString(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// extractClientIP returns the client IP for rate limiting. It delegates to
// extractClientIPWithProxies using the API's configured trusted proxies.
func (a *API) extractClientIP(r *http.Request) string {
	return extractClientIPWithProxies(r, a.trustedProxies)
}

// extractClientIPWithProxies returns the best-effort client IP address.
//
// Proxy headers (X-Forwarded-For, Forwarded, X-Real-IP) are only honored
// if trustedProxies is non-empty AND the request's RemoteAddr falls within
// one of the trusted CIDR ranges. This prevents untrusted clients from
// spoofing their source IP via headers.
//
// When trustedProxies is nil or empty (the default), proxy headers are
// never consulted and RemoteAddr is always returned. Operators opt in with
// TRUSTED_PROXIES.
//
// Priority when proxy headers are trusted:
// 1. First valid entry in X-Forwarded-For
// 2. First valid "for=" value in Forwarded
// 3. X-Real-IP
// 4. RemoteAddr
func extractClientIPWithProxies(r *http.Request, trustedProxies []netip.Prefix) string {
	remoteIP, _ := parseIPCandidate(r.RemoteAddr)

	// Determine whether the direct peer is trusted.
	// Default: trust no proxy headers unless explicitly configured.
	proxyTrusted := false
	if len(trustedProxies) > 0 && remoteIP != "" {
		if addr, err := netip.ParseAddr(remoteIP); err == nil {
			for _, prefix := range trustedProxies {
				if prefix.Contains(addr) {
					proxyTrusted = true
					break
				}
			}
		}
	}

	if proxyTrusted {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			for _, part := range strings.Split(xff, ",") {
				if ip, ok := parseIPCandidate(part); ok {
					return ip
				}
			}
		}

		if fwd := strings.TrimSpace(r.Header.Get("Forwarded")); fwd != "" {
			for _, elem := range strings.Split(fwd, ",") {
				for _, param := range strings.Split(elem, ";") {
					param = strings.TrimSpace(param)
					if !strings.HasPrefix(strings.ToLower(param), "for=") {
						continue
					}
					raw := strings.TrimSpace(param[4:])
					if ip, ok := parseIPCandidate(raw); ok {
						return ip
					}
				}
			}
		}

		if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
			if ip, ok := parseIPCandidate(xrip); ok {
				return ip
			}
		}
	}

	return remoteIP
}

// extractClientIP trusts no proxy headers and always returns RemoteAddr.
func extractClientIP(r *http.Request) string {
	return extractClientIPWithProxies(r, nil)
}

func parseIPCandidate(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	s = strings.Trim(s, "\"")
	if s == "" {
		return "", false
	}

	// RFC 7239 quoted IPv6 may appear as [::1]:1234.
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}

	// Remove IPv6 brackets if present.
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	// Drop zone if any (e.g. fe80::1%eth0).
	if i := strings.IndexByte(s, '%'); i >= 0 {
		s = s[:i]
	}

	if addr, err := netip.ParseAddr(s); err == nil {
		return addr.String(), true
	}
	// As a fallback, allow net.ParseIP normalization.
	if ip := net.ParseIP(s); ip != nil {
		return ip.String(), true
	}
	return "", false
}
