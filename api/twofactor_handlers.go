package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/jmcleod/gatehouse/auth"
)

// EnableTwoFactor handles POST /auth/two-factor/enable. The flag on the
// user flips only after the first code is verified.
func (a *API) EnableTwoFactor(w http.ResponseWriter, r *http.Request) {
	cur := sessionFromContext(r.Context())
	req, ok := decodeJSON[EnableTwoFactorRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	res, err := a.auth.EnableTwoFactor(r.Context(), cur.User.ID, req.Password, req.Issuer)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, EnableTwoFactorResponse{
		TOTPURI:     res.TOTPURI,
		BackupCodes: res.BackupCodes,
	})
}

// GetTOTPURI handles POST /auth/two-factor/get-totp-uri.
func (a *API) GetTOTPURI(w http.ResponseWriter, r *http.Request) {
	cur := sessionFromContext(r.Context())
	req, ok := decodeJSON[PasswordRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	uri, err := a.auth.GetTOTPURI(r.Context(), cur.User.ID, req.Password)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TOTPURIResponse{TOTPURI: uri})
}

// VerifyTOTP handles POST /auth/two-factor/verify-totp.
func (a *API) VerifyTOTP(w http.ResponseWriter, r *http.Request) {
	a.verifySecondFactor(w, r, false)
}

// VerifyBackupCode handles POST /auth/two-factor/verify-backup-code.
func (a *API) VerifyBackupCode(w http.ResponseWriter, r *http.Request) {
	a.verifySecondFactor(w, r, true)
}

// verifySecondFactor checks a code either for the signed-in user (finishing
// enrolment) or against the pending sign-in challenge named by the
// two-factor cookie.
func (a *API) verifySecondFactor(w http.ResponseWriter, r *http.Request, backup bool) {
	ip := a.extractClientIP(r)
	if blocked, retryAfter := a.limits.checkTwoFactor(ip); blocked {
		writeRateLimited(w, retryAfter)
		return
	}
	req, ok := decodeJSON[VerifyCodeRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	in := auth.TwoFactorInput{
		Code:               req.Code,
		TrustDevice:        req.TrustDevice,
		TrustedDeviceToken: cookieValue(r, TrustDeviceCookieName),
	}
	wasEnabled := true
	if cur, err := a.lookupSession(r); err == nil {
		in.Session = cur.Session
		wasEnabled = cur.User.TwoFactorEnabled
	} else {
		in.ChallengeToken = cookieValue(r, TwoFactorCookieName)
		if in.ChallengeToken == "" {
			mapError(w, auth.ErrInvalidTwoFactorCookie)
			return
		}
	}

	verify := a.auth.VerifyTOTP
	if backup {
		verify = a.auth.VerifyBackupCode
	}
	res, err := verify(r.Context(), in, a.requestInfo(r))
	if err != nil {
		event := AuditTwoFactorFailed
		if backup {
			event = AuditBackupCodeFailed
		}
		if ae, ok := auth.AsError(err); ok {
			a.audit.logFailure(event, r, ae.Code)
		}
		if errors.Is(err, auth.ErrInvalidCode) || errors.Is(err, auth.ErrInvalidBackupCode) || errors.Is(err, auth.ErrTooManyAttempts) {
			a.limits.twoFactorFailed(ip)
		}
		if errors.Is(err, auth.ErrTooManyAttempts) || errors.Is(err, auth.ErrInvalidTwoFactorCookie) {
			clearCookie(w, r, TwoFactorCookieName)
		}
		mapError(w, err)
		return
	}

	if in.Session == nil {
		writeSessionCookie(w, r, res.Session.Token, res.Session.ExpiresAt, res.RememberMe)
		clearCookie(w, r, TwoFactorCookieName)
		a.audit.logEvent(AuditTwoFactorPassed, r, res.User.ID, slog.Bool("backup_code", backup))
	} else if !wasEnabled && res.User.TwoFactorEnabled {
		a.audit.logEvent(AuditTwoFactorEnabled, r, res.User.ID)
	}
	if res.TrustedDeviceToken != "" {
		setCookie(w, r, TrustDeviceCookieName, res.TrustedDeviceToken, res.TrustedDeviceExpiry)
	}
	writeJSON(w, http.StatusOK, VerifyCodeResponse{
		Token: res.Session.Token,
		User:  toUser(res.User),
	})
}

// GenerateBackupCodes handles POST /auth/two-factor/generate-backup-codes.
func (a *API) GenerateBackupCodes(w http.ResponseWriter, r *http.Request) {
	cur := sessionFromContext(r.Context())
	req, ok := decodeJSON[PasswordRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	codes, err := a.auth.GenerateBackupCodes(r.Context(), cur.User.ID, req.Password)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logEvent(AuditBackupCodesRegenerated, r, cur.User.ID)
	writeJSON(w, http.StatusOK, BackupCodesResponse{Status: true, BackupCodes: codes})
}

// DisableTwoFactor handles POST /auth/two-factor/disable.
func (a *API) DisableTwoFactor(w http.ResponseWriter, r *http.Request) {
	cur := sessionFromContext(r.Context())
	req, ok := decodeJSON[PasswordRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	if err := a.auth.DisableTwoFactor(r.Context(), cur.User.ID, req.Password); err != nil {
		mapError(w, err)
		return
	}
	a.audit.logEvent(AuditTwoFactorDisabled, r, cur.User.ID)
	writeJSON(w, http.StatusOK, StatusResponse{Status: true})
}
