package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/gatehouse/auth"
)

// SignUp handles POST /auth/sign-up/email.
func (a *API) SignUp(w http.ResponseWriter, r *http.Request) {
	if blocked, retryAfter := a.limits.checkSignUp(a.extractClientIP(r)); blocked {
		a.audit.logFailure(AuditSignUpRateLimited, r, "rate_limited")
		writeRateLimited(w, retryAfter)
		return
	}
	req, ok := decodeJSON[SignUpRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	res, err := a.auth.SignUp(r.Context(), auth.SignUpInput{
		Name:        req.Name,
		Email:       req.Email,
		Password:    req.Password,
		CallbackURL: a.safeRedirect(req.CallbackURL, ""),
	}, a.requestInfo(r))
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logEvent(AuditSignUp, r, res.User.ID)

	user := toUser(res.User)
	resp := SignInResponse{User: &user}
	if res.Session != nil {
		writeSessionCookie(w, r, res.Session.Token, res.Session.ExpiresAt, true)
		resp.Token = &res.Session.Token
	}
	writeJSON(w, http.StatusOK, resp)
}

// SignIn handles POST /auth/sign-in/email.
func (a *API) SignIn(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[SignInRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	ip := a.extractClientIP(r)
	if blocked, retryAfter := a.limits.checkSignIn(req.Email, ip); blocked {
		a.audit.logFailure(AuditSignInRateLimited, r, "rate_limited")
		writeRateLimited(w, retryAfter)
		return
	}

	rememberMe := req.RememberMe == nil || *req.RememberMe
	res, err := a.auth.SignIn(r.Context(), auth.SignInInput{
		Email:              req.Email,
		Password:           req.Password,
		RememberMe:         rememberMe,
		CallbackURL:        a.safeRedirect(req.CallbackURL, ""),
		TrustedDeviceToken: cookieValue(r, TrustDeviceCookieName),
	}, a.requestInfo(r))
	if err != nil {
		if errors.Is(err, auth.ErrInvalidEmailOrPassword) {
			a.limits.signInFailed(req.Email, ip)
			a.audit.logFailure(AuditSignInFailure, r, "invalid_credentials")
		} else if errors.Is(err, auth.ErrEmailNotVerified) {
			a.audit.logFailure(AuditSignInFailure, r, "email_not_verified")
		}
		mapError(w, err)
		return
	}
	a.limits.signInSucceeded(req.Email, ip)

	if res.TwoFactorRedirect {
		setCookie(w, r, TwoFactorCookieName, res.ChallengeToken, res.ChallengeExpiresAt)
		a.audit.logEvent(AuditSignInSuccess, r, res.User.ID, slog.Bool("two_factor_pending", true))
		writeJSON(w, http.StatusOK, SignInResponse{TwoFactorRedirect: true})
		return
	}

	writeSessionCookie(w, r, res.Session.Token, res.Session.ExpiresAt, rememberMe)
	clearCookie(w, r, TwoFactorCookieName)
	a.audit.logEvent(AuditSignInSuccess, r, res.User.ID)
	user := toUser(res.User)
	writeJSON(w, http.StatusOK, SignInResponse{Token: &res.Session.Token, User: &user})
}

// SignOut handles POST /auth/sign-out. It succeeds without a session.
func (a *API) SignOut(w http.ResponseWriter, r *http.Request) {
	if res, err := a.lookupSession(r); err == nil {
		if err := a.auth.SignOut(r.Context(), res.Session.Token); err != nil {
			writeInternalError(w, "sign out", err)
			return
		}
		a.audit.logEvent(AuditSignOut, r, res.User.ID)
	}
	clearSessionCookies(w, r)
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// GetSession handles GET /auth/get-session. No session yields a JSON null.
func (a *API) GetSession(w http.ResponseWriter, r *http.Request) {
	res, err := a.lookupSession(r)
	if errors.Is(err, auth.ErrUnauthorized) {
		if cookieValue(r, SessionCookieName) != "" {
			clearSessionCookies(w, r)
		}
		writeJSON(w, http.StatusOK, nil)
		return
	}
	if err != nil {
		mapError(w, err)
		return
	}
	if auth.Remembered(res.Session) {
		setCookie(w, r, SessionCookieName, res.Session.Token, res.Session.ExpiresAt)
	}
	writeJSON(w, http.StatusOK, SessionResponse{
		Session: toSession(res.Session),
		User:    toUser(res.User),
	})
}

// ListSessions handles GET /auth/list-sessions.
func (a *API) ListSessions(w http.ResponseWriter, r *http.Request) {
	cur := sessionFromContext(r.Context())
	sessions, err := a.auth.ListSessions(r.Context(), cur.User.ID)
	if err != nil {
		mapError(w, err)
		return
	}
	out := make([]Session, 0, len(sessions))
	for i := range sessions {
		s := toSession(&sessions[i])
		s.Current = sessions[i].Token == cur.Session.Token
		out = append(out, s)
	}
	writeJSON(w, http.StatusOK, out)
}

// RevokeSession handles POST /auth/revoke-session.
func (a *API) RevokeSession(w http.ResponseWriter, r *http.Request) {
	cur := sessionFromContext(r.Context())
	req, ok := decodeJSON[RevokeSessionRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	if req.Token == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "token is required")
		return
	}
	if err := a.auth.RevokeSession(r.Context(), cur.User.ID, req.Token); err != nil {
		mapError(w, err)
		return
	}
	a.audit.logEvent(AuditSessionRevoked, r, cur.User.ID, slog.String("scope", "single"))
	if req.Token == cur.Session.Token {
		clearSessionCookies(w, r)
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: true})
}

// RevokeOtherSessions handles POST /auth/revoke-other-sessions.
func (a *API) RevokeOtherSessions(w http.ResponseWriter, r *http.Request) {
	cur := sessionFromContext(r.Context())
	n, err := a.auth.RevokeOtherSessions(r.Context(), cur.User.ID, cur.Session.Token)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logEvent(AuditSessionRevoked, r, cur.User.ID, slog.String("scope", "others"), slog.Int64("count", n))
	writeJSON(w, http.StatusOK, StatusResponse{Status: true})
}

// RevokeSessions handles POST /auth/revoke-sessions, which includes the
// caller's own session.
func (a *API) RevokeSessions(w http.ResponseWriter, r *http.Request) {
	cur := sessionFromContext(r.Context())
	n, err := a.auth.RevokeSessions(r.Context(), cur.User.ID)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logEvent(AuditSessionRevoked, r, cur.User.ID, slog.String("scope", "all"), slog.Int64("count", n))
	clearSessionCookies(w, r)
	writeJSON(w, http.StatusOK, StatusResponse{Status: true})
}

// ChangePassword handles POST /auth/change-password. The caller's session
// survives; its token is echoed when the other sessions were revoked.
func (a *API) ChangePassword(w http.ResponseWriter, r *http.Request) {
	cur := sessionFromContext(r.Context())
	req, ok := decodeJSON[ChangePasswordRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	if err := a.auth.ChangePassword(r.Context(), cur.Session, req.CurrentPassword, req.NewPassword, req.RevokeOtherSessions); err != nil {
		mapError(w, err)
		return
	}
	a.audit.logEvent(AuditPasswordChanged, r, cur.User.ID, slog.Bool("revoked_others", req.RevokeOtherSessions))
	var resp ChangePasswordResponse
	if req.RevokeOtherSessions {
		resp.Token = &cur.Session.Token
	}
	writeJSON(w, http.StatusOK, resp)
}

// RequestPasswordReset handles POST /auth/request-password-reset. The
// response is the same whether or not the email is registered.
func (a *API) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[RequestPasswordResetRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	if err := a.auth.RequestPasswordReset(r.Context(), req.Email, a.safeRedirect(req.RedirectTo, "")); err != nil {
		mapError(w, err)
		return
	}
	a.audit.log(AuditPasswordResetRequested, r)
	writeJSON(w, http.StatusOK, StatusResponse{Status: true})
}

// ResetPasswordLink handles GET /auth/reset-password/{token}, the link
// mailed to the user. It bounces to the reset page with either the token or
// an error.
func (a *API) ResetPasswordLink(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	target := a.safeRedirect(r.URL.Query().Get("callbackURL"), "/auth/reset-password")
	if err := a.auth.CheckResetToken(r.Context(), token); err != nil {
		http.Redirect(w, r, withQuery(target, "error", auth.ErrInvalidToken.Code), http.StatusFound)
		return
	}
	http.Redirect(w, r, withQuery(target, "token", token), http.StatusFound)
}

// ResetPassword handles POST /auth/reset-password.
func (a *API) ResetPassword(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[ResetPasswordRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	if err := a.auth.ResetPassword(r.Context(), req.Token, req.NewPassword); err != nil {
		if errors.Is(err, auth.ErrInvalidToken) {
			a.audit.logFailure(AuditPasswordReset, r, "invalid_token")
		}
		mapError(w, err)
		return
	}
	a.audit.log(AuditPasswordReset, r)
	writeJSON(w, http.StatusOK, StatusResponse{Status: true})
}

// SendVerificationEmail handles POST /auth/send-verification-email.
func (a *API) SendVerificationEmail(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[SendVerificationEmailRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	if req.Email == "" {
		if res, err := a.lookupSession(r); err == nil {
			req.Email = res.User.Email
		}
	}
	if err := a.auth.SendVerificationEmail(r.Context(), req.Email, a.safeRedirect(req.CallbackURL, "")); err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: true})
}

// VerifyEmail handles GET /auth/verify-email. With a callbackURL the
// outcome is delivered as a redirect, otherwise as JSON.
func (a *API) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	callback := q.Get("callbackURL")
	_, sessErr := a.lookupSession(r)

	res, err := a.auth.VerifyEmail(r.Context(), q.Get("token"), sessErr == nil, a.requestInfo(r))
	if err != nil {
		if callback != "" {
			a.redirectError(w, r, a.safeRedirect(callback, a.errorPage), err)
			return
		}
		mapError(w, err)
		return
	}
	if res.Session != nil {
		writeSessionCookie(w, r, res.Session.Token, res.Session.ExpiresAt, true)
	}
	a.audit.logEvent(AuditEmailVerified, r, res.User.ID)
	if callback != "" {
		http.Redirect(w, r, a.safeRedirect(callback, a.homePage), http.StatusFound)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: true})
}

// ChangeEmail handles POST /auth/change-email.
func (a *API) ChangeEmail(w http.ResponseWriter, r *http.Request) {
	cur := sessionFromContext(r.Context())
	req, ok := decodeJSON[ChangeEmailRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	if err := a.auth.ChangeEmail(r.Context(), cur.User.ID, req.NewEmail, a.safeRedirect(req.CallbackURL, "")); err != nil {
		mapError(w, err)
		return
	}
	a.audit.logEvent(AuditEmailChangeRequested, r, cur.User.ID)
	writeJSON(w, http.StatusOK, StatusResponse{Status: true})
}

// UpdateUser handles POST /auth/update-user.
func (a *API) UpdateUser(w http.ResponseWriter, r *http.Request) {
	cur := sessionFromContext(r.Context())
	req, ok := decodeJSON[UpdateUserRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	// Stored avatars are set only through user.uploadAvatar.
	if req.Image != nil && *req.Image != cur.User.Image && a.files != nil && a.files.Owns(*req.Image) {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "Use the avatar upload to set a stored image")
		return
	}
	if _, err := a.auth.UpdateUser(r.Context(), cur.User.ID, req.Name, req.Image); err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: true})
}

// DeleteUser handles POST /auth/delete-user. Nothing is deleted until the
// emailed link is followed.
func (a *API) DeleteUser(w http.ResponseWriter, r *http.Request) {
	cur := sessionFromContext(r.Context())
	req, ok := decodeJSON[DeleteUserRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	if err := a.auth.RequestDeleteUser(r.Context(), cur.User.ID, req.Password, a.safeRedirect(req.CallbackURL, "")); err != nil {
		mapError(w, err)
		return
	}
	a.audit.logEvent(AuditAccountDeletionRequest, r, cur.User.ID)
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true, Message: auth.DeletionRequestedMessage})
}

// DeleteUserCallback handles GET /auth/delete-user/callback, the emailed
// confirmation link.
func (a *API) DeleteUserCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	callback := q.Get("callbackURL")
	var sessionUserID string
	if res, err := a.lookupSession(r); err == nil {
		sessionUserID = res.User.ID
	}

	user, err := a.auth.ConfirmDeleteUser(r.Context(), q.Get("token"), sessionUserID)
	if err != nil {
		if callback != "" {
			a.redirectError(w, r, a.safeRedirect(callback, a.errorPage), err)
			return
		}
		mapError(w, err)
		return
	}
	a.audit.logEvent(AuditAccountDeleted, r, user.ID)
	if sessionUserID != "" {
		clearSessionCookies(w, r)
	}
	if callback != "" {
		http.Redirect(w, r, a.safeRedirect(callback, a.errorPage), http.StatusFound)
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// redirectError sends the browser to target with ?error=CODE.
func (a *API) redirectError(w http.ResponseWriter, r *http.Request, target string, err error) {
	code := "INTERNAL_SERVER_ERROR"
	if ae, ok := auth.AsError(err); ok {
		code = ae.Code
	} else {
		a.logger.Error("redirecting flow failed", "path", r.URL.Path, "error", err)
	}
	http.Redirect(w, r, withQuery(target, "error", code), http.StatusFound)
}
