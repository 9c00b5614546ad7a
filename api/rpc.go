package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jmcleod/gatehouse/auth"
	"github.com/jmcleod/gatehouse/store"
)

// RPC error codes.
const (
	rpcUnauthorized    = "UNAUTHORIZED"
	rpcBadRequest      = "BAD_REQUEST"
	rpcNotFound        = "NOT_FOUND"
	rpcPayloadTooLarge = "PAYLOAD_TOO_LARGE"
	rpcInternal        = "INTERNAL_SERVER_ERROR"
)

var rpcStatus = map[string]int{
	rpcUnauthorized:    http.StatusUnauthorized,
	rpcBadRequest:      http.StatusBadRequest,
	rpcNotFound:        http.StatusNotFound,
	rpcPayloadTooLarge: http.StatusRequestEntityTooLarge,
	rpcInternal:        http.StatusInternalServerError,
}

type rpcSuccess struct {
	Result struct {
		Data any `json:"data"`
	} `json:"result"`
}

type rpcFailure struct {
	Error RPCError `json:"error"`
}

// RPCError is the error half of the procedure envelope.
type RPCError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string { return e.Code + ": " + e.Message }

func writeRPC(w http.ResponseWriter, data any) {
	var out rpcSuccess
	out.Result.Data = data
	writeJSON(w, http.StatusOK, out)
}

func rpcError(w http.ResponseWriter, code, msg string) {
	status, ok := rpcStatus[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, rpcFailure{Error: RPCError{Code: code, Message: msg}})
}

// mapRPCError translates credential-service errors into procedure codes.
// Unknown errors are logged and reported as a generic internal error.
func (a *API) mapRPCError(w http.ResponseWriter, err error) {
	if ae, ok := auth.AsError(err); ok {
		switch ae.Status {
		case http.StatusUnauthorized:
			rpcError(w, rpcUnauthorized, ae.Message)
		case http.StatusNotFound:
			rpcError(w, rpcNotFound, ae.Message)
		default:
			rpcError(w, rpcBadRequest, ae.Message)
		}
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		rpcError(w, rpcNotFound, "Not found")
		return
	}
	a.logger.Error("procedure failed", "error", err)
	rpcError(w, rpcInternal, "Internal server error")
}

// decodeRPC is decodeJSON for the procedure envelope.
func decodeRPC[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, maxRPCBodySize)
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			rpcError(w, rpcPayloadTooLarge, "Request body too large")
			return v, false
		}
		rpcError(w, rpcBadRequest, "Invalid JSON body")
		return v, false
	}
	return v, true
}

// requireRPCSession is RequireSession with the procedure error envelope.
func (a *API) requireRPCSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res, err := a.lookupSession(r)
		if err != nil {
			if errors.Is(err, auth.ErrUnauthorized) {
				rpcError(w, rpcUnauthorized, "You must be signed in")
				return
			}
			a.mapRPCError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), sessionKey, res)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *API) rpcGetProfile(w http.ResponseWriter, r *http.Request) {
	cur := sessionFromContext(r.Context())
	writeRPC(w, toUser(cur.User))
}

// rpcUpdateProfile sets the name and, when the email differs, mails a
// confirmation link to the new address.
func (a *API) rpcUpdateProfile(w http.ResponseWriter, r *http.Request) {
	cur := sessionFromContext(r.Context())
	in, ok := decodeRPC[UpdateProfileInput](w, r)
	if !ok {
		return
	}
	if strings.TrimSpace(in.Name) == "" {
		rpcError(w, rpcBadRequest, "Name is required")
		return
	}
	user, err := a.auth.UpdateProfile(r.Context(), cur.User.ID, in.Name, in.Email, "")
	switch {
	case errors.Is(err, auth.ErrUserAlreadyExists):
		rpcError(w, rpcBadRequest, "Email already exists")
		return
	case errors.Is(err, auth.ErrInvalidEmail):
		rpcError(w, rpcBadRequest, "Invalid email address")
		return
	case err != nil:
		a.mapRPCError(w, err)
		return
	}
	if !strings.EqualFold(store.NormalizeEmail(in.Email), cur.User.Email) {
		a.audit.logEvent(AuditEmailChangeRequested, r, cur.User.ID)
	}
	writeRPC(w, toUser(user))
}

// rpcChangePassword always revokes the user's other sessions.
func (a *API) rpcChangePassword(w http.ResponseWriter, r *http.Request) {
	cur := sessionFromContext(r.Context())
	in, ok := decodeRPC[RPCChangePasswordInput](w, r)
	if !ok {
		return
	}
	if len(in.NewPassword) < auth.MinPasswordLength {
		rpcError(w, rpcBadRequest, "Password must be at least 8 characters")
		return
	}
	if err := a.auth.ChangePassword(r.Context(), cur.Session, in.CurrentPassword, in.NewPassword, true); err != nil {
		a.mapRPCError(w, err)
		return
	}
	a.audit.logEvent(AuditPasswordChanged, r, cur.User.ID, slog.Bool("revoked_others", true))
	writeRPC(w, SuccessResponse{Success: true})
}

// rpcDeleteAccount deletes the caller immediately and signs them out.
func (a *API) rpcDeleteAccount(w http.ResponseWriter, r *http.Request) {
	cur := sessionFromContext(r.Context())
	if _, err := a.auth.DeleteUserNow(r.Context(), cur.User.ID); err != nil {
		a.mapRPCError(w, err)
		return
	}
	a.audit.logEvent(AuditAccountDeleted, r, cur.User.ID)
	clearSessionCookies(w, r)
	writeRPC(w, SuccessResponse{Success: true})
}

func (a *API) rpcListBackupCodes(w http.ResponseWriter, r *http.Request) {
	cur := sessionFromContext(r.Context())
	codes, err := a.auth.ViewBackupCodes(r.Context(), cur.User.ID)
	if err != nil {
		a.mapRPCError(w, err)
		return
	}
	writeRPC(w, BackupCodesOutput{BackupCodes: codes})
}
