package flow

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/jmcleod/gatehouse/api"
)

type note struct {
	Level   Level
	Message string
}

type recorder struct {
	mu    sync.Mutex
	notes []note
	moves []string
}

func (r *recorder) Notify(level Level, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, note{level, message})
}

func (r *recorder) Push(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.moves = append(r.moves, "push:"+path)
}

func (r *recorder) Replace(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.moves = append(r.moves, "replace:"+path)
}

func (r *recorder) last() note {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.notes) == 0 {
		return note{}
	}
	return r.notes[len(r.notes)-1]
}

// fakeAPI implements every client interface of the package. Errors are set
// per method name; calls are counted the same way.
type fakeAPI struct {
	mu    sync.Mutex
	calls map[string]int
	errs  map[string]error

	session  *api.SessionResponse
	sessions []api.Session
	signUp   *api.SignInResponse
	signIn   *api.SignInResponse
	totpURI  string
	codes    []string
	image    string

	lastSignUp   api.SignUpRequest
	lastSignIn   api.SignInRequest
	lastVerify   api.VerifyCodeRequest
	lastChange   api.ChangePasswordRequest
	lastReset    api.ResetPasswordRequest
	lastResetReq api.RequestPasswordResetRequest
	lastUpload   api.UploadAvatarInput
	lastEmail    api.ChangeEmailRequest

	// block, when set, is received from inside RevokeSession.
	block chan struct{}
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{calls: map[string]int{}, errs: map[string]error{}}
}

func (f *fakeAPI) hit(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[name]++
	return f.errs[name]
}

func (f *fakeAPI) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeAPI) GetSession(context.Context) (*api.SessionResponse, error) {
	if err := f.hit("GetSession"); err != nil {
		return nil, err
	}
	return f.session, nil
}

func (f *fakeAPI) SignUp(_ context.Context, req api.SignUpRequest) (*api.SignInResponse, error) {
	f.lastSignUp = req
	if err := f.hit("SignUp"); err != nil {
		return nil, err
	}
	return f.signUp, nil
}

func (f *fakeAPI) SignIn(_ context.Context, req api.SignInRequest) (*api.SignInResponse, error) {
	f.lastSignIn = req
	if err := f.hit("SignIn"); err != nil {
		return nil, err
	}
	return f.signIn, nil
}

func (f *fakeAPI) ListSessions(context.Context) ([]api.Session, error) {
	if err := f.hit("ListSessions"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]api.Session(nil), f.sessions...), nil
}

func (f *fakeAPI) RevokeSession(_ context.Context, token string) error {
	if f.block != nil {
		<-f.block
	}
	if err := f.hit("RevokeSession"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.sessions[:0]
	for _, s := range f.sessions {
		if s.Token != token {
			kept = append(kept, s)
		}
	}
	f.sessions = kept
	return nil
}

func (f *fakeAPI) ChangePassword(_ context.Context, req api.ChangePasswordRequest) (*api.ChangePasswordResponse, error) {
	f.lastChange = req
	if err := f.hit("ChangePassword"); err != nil {
		return nil, err
	}
	return &api.ChangePasswordResponse{}, nil
}

func (f *fakeAPI) RequestPasswordReset(_ context.Context, req api.RequestPasswordResetRequest) error {
	f.lastResetReq = req
	return f.hit("RequestPasswordReset")
}

func (f *fakeAPI) ResetPassword(_ context.Context, req api.ResetPasswordRequest) error {
	f.lastReset = req
	return f.hit("ResetPassword")
}

func (f *fakeAPI) UpdateUser(_ context.Context, req api.UpdateUserRequest) error {
	if err := f.hit("UpdateUser"); err != nil {
		return err
	}
	if req.Name != nil && f.session != nil {
		f.session.User.Name = *req.Name
	}
	return nil
}

func (f *fakeAPI) ChangeEmail(_ context.Context, req api.ChangeEmailRequest) error {
	f.lastEmail = req
	return f.hit("ChangeEmail")
}

func (f *fakeAPI) DeleteUser(context.Context, api.DeleteUserRequest) (*api.SuccessResponse, error) {
	if err := f.hit("DeleteUser"); err != nil {
		return nil, err
	}
	return &api.SuccessResponse{Success: true, Message: "Verification email sent"}, nil
}

func (f *fakeAPI) UploadAvatar(_ context.Context, in api.UploadAvatarInput) (*api.UploadAvatarOutput, error) {
	f.lastUpload = in
	if err := f.hit("UploadAvatar"); err != nil {
		return nil, err
	}
	f.image = "/uploads/avatars/new.png"
	if f.session != nil {
		f.session.User.Image = f.image
	}
	return &api.UploadAvatarOutput{ImageURL: f.image, Message: "Avatar updated successfully"}, nil
}

func (f *fakeAPI) DeleteAvatar(context.Context) (*api.MessageOutput, error) {
	if err := f.hit("DeleteAvatar"); err != nil {
		return nil, err
	}
	return &api.MessageOutput{Message: "Avatar removed successfully"}, nil
}

func (f *fakeAPI) EnableTwoFactor(context.Context, api.EnableTwoFactorRequest) (*api.EnableTwoFactorResponse, error) {
	if err := f.hit("EnableTwoFactor"); err != nil {
		return nil, err
	}
	return &api.EnableTwoFactorResponse{TOTPURI: f.totpURI, BackupCodes: f.codes}, nil
}

func (f *fakeAPI) VerifyTOTP(_ context.Context, req api.VerifyCodeRequest) (*api.VerifyCodeResponse, error) {
	f.lastVerify = req
	if err := f.hit("VerifyTOTP"); err != nil {
		return nil, err
	}
	return &api.VerifyCodeResponse{Token: "tok"}, nil
}

func (f *fakeAPI) VerifyBackupCode(_ context.Context, req api.VerifyCodeRequest) (*api.VerifyCodeResponse, error) {
	f.lastVerify = req
	if err := f.hit("VerifyBackupCode"); err != nil {
		return nil, err
	}
	return &api.VerifyCodeResponse{Token: "tok"}, nil
}

func (f *fakeAPI) DisableTwoFactor(context.Context, api.PasswordRequest) error {
	return f.hit("DisableTwoFactor")
}

func (f *fakeAPI) ListBackupCodes(context.Context) ([]string, error) {
	if err := f.hit("ListBackupCodes"); err != nil {
		return nil, err
	}
	return f.codes, nil
}

func (f *fakeAPI) GenerateBackupCodes(context.Context, api.PasswordRequest) ([]string, error) {
	if err := f.hit("GenerateBackupCodes"); err != nil {
		return nil, err
	}
	f.codes = []string{"new-1", "new-2"}
	return f.codes, nil
}

func signedIn(id string) *api.SessionResponse {
	return &api.SessionResponse{
		Session: api.Session{ID: id, Token: "tok-" + id},
		User:    api.User{ID: "u1", Name: "Jane", Email: "jane@example.com"},
	}
}

func query(kv ...string) url.Values {
	q := url.Values{}
	for i := 0; i+1 < len(kv); i += 2 {
		q.Set(kv[i], kv[i+1])
	}
	return q
}

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
