package flow

import (
	"bytes"
	"context"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/gatehouse/api"
	"github.com/jmcleod/gatehouse/auth"
)

func TestValidators(t *testing.T) {
	tests := []struct {
		name string
		v    Validator
		in   string
		ok   bool
	}{
		{"required empty", Required("x"), "  ", false},
		{"required set", Required("x"), "a", true},
		{"min length short", MinLength(8, "x"), "1234567", false},
		{"min length ok", MinLength(8, "x"), "12345678", true},
		{"min length counts runes", MinLength(3, "x"), "äöü", true},
		{"email ok", Email("x"), "jane@example.com", true},
		{"email trimmed", Email("x"), " jane@example.com ", true},
		{"email display name", Email("x"), "Jane <jane@example.com>", false},
		{"email no at", Email("x"), "jane", false},
		{"alnum ok", Alphanumeric("x"), "ab12CD", true},
		{"alnum symbol", Alphanumeric("x"), "ab-12", false},
		{"length exact", Length(6, "x"), "123456", true},
		{"length off", Length(6, "x"), "12345", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.ok, tt.v(tt.in) == "")
		})
	}
}

func TestField_CheckStopsAtFirstFailure(t *testing.T) {
	var f Field
	f.Set("short")
	assert.True(t, f.Dirty)
	assert.False(t, f.Check(Required("required"), MinLength(8, "too short"), Email("bad email")))
	assert.Equal(t, "too short", f.Error)

	f.Set("longenough")
	assert.True(t, f.Check(MinLength(8, "too short")))
	assert.Empty(t, f.Error)
}

func TestSignUp_LandsOnVerifyEmailWithoutPasswords(t *testing.T) {
	fake := newFakeAPI()
	fake.signUp = &api.SignInResponse{User: &api.User{ID: "u1"}}
	rec := &recorder{}
	f := NewSignUp(fake, NewSessionContext(fake), rec, "/dashboard")

	f.SetName("Jane")
	f.SetEmail("jane@example.com")
	f.SetPassword("Passw0rd!")
	f.SetConfirmPassword("Passw0rd!")
	require.NoError(t, f.Submit(context.Background()))

	assert.Equal(t, SignUpVerifyEmail, f.State())
	name, email, password, confirm := f.Fields()
	assert.Equal(t, "Jane", name.Value)
	assert.Equal(t, "jane@example.com", email.Value)
	assert.Empty(t, password.Value)
	assert.Empty(t, confirm.Value)
	assert.Equal(t, "Passw0rd!", fake.lastSignUp.Password)
	assert.Equal(t, "/dashboard", fake.lastSignUp.CallbackURL)
}

func TestSignUp_Validation(t *testing.T) {
	fake := newFakeAPI()
	f := NewSignUp(fake, NewSessionContext(fake), &recorder{}, "")
	f.SetEmail("not-an-email")
	f.SetPassword("short")
	f.SetConfirmPassword("other")

	require.ErrorIs(t, f.Submit(context.Background()), ErrInvalid)
	name, email, password, confirm := f.Fields()
	assert.Equal(t, msgNameRequired, name.Error)
	assert.Equal(t, msgInvalidEmail, email.Error)
	assert.Equal(t, msgPasswordLength, password.Error)
	assert.Equal(t, msgPasswordMismatch, confirm.Error)
	assert.Zero(t, fake.count("SignUp"))
}

func TestSignUp_ServerErrorStaysOnForm(t *testing.T) {
	fake := newFakeAPI()
	fake.errs["SignUp"] = auth.ErrUserAlreadyExists
	rec := &recorder{}
	f := NewSignUp(fake, NewSessionContext(fake), rec, "")
	f.SetName("Jane")
	f.SetEmail("Jane@Example.com ")
	f.SetPassword("Passw0rd!")
	f.SetConfirmPassword("Passw0rd!")

	require.ErrorIs(t, f.Submit(context.Background()), auth.ErrUserAlreadyExists)
	assert.Equal(t, SignUpForm, f.State())
	assert.Equal(t, "jane@example.com", fake.lastSignUp.Email)
	assert.Equal(t, note{LevelError, "User already exists. Use another email."}, rec.last())
	_, _, password, _ := f.Fields()
	assert.Empty(t, password.Value)
}

func TestSignIn(t *testing.T) {
	t.Run("wrong password stays on form", func(t *testing.T) {
		fake := newFakeAPI()
		fake.errs["SignIn"] = auth.ErrInvalidEmailOrPassword
		rec := &recorder{}
		f := NewSignIn(fake, NewSessionContext(fake), rec, rec, DefaultPages)
		f.SetEmail("jane@example.com")
		f.SetPassword("wrong")

		require.Error(t, f.Submit(context.Background()))
		assert.Empty(t, rec.moves)
		assert.Equal(t, note{LevelError, "Failed to sign in, Invalid email or password"}, rec.last())
		_, password := f.Fields()
		assert.Empty(t, password.Value)
	})

	t.Run("success navigates", func(t *testing.T) {
		fake := newFakeAPI()
		token := "tok"
		fake.signIn = &api.SignInResponse{Token: &token}
		rec := &recorder{}
		f := NewSignIn(fake, NewSessionContext(fake), rec, rec, DefaultPages)
		f.SetEmail("jane@example.com")
		f.SetPassword("Passw0rd!")

		require.NoError(t, f.Submit(context.Background()))
		require.NotNil(t, fake.lastSignIn.RememberMe)
		assert.True(t, *fake.lastSignIn.RememberMe)
		assert.Equal(t, []string{"replace:/dashboard"}, rec.moves)
		assert.Equal(t, note{LevelSuccess, "Sign in successful"}, rec.last())
	})

	t.Run("two factor redirect", func(t *testing.T) {
		fake := newFakeAPI()
		fake.signIn = &api.SignInResponse{TwoFactorRedirect: true}
		rec := &recorder{}
		f := NewSignIn(fake, NewSessionContext(fake), rec, rec, DefaultPages)
		f.SetEmail("jane@example.com")
		f.SetPassword("Passw0rd!")
		f.SetRememberMe(false)

		require.NoError(t, f.Submit(context.Background()))
		assert.False(t, *fake.lastSignIn.RememberMe)
		assert.Equal(t, []string{"push:/auth/2fa"}, rec.moves)
	})
}

func TestChangePassword(t *testing.T) {
	ctx := context.Background()
	fake := newFakeAPI()
	rec := &recorder{}
	f := NewChangePassword(fake, NewSessionContext(fake), rec)

	f.SetCurrentPassword("old-password")
	f.SetNewPassword("new-password")
	f.SetConfirmPassword("new-passwor")
	require.ErrorIs(t, f.Submit(ctx), ErrInvalid)
	_, _, confirm := f.Fields()
	assert.Equal(t, msgPasswordMismatch, confirm.Error)

	f.SetConfirmPassword("new-password")
	require.NoError(t, f.Submit(ctx))
	assert.True(t, fake.lastChange.RevokeOtherSessions)
	assert.Equal(t, note{LevelSuccess, "Password changed successfully"}, rec.last())

	fake.errs["ChangePassword"] = auth.ErrInvalidPassword
	f.SetCurrentPassword("bad")
	f.SetNewPassword("new-password")
	f.SetConfirmPassword("new-password")
	require.Error(t, f.Submit(ctx))
	assert.Equal(t, note{LevelError, "Failed to change password, Invalid password"}, rec.last())
	current, next, confirm := f.Fields()
	assert.Empty(t, current.Value+next.Value+confirm.Value)
}

func TestChangePassword_SendResetLink(t *testing.T) {
	fake := newFakeAPI()
	fake.session = signedIn("s1")
	rec := &recorder{}
	f := NewChangePassword(fake, NewSessionContext(fake), rec)

	require.NoError(t, f.SendResetLink(context.Background()))
	assert.Equal(t, "jane@example.com", fake.lastResetReq.Email)
	assert.Equal(t, "/auth/reset-password", fake.lastResetReq.RedirectTo)
	assert.Equal(t, LevelSuccess, rec.last().Level)
}

func TestForgotPassword(t *testing.T) {
	fake := newFakeAPI()
	f := NewForgotPassword(fake, &recorder{})
	f.SetEmail("nope")
	require.ErrorIs(t, f.Submit(context.Background()), ErrInvalid)
	assert.False(t, f.Submitted())

	f.SetEmail("jane@example.com")
	require.NoError(t, f.Submit(context.Background()))
	assert.True(t, f.Submitted())
}

func TestResetPassword(t *testing.T) {
	ctx := context.Background()

	t.Run("missing token never calls", func(t *testing.T) {
		fake := newFakeAPI()
		f := NewResetPassword(fake, &recorder{}, query())
		assert.Equal(t, ResetInvalidLink, f.State())
		f.SetPassword("new-password")
		f.SetConfirmPassword("new-password")
		assert.ErrorIs(t, f.Submit(ctx), ErrInvalidLink)
		assert.Zero(t, fake.count("ResetPassword"))
	})

	t.Run("error query is invalid", func(t *testing.T) {
		f := NewResetPassword(newFakeAPI(), &recorder{}, query("error", "INVALID_TOKEN"))
		assert.Equal(t, ResetInvalidLink, f.State())
	})

	t.Run("consumed token lands on invalid link", func(t *testing.T) {
		fake := newFakeAPI()
		fake.errs["ResetPassword"] = auth.ErrInvalidToken
		f := NewResetPassword(fake, &recorder{}, query("token", "abc"))
		f.SetPassword("new-password")
		f.SetConfirmPassword("new-password")
		assert.ErrorIs(t, f.Submit(ctx), ErrInvalidLink)
		assert.Equal(t, ResetInvalidLink, f.State())
	})

	t.Run("success", func(t *testing.T) {
		fake := newFakeAPI()
		f := NewResetPassword(fake, &recorder{}, query("token", "abc"))
		f.SetPassword("new-password")
		f.SetConfirmPassword("new-password")
		require.NoError(t, f.Submit(ctx))
		assert.Equal(t, ResetSuccess, f.State())
		assert.Equal(t, api.ResetPasswordRequest{Token: "abc", NewPassword: "new-password"}, fake.lastReset)
		password, confirm := f.Fields()
		assert.Empty(t, password.Value+confirm.Value)
	})
}

func TestProfile(t *testing.T) {
	ctx := context.Background()
	fake := newFakeAPI()
	fake.session = signedIn("s1")
	rec := &recorder{}
	f := NewProfile(fake, NewSessionContext(fake), rec)
	require.NoError(t, f.Load(ctx))
	name, _ := f.Fields()
	assert.Equal(t, "Jane", name.Value)

	// Unchanged name makes no call.
	require.NoError(t, f.SubmitName(ctx))
	assert.Zero(t, fake.count("UpdateUser"))

	f.SetName("  Jane Doe ")
	require.NoError(t, f.SubmitName(ctx))
	assert.Equal(t, 1, fake.count("UpdateUser"))
	assert.Equal(t, "Jane Doe", fake.session.User.Name)

	f.SetEmail("JANE@example.com")
	require.ErrorIs(t, f.SubmitEmail(ctx), ErrInvalid)
	_, email := f.Fields()
	assert.Equal(t, "Email cannot be the same", email.Error)

	f.SetEmail("new@example.com")
	require.NoError(t, f.SubmitEmail(ctx))
	assert.Equal(t, api.ChangeEmailRequest{NewEmail: "new@example.com", CallbackURL: "/settings/profile"}, fake.lastEmail)
	assert.Contains(t, rec.last().Message, "new@example.com")
}

func TestDeleteAccount(t *testing.T) {
	fake := newFakeAPI()
	rec := &recorder{}
	f := NewDeleteAccount(fake, rec, "/auth/sign-in")
	f.Open()
	require.ErrorIs(t, f.Submit(context.Background()), ErrInvalid)
	assert.True(t, f.IsOpen())

	f.SetPassword("Passw0rd!")
	require.NoError(t, f.Submit(context.Background()))
	assert.False(t, f.IsOpen())
	assert.Empty(t, f.Password().Value)
	assert.Equal(t, LevelSuccess, rec.last().Level)
}

func TestDeleteAccount_FailureClosesDialog(t *testing.T) {
	fake := newFakeAPI()
	fake.errs["DeleteUser"] = auth.ErrInvalidPassword
	rec := &recorder{}
	f := NewDeleteAccount(fake, rec, "/auth/sign-in")

	f.Open()
	f.SetPassword("wrong")
	require.ErrorIs(t, f.Submit(context.Background()), auth.ErrInvalidPassword)
	assert.False(t, f.IsOpen())
	assert.Empty(t, f.Password().Value, "the password never outlives the dialog")
	assert.Equal(t, LevelError, rec.last().Level)
	assert.Equal(t, 1, fake.count("DeleteUser"))

	f.Open()
	assert.True(t, f.IsOpen())
	assert.Empty(t, f.Password().Value)
}

func TestAvatar_RejectsBeforeCalling(t *testing.T) {
	ctx := context.Background()
	fake := newFakeAPI()
	rec := &recorder{}
	a := NewAvatar(fake, NewSessionContext(fake), rec)

	_, err := a.Upload(ctx, "big.png", "image/png", bytes.Repeat([]byte{1}, 800*1024+1))
	require.ErrorIs(t, err, ErrInvalid)
	assert.Equal(t, note{LevelError, "File too large. Maximum size is 800KB"}, rec.last())

	_, err = a.Upload(ctx, "doc.pdf", "application/pdf", []byte("%PDF"))
	require.ErrorIs(t, err, ErrInvalid)
	assert.Equal(t, note{LevelError, "Invalid file type. Allowed: JPG, PNG, GIF, WebP"}, rec.last())

	assert.Zero(t, fake.count("UploadAvatar"))
}

func TestAvatar_UploadAndRemove(t *testing.T) {
	ctx := context.Background()
	fake := newFakeAPI()
	fake.session = signedIn("s1")
	rec := &recorder{}
	sess := NewSessionContext(fake)
	a := NewAvatar(fake, sess, rec)

	data := bytes.Repeat([]byte{7}, 800*1024)
	url, err := a.Upload(ctx, "me.png", "image/png", data)
	require.NoError(t, err)
	assert.Equal(t, "/uploads/avatars/new.png", url)
	assert.Equal(t, base64.StdEncoding.EncodeToString(data), fake.lastUpload.FileBase64)
	assert.Equal(t, note{LevelSuccess, "Avatar updated successfully"}, rec.last())
	cur, ok := sess.Cached()
	require.True(t, ok)
	assert.Equal(t, url, cur.User.Image)

	require.NoError(t, a.Remove(ctx))
	assert.Equal(t, note{LevelSuccess, "Avatar removed successfully"}, rec.last())

	fake.errs["DeleteAvatar"] = &api.RPCError{Code: "NOT_FOUND", Message: "No avatar to delete"}
	require.Error(t, a.Remove(ctx))
	assert.Equal(t, note{LevelError, "No avatar to delete"}, rec.last())
}

func TestTwoFactorChallenge(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		fake := newFakeAPI()
		rec := &recorder{}
		f := NewTwoFactorChallenge(fake, NewSessionContext(fake), rec, rec, DefaultPages)
		f.SetCode("123456")
		require.NoError(t, f.Submit(ctx))
		assert.False(t, fake.lastVerify.TrustDevice)
		assert.Equal(t, []string{"replace:/dashboard"}, rec.moves)
	})

	t.Run("wrong code is retryable", func(t *testing.T) {
		fake := newFakeAPI()
		fake.errs["VerifyTOTP"] = auth.ErrInvalidCode
		rec := &recorder{}
		f := NewTwoFactorChallenge(fake, NewSessionContext(fake), rec, rec, DefaultPages)
		f.SetCode("123456")
		require.Error(t, f.Submit(ctx))
		assert.Empty(t, rec.moves)
		assert.Equal(t, note{LevelError, "Failed to verify 2FA, Invalid code"}, rec.last())
	})

	t.Run("missing challenge redirects", func(t *testing.T) {
		fake := newFakeAPI()
		fake.errs["VerifyBackupCode"] = auth.ErrInvalidTwoFactorCookie
		rec := &recorder{}
		f := NewTwoFactorChallenge(fake, NewSessionContext(fake), rec, rec, DefaultPages)
		f.UseBackupCode(true)
		f.SetTrustDevice(true)
		f.SetCode("abcde-fghij")
		require.Error(t, f.Submit(ctx))
		assert.True(t, fake.lastVerify.TrustDevice)
		assert.Equal(t, 1, fake.count("VerifyBackupCode"))
		assert.Equal(t, []string{"replace:/auth/sign-in"}, rec.moves)
		assert.Equal(t, "Failed to verify 2FA, Invalid two factor cookie. Please try sign in again", rec.last().Message)
	})
}

func TestTwoFactorDisable(t *testing.T) {
	fake := newFakeAPI()
	rec := &recorder{}
	f := NewTwoFactorDisable(fake, NewSessionContext(fake), rec)
	f.Open()
	f.SetPassword("Passw0rd!")
	require.NoError(t, f.Submit(context.Background()))
	assert.False(t, f.IsOpen())
	assert.Equal(t, note{LevelSuccess, "2FA disabled successfully"}, rec.last())

	fake.errs["DisableTwoFactor"] = auth.ErrInvalidPassword
	f.Open()
	f.SetPassword("bad")
	require.Error(t, f.Submit(context.Background()))
	assert.False(t, f.IsOpen())
	assert.Equal(t, note{LevelError, "Failed to disable 2FA, Invalid password"}, rec.last())
}

func TestBackupCodes(t *testing.T) {
	ctx := context.Background()
	fake := newFakeAPI()
	fake.codes = []string{"old-1", "old-2"}
	rec := &recorder{}
	f := NewBackupCodes(fake, rec)
	require.NoError(t, f.Load(ctx))
	assert.Nil(t, f.Codes())

	f.SetVisible(true)
	assert.Equal(t, []string{"old-1", "old-2"}, f.Codes())

	f.Open()
	f.SetPassword("Passw0rd!")
	require.NoError(t, f.Regenerate(ctx))
	assert.Equal(t, []string{"new-1", "new-2"}, f.Codes())
	assert.Equal(t, 2, fake.count("ListBackupCodes"))
	assert.False(t, f.IsOpen())
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "Invalid code", ErrorMessage(auth.ErrInvalidCode))
	assert.Equal(t, "INVALID_CODE", ErrorCode(auth.ErrInvalidCode))
	assert.Equal(t, "Name is required", ErrorMessage(&api.RPCError{Code: "BAD_REQUEST", Message: "Name is required"}))
	assert.Equal(t, "", ErrorCode(assert.AnError))
}
