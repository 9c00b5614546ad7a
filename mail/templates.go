package mail

import (
	"bytes"
	"embed"
	"fmt"
	htmltemplate "html/template"
	texttemplate "text/template"
)

//go:embed templates/*.html templates/*.txt
var templateFS embed.FS

var (
	htmlTemplates = htmltemplate.Must(htmltemplate.ParseFS(templateFS, "templates/*.html"))
	textTemplates = texttemplate.Must(texttemplate.ParseFS(templateFS, "templates/*.txt"))
)

const (
	SubjectVerifyEmail          = "Verify your email address"
	SubjectResetPassword        = "Reset your password"
	SubjectResetPasswordSuccess = "Password reset successful"
	SubjectDeleteAccount        = "Delete your account"
)

type templateData struct {
	AppName string
	URL     string
}

func render(name, to, subject string, data templateData) (Message, error) {
	var html, text bytes.Buffer
	if err := htmlTemplates.ExecuteTemplate(&html, name+".html", data); err != nil {
		return Message{}, fmt.Errorf("rendering %s.html: %w", name, err)
	}
	if err := textTemplates.ExecuteTemplate(&text, name+".txt", data); err != nil {
		return Message{}, fmt.Errorf("rendering %s.txt: %w", name, err)
	}
	return Message{To: to, Subject: subject, HTML: html.String(), Text: text.String()}, nil
}

// VerifyEmail is sent on sign-up, on sign-in of an unverified user and to
// the new address of an email change.
func VerifyEmail(appName, to, url string) (Message, error) {
	return render("verify_email", to, SubjectVerifyEmail, templateData{AppName: appName, URL: url})
}

func ResetPassword(appName, to, url string) (Message, error) {
	return render("reset_password", to, SubjectResetPassword, templateData{AppName: appName, URL: url})
}

func ResetPasswordSuccess(appName, to string) (Message, error) {
	return render("reset_password_success", to, SubjectResetPasswordSuccess, templateData{AppName: appName})
}

func DeleteAccount(appName, to, url string) (Message, error) {
	return render("delete_account", to, SubjectDeleteAccount, templateData{AppName: appName, URL: url})
}
