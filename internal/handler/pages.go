package handler

import (
	"bytes"
	"embed"
	"html/template"
	"net/http"

	"github.com/rs/zerolog/log"

	apperrors "github.com/devlink/pairing-broker/internal/errors"
	"github.com/devlink/pairing-broker/internal/httputil"
)

//go:embed templates/*.html
var templateFS embed.FS

const (
	pageError    = "error.html"
	pageExpired  = "expired.html"
	pageSuccess  = "success.html"
	pageTerms    = "terms.html"
	pageNotFound = "notfound.html"
)

// ErrorPage is the content of the generic error page.
type ErrorPage struct {
	Title    string
	Subtitle string
	Message  string
}

type pageData struct {
	Title     string
	Version   string
	Error     *ErrorPage
	UserName  string
	UserEmail string
}

// Pages renders the embedded HTML pages.
type Pages struct {
	tmpl    *template.Template
	version string
}

func NewPages(version string) (*Pages, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, err
	}
	return &Pages{tmpl: tmpl, version: version}, nil
}

func (p *Pages) render(w http.ResponseWriter, status int, name string, data pageData) {
	data.Version = p.version

	var buf bytes.Buffer
	if err := p.tmpl.ExecuteTemplate(&buf, name, data); err != nil {
		log.Error().Err(err).Str("page", name).Msg("failed to render page")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

func (p *Pages) Error(w http.ResponseWriter, status int, page ErrorPage) {
	p.render(w, status, pageError, pageData{Title: page.Title, Error: &page})
}

func (p *Pages) Expired(w http.ResponseWriter) {
	p.render(w, http.StatusGone, pageExpired, pageData{Title: "Code expired"})
}

func (p *Pages) Success(w http.ResponseWriter, name, email string) {
	if name == "" {
		name = "User"
	}
	p.render(w, http.StatusOK, pageSuccess, pageData{
		Title:     "Authentication successful",
		UserName:  name,
		UserEmail: email,
	})
}

func (p *Pages) Terms(w http.ResponseWriter, _ *http.Request) {
	p.render(w, http.StatusOK, pageTerms, pageData{Title: "Terms of use"})
}

func (p *Pages) NotFound(w http.ResponseWriter, _ *http.Request) {
	p.render(w, http.StatusNotFound, pageNotFound, pageData{Title: "Page not found"})
}

// flowStage selects the wording for errors that both flow endpoints can return.
type flowStage int

const (
	stageStart flowStage = iota
	stageCallback
)

// flowError renders err as the matching page for the given flow stage.
func (p *Pages) flowError(w http.ResponseWriter, stage flowStage, err error) {
	code := apperrors.GetCode(err)
	if code == apperrors.ErrCodeCodeExpired {
		p.Expired(w)
		return
	}
	p.Error(w, httputil.StatusFromCode(code), errorPageFor(stage, err))
}

func errorPageFor(stage flowStage, err error) ErrorPage {
	const retry = "Please generate a new code from your application and try again."

	switch apperrors.GetCode(err) {
	case apperrors.ErrCodeMissingRequired:
		return ErrorPage{
			Title:    "Missing parameter",
			Subtitle: "No authentication code was provided",
			Message:  "Open the link given by your application, it contains the code to authenticate.",
		}
	case apperrors.ErrCodeCodeNotFound:
		return ErrorPage{
			Title:    "Invalid code",
			Subtitle: "This authentication code does not exist",
			Message:  "Check the link given by your application. " + retry,
		}
	case apperrors.ErrCodeCodeAlreadyUsed:
		return ErrorPage{
			Title:    "Code already used",
			Subtitle: "This authentication code has already been used",
			Message:  "Each code can only be used once. " + retry,
		}
	case apperrors.ErrCodeProviderError:
		message := "The sign-in was interrupted. Please try again or contact an administrator."
		if appErr, ok := apperrors.AsAppError(err); ok {
			if details, ok := appErr.Details.(map[string]string); ok && details["description"] != "" {
				message = details["description"]
			}
		}
		return ErrorPage{
			Title:    "Provider error",
			Subtitle: "The identity provider returned an error",
			Message:  message,
		}
	case apperrors.ErrCodeMissingAuthCode:
		return ErrorPage{
			Title:    "Missing code",
			Subtitle: "No authorization code was received",
			Message:  "The identity provider did not return an authorization code. Please start again from your application.",
		}
	case apperrors.ErrCodeSessionExpired:
		return ErrorPage{
			Title:    "Session expired",
			Subtitle: "Your sign-in session is no longer valid",
			Message:  "Open the authentication link from your application again.",
		}
	case apperrors.ErrCodeStateMismatch:
		return ErrorPage{
			Title:    "Security check failed",
			Subtitle: "The sign-in response does not match this browser session",
			Message:  "Open the authentication link from your application again in the same browser.",
		}
	case apperrors.ErrCodeInvalidOrConsumedCode:
		return ErrorPage{
			Title:    "Invalid code",
			Subtitle: "This authentication code is invalid or has already been used",
			Message:  retry,
		}
	}

	if stage == stageCallback && apperrors.IsUpstream(apperrors.GetCode(err)) {
		return ErrorPage{
			Title:    "Processing error",
			Subtitle: "The identity provider could not complete the sign-in",
			Message:  "The provider did not return a usable identity. Please try again later or contact an administrator.",
		}
	}
	if stage == stageCallback {
		return ErrorPage{
			Title:    "Processing error",
			Subtitle: "An error occurred while completing the sign-in",
			Message:  "Please try again later or contact an administrator.",
		}
	}
	return ErrorPage{
		Title:    "Authentication error",
		Subtitle: "An error occurred while starting the sign-in",
		Message:  "Please try again later or contact an administrator.",
	}
}
