package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	portier "github.com/mpwsh/portier-client"
	portiererrors "github.com/mpwsh/portier-client/errors"
	"github.com/mpwsh/portier-client/identity"
)

var (
	errEmptySession = errors.New("response has no session id")
	errEmptyToken   = errors.New("response has no identity token")
)

// AuthResponse is the RPC service's reply to login.
type AuthResponse struct {
	// Session is the pending session id.
	Session string `json:"session"`
}

// VerifyResponse is the broker's reply to confirm.
type VerifyResponse struct {
	// IDToken is the identity token to claim at the RPC service.
	IDToken string `json:"id_token"`

	// Claims holds the decoded token claims; nil if the token is not a JWT.
	Claims *identity.Claims `json:"-"`
}

// Login posts email to {rpc}/login and returns the pending session it issues.
func (e *Exchanger) Login(ctx context.Context, email string) (portier.Pending, error) {
	var resp AuthResponse
	err := e.exchange(ctx, request{
		stage:    portiererrors.StageLogin,
		method:   http.MethodPost,
		endpoint: e.rpcURL("login"),
		form:     url.Values{"email": {email}},
	}, func(body []byte) error {
		if err := json.Unmarshal(body, &resp); err != nil {
			return fmt.Errorf("parse response: %w", err)
		}
		if resp.Session == "" {
			return errEmptySession
		}
		return nil
	})
	if err != nil {
		return portier.Pending{}, err
	}
	return portier.NewPending(resp.Session), nil
}

// Confirm posts the pending session id and the one-time code to
// {broker}/confirm and returns the identity token.
// Returns errors.ErrNoActiveSession if pending holds no id.
func (e *Exchanger) Confirm(ctx context.Context, pending portier.Pending, code string) (VerifyResponse, error) {
	if pending.ID() == "" {
		return VerifyResponse{}, portiererrors.ErrNoActiveSession
	}

	var resp VerifyResponse
	err := e.exchange(ctx, request{
		stage:    portiererrors.StageConfirm,
		method:   http.MethodPost,
		endpoint: e.brokerURL("confirm"),
		form:     url.Values{"session": {pending.ID()}, "code": {code}},
	}, func(body []byte) error {
		if err := json.Unmarshal(body, &resp); err != nil {
			return fmt.Errorf("parse confirmation response: %w", err)
		}
		if resp.IDToken == "" {
			return errEmptyToken
		}
		return nil
	})
	if err != nil {
		return VerifyResponse{}, err
	}

	claims, err := identity.Parse(resp.IDToken)
	switch {
	case err == nil:
		resp.Claims = &claims
	case !errors.Is(err, identity.ErrNotJWT):
		e.logger.Debug("identity token claims not decoded", slog.String("error", err.Error()))
	}
	return resp, nil
}

// Claim exchanges an identity token at {rpc}/claim for a confirmed session.
// The response body is the raw session id. The RPC service is expected to
// set the session cookie on this response.
func (e *Exchanger) Claim(ctx context.Context, idToken string) (portier.Confirmed, error) {
	var id string
	err := e.exchange(ctx, request{
		stage:    portiererrors.StageClaim,
		method:   http.MethodPost,
		endpoint: e.rpcURL("claim"),
		form:     url.Values{"id_token": {idToken}},
	}, func(body []byte) error {
		id = strings.TrimSpace(string(body))
		if id == "" {
			return errEmptySession
		}
		return nil
	})
	if err != nil {
		return portier.Confirmed{}, err
	}
	return portier.NewConfirmed(id), nil
}

// WhoAmI fetches {rpc}/whoami. The session is identified by the cookie the
// jar attaches; the Confirmed argument only states the precondition.
func (e *Exchanger) WhoAmI(ctx context.Context, _ portier.Confirmed) (portier.UserData, error) {
	var user portier.UserData
	err := e.exchange(ctx, request{
		stage:    portiererrors.StageWhoAmI,
		method:   http.MethodGet,
		endpoint: e.rpcURL("whoami"),
	}, func(body []byte) error {
		if err := json.Unmarshal(body, &user); err != nil {
			return fmt.Errorf("parse user data: %w", err)
		}
		return nil
	})
	if err != nil {
		return portier.UserData{}, err
	}
	return user, nil
}

// Logout posts to {rpc}/logout. The response body is ignored.
func (e *Exchanger) Logout(ctx context.Context) error {
	return e.exchange(ctx, request{
		stage:    portiererrors.StageLogout,
		method:   http.MethodPost,
		endpoint: e.rpcURL("logout"),
	}, nil)
}
