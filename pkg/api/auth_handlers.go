package api

import (
	"encoding/json"
	"net/http"

	"github.com/strata-lab/strata/pkg/types"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password,omitempty"` // accepted, verified at the edge
}

type userBody struct {
	UserID        string `json:"user_id"`
	Email         string `json:"email"`
	Name          string `json:"name,omitempty"`
	EmailVerified bool   `json:"email_verified"`
}

type loginResponse struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token,omitempty"`
	ExpiresIn    int64    `json:"expires_in"`
	TokenType    string   `json:"token_type"`
	User         userBody `json:"user"`
}

func toUserBody(u *types.UserProfile) userBody {
	return userBody{
		UserID:        u.UserID,
		Email:         u.Email,
		Name:          u.Name,
		EmailVerified: u.EmailVerified,
	}
}

// handleLogin issues a token pair, creating the profile on first login
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, types.NewValidationError("body", "invalid JSON"))
		return
	}

	result, err := s.tokens.Login(req.Email)
	if err != nil {
		writeError(w, err)
		return
	}

	// Cookie fallback for browser contexts
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    result.AccessToken,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(result.ExpiresIn),
	})

	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		ExpiresIn:    result.ExpiresIn,
		TokenType:    "Bearer",
		User:         toUserBody(result.User),
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// handleRefresh exchanges a refresh token for a new access token
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, types.NewValidationError("body", "invalid JSON"))
		return
	}
	if req.RefreshToken == "" {
		writeError(w, types.NewValidationError("refresh_token", "must not be empty"))
		return
	}

	result, err := s.tokens.Refresh(req.RefreshToken, true)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken: result.AccessToken,
		ExpiresIn:   result.ExpiresIn,
		TokenType:   "Bearer",
		User:        toUserBody(result.User),
	})
}

// handleLogout revokes the presented token
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.tokens.Logout(bearerToken(r)); err != nil {
		writeError(w, err)
		return
	}
	http.SetCookie(w, &http.Cookie{Name: cookieName, Value: "", Path: "/", MaxAge: -1})
	writeJSON(w, http.StatusOK, map[string]string{})
}

// handleMe returns the authenticated user's profile
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	writeJSON(w, http.StatusOK, toUserBody(user))
}

// handleAuthStatus reports whether the request carries a valid token
func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{
		"authenticated": UserFromContext(r.Context()) != nil,
	})
}
