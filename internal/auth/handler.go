package auth

import (
	"net/http"

	"lv-papertrade/internal/httputil"
)

type Handler struct{}

func NewHandler() *Handler {
	return &Handler{}
}

// Me echoes the authenticated user, letting clients check a token.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request, userID string) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"userId": userID})
}
