package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"mallpanel.org/internal/auth"
)

type roleRequest struct {
	Name          string   `json:"name"`
	DisplayName   string   `json:"display_name"`
	Description   string   `json:"description"`
	Color         string   `json:"color"`
	IsActive      *bool    `json:"is_active"`
	PermissionIDs []string `json:"permission_ids"`
}

func (req roleRequest) input() auth.RoleInput {
	in := auth.RoleInput{
		Name:          req.Name,
		DisplayName:   req.DisplayName,
		Description:   req.Description,
		Color:         req.Color,
		IsActive:      true,
		PermissionIDs: req.PermissionIDs,
	}
	if req.IsActive != nil {
		in.IsActive = *req.IsActive
	}
	return in
}

type userRequest struct {
	Email          string   `json:"email"`
	FullName       string   `json:"full_name"`
	AvatarURL      string   `json:"avatar_url"`
	IsActive       *bool    `json:"is_active"`
	RoleIDs        []string `json:"role_ids"`
	SendInvitation bool     `json:"send_invitation"`
}

func (req userRequest) input() auth.UserInput {
	in := auth.UserInput{
		Email:          req.Email,
		FullName:       req.FullName,
		AvatarURL:      req.AvatarURL,
		IsActive:       true,
		RoleIDs:        req.RoleIDs,
		SendInvitation: req.SendInvitation,
	}
	if req.IsActive != nil {
		in.IsActive = *req.IsActive
	}
	return in
}

type statusRequest struct {
	IsActive *bool `json:"is_active"`
}

type reorderRequest struct {
	RoleIDs []string `json:"role_ids"`
}

type userRolesRequest struct {
	RoleIDs []string `json:"role_ids"`
}

// --- permissions ---

func (a *API) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") != "all"
	perms, err := a.actions.ListPermissions(r.Context(), activeOnly)
	if err != nil {
		writeActionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

func (a *API) handleSetPermissionStatus(w http.ResponseWriter, r *http.Request) {
	active, ok := decodeStatus(w, r)
	if !ok {
		return
	}
	perm, err := a.actions.SetPermissionActive(r.Context(), r.PathValue("id"), active)
	if err != nil {
		writeActionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, perm)
}

// --- roles ---

func (a *API) handleListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := a.actions.ListRoles(r.Context())
	if err != nil {
		writeActionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (a *API) handleGetRole(w http.ResponseWriter, r *http.Request) {
	role, err := a.actions.GetRole(r.Context(), r.PathValue("id"))
	if err != nil {
		writeActionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (a *API) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := a.actions.CreateRole(r.Context(), req.input())
	if err != nil {
		writeActionError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/roles/%s", role.ID))
	writeJSON(w, http.StatusCreated, role)
}

func (a *API) handleUpdateRole(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	// PUT replaces the status too, so it must be stated.
	if req.IsActive == nil {
		writeError(w, r, http.StatusBadRequest, "is_active is required")
		return
	}
	role, err := a.actions.UpdateRole(r.Context(), r.PathValue("id"), req.input())
	if err != nil {
		writeActionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (a *API) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	if err := a.actions.DeleteRole(r.Context(), r.PathValue("id")); err != nil {
		writeActionError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleReorderRoles(w http.ResponseWriter, r *http.Request) {
	var req reorderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.actions.ReorderRoles(r.Context(), req.RoleIDs); err != nil {
		writeActionError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRoleUsers(w http.ResponseWriter, r *http.Request) {
	users, err := a.actions.ListUsersWithRole(r.Context(), r.PathValue("id"))
	if err != nil {
		writeActionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

// --- users ---

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := auth.UserFilter{
		Search: q.Get("search"),
		RoleID: q.Get("role_id"),
	}
	var err error
	if filter.Page, err = queryInt(q.Get("page")); err != nil {
		writeError(w, r, http.StatusBadRequest, "page must be an integer")
		return
	}
	if filter.PerPage, err = queryInt(q.Get("per_page")); err != nil {
		writeError(w, r, http.StatusBadRequest, "per_page must be an integer")
		return
	}
	if raw := strings.TrimSpace(q.Get("is_active")); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "is_active must be a boolean")
			return
		}
		filter.IsActive = &active
	}
	page, err := a.actions.ListUsers(r.Context(), filter)
	if err != nil {
		writeActionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (a *API) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := a.actions.GetUser(r.Context(), r.PathValue("id"))
	if err != nil {
		writeActionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.actions.CreateUser(r.Context(), req.input())
	if err != nil {
		writeActionError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/users/%s", res.User.ID))
	writeJSON(w, http.StatusCreated, res)
}

func (a *API) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.IsActive == nil {
		writeError(w, r, http.StatusBadRequest, "is_active is required")
		return
	}
	user, err := a.actions.UpdateUser(r.Context(), r.PathValue("id"), req.input())
	if err != nil {
		writeActionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	if err := a.actions.DeleteUser(r.Context(), r.PathValue("id")); err != nil {
		writeActionError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSetUserStatus(w http.ResponseWriter, r *http.Request) {
	active, ok := decodeStatus(w, r)
	if !ok {
		return
	}
	user, err := a.actions.ToggleUserStatus(r.Context(), r.PathValue("id"), active)
	if err != nil {
		writeActionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) handleListUserRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := a.actions.ListUserRoles(r.Context(), r.PathValue("id"))
	if err != nil {
		writeActionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"assignments": roles})
}

func (a *API) handleSetUserRoles(w http.ResponseWriter, r *http.Request) {
	var req userRolesRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.RoleIDs == nil {
		writeError(w, r, http.StatusBadRequest, "role_ids is required")
		return
	}
	user, err := a.actions.SetUserRoles(r.Context(), r.PathValue("id"), req.RoleIDs)
	if err != nil {
		writeActionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func decodeStatus(w http.ResponseWriter, r *http.Request) (bool, bool) {
	var req statusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return false, false
	}
	if req.IsActive == nil {
		writeError(w, r, http.StatusBadRequest, "is_active is required")
		return false, false
	}
	return *req.IsActive, true
}

func queryInt(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}
