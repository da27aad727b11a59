package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"formhive/api/internal/store"
)

func postJSON(t *testing.T, server *HTTPServer, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	return rr
}

func getJSON(t *testing.T, server *HTTPServer, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	return response
}

func sessionToken(t *testing.T, svc *Service, ms *memStore, id, email, name string) string {
	t.Helper()
	ms.addUser(id, email, name)
	session, err := svc.CreateSession(context.Background(), id)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return session.Token
}

func TestFormRoutes(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	server := NewHTTPServer(svc, "*")
	token := sessionToken(t, svc, ms, "usr_1", "alice@example.com", "Alice")

	// Create.
	rr := postJSON(t, server, "/api/forms", token, map[string]any{"name": "Survey", "description": "desc"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	created := decodeResponse(t, rr)
	formID := created["id"].(string)

	// Anonymous create is rejected.
	rr = postJSON(t, server, "/api/forms", "", map[string]any{"name": "X"})
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("anonymous create: expected 401, got %d", rr.Code)
	}

	// List.
	rr = getJSON(t, server, "/api/forms", token)
	if rr.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", rr.Code)
	}
	listed := decodeResponse(t, rr)
	forms := listed["forms"].([]any)
	if len(forms) != 1 {
		t.Errorf("expected 1 form, got %d", len(forms))
	}

	// Public read needs no session.
	rr = getJSON(t, server, "/api/forms/"+formID, "")
	if rr.Code != http.StatusOK {
		t.Errorf("public get: expected 200, got %d", rr.Code)
	}
	rr = getJSON(t, server, "/api/forms/"+formID+"/context", "")
	if rr.Code != http.StatusOK {
		t.Errorf("public context: expected 200, got %d", rr.Code)
	}

	// A present but garbage token fails even on public reads.
	rr = getJSON(t, server, "/api/forms/"+formID, "garbage")
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("bad token: expected 401, got %d", rr.Code)
	}

	// Unknown routes 404.
	rr = getJSON(t, server, "/api/forms/"+formID+"/bogus", token)
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown subroute: expected 404, got %d", rr.Code)
	}
}

func TestSubmitRouteAnonymous(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	server := NewHTTPServer(svc, "*")

	ms.addForm(store.Form{ID: "form_1", CreatedBy: "owner@example.com", Name: "Survey"})
	ms.fields["field_1"] = store.Field{ID: "field_1", FormID: "form_1", Name: "Full Name", Kind: "text", Order: 0, Required: true}

	rr := postJSON(t, server, "/api/forms/form_1/responses", "", map[string]any{
		"values": []map[string]any{{"fieldId": "field_1", "name": "Full Name", "response": "Anon"}},
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("submit: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	response := decodeResponse(t, rr)
	if response["responseId"] == "" {
		t.Error("expected a response ID")
	}

	// Validation errors surface as 422 with the error code.
	rr = postJSON(t, server, "/api/forms/form_1/responses", "", map[string]any{
		"values": []map[string]any{{"fieldId": "field_bogus", "response": "x"}},
	})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("invalid submit: expected 422, got %d", rr.Code)
	}
	failure := decodeResponse(t, rr)
	if failure["code"] != "VALIDATION_ERROR" {
		t.Errorf("expected VALIDATION_ERROR, got %v", failure["code"])
	}
}

func TestCollaboratorRoutes(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	server := NewHTTPServer(svc, "*")
	ownerToken := sessionToken(t, svc, ms, "usr_owner", "owner@example.com", "Owner")
	bobToken := sessionToken(t, svc, ms, "usr_bob", "bob@example.com", "Bob")

	ms.addForm(store.Form{ID: "form_1", CreatedBy: "owner@example.com", Name: "Survey"})

	rr := postJSON(t, server, "/api/forms/form_1/collaborators", ownerToken, map[string]any{
		"email": "bob@example.com", "role": "editor",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("invite: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	invite := decodeResponse(t, rr)
	collabID := invite["id"].(string)

	rr = getJSON(t, server, "/api/invitations", bobToken)
	if rr.Code != http.StatusOK {
		t.Fatalf("invitations: expected 200, got %d", rr.Code)
	}
	pending := decodeResponse(t, rr)["invitations"].([]any)
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending invitation, got %d", len(pending))
	}

	rr = postJSON(t, server, "/api/invitations/"+collabID+"/accept", bobToken, map[string]any{})
	if rr.Code != http.StatusOK {
		t.Fatalf("accept: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	// Accepted editor can now update the form.
	req := httptest.NewRequest(http.MethodPatch, "/api/forms/form_1", bytes.NewReader([]byte(`{"name":"Renamed"}`)))
	req.Header.Set("Authorization", "Bearer "+bobToken)
	recorder := httptest.NewRecorder()
	server.Handler().ServeHTTP(recorder, req)
	if recorder.Code != http.StatusOK {
		t.Fatalf("editor patch: expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}

	// But cannot manage collaborators.
	rr = postJSON(t, server, "/api/forms/form_1/collaborators", bobToken, map[string]any{
		"email": "carol@example.com", "role": "viewer",
	})
	if rr.Code != http.StatusForbidden {
		t.Errorf("editor invite: expected 403, got %d", rr.Code)
	}

	// Owner removes the collaborator.
	req = httptest.NewRequest(http.MethodDelete, "/api/collaborators/"+collabID, nil)
	req.Header.Set("Authorization", "Bearer "+ownerToken)
	recorder = httptest.NewRecorder()
	server.Handler().ServeHTTP(recorder, req)
	if recorder.Code != http.StatusOK {
		t.Fatalf("remove: expected 200, got %d", recorder.Code)
	}
}

func TestSessionRoutes(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	server := NewHTTPServer(svc, "*")
	ms.addUser("usr_1", "alice@example.com", "Alice")
	session, err := svc.CreateSession(context.Background(), "usr_1")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	rr := getJSON(t, server, "/api/session", session.Token)
	payload := decodeResponse(t, rr)
	if payload["authenticated"] != true || payload["email"] != "alice@example.com" {
		t.Errorf("unexpected session payload: %v", payload)
	}

	rr = getJSON(t, server, "/api/session", "")
	payload = decodeResponse(t, rr)
	if payload["authenticated"] != false {
		t.Errorf("expected unauthenticated, got %v", payload)
	}

	rr = postJSON(t, server, "/api/session/refresh", "", map[string]any{"refreshToken": session.RefreshToken})
	if rr.Code != http.StatusOK {
		t.Fatalf("refresh: expected 200, got %d", rr.Code)
	}
	refreshed := decodeResponse(t, rr)
	if refreshed["token"] == "" || refreshed["refreshToken"] == session.RefreshToken {
		t.Errorf("expected rotated tokens, got %v", refreshed)
	}

	rr = postJSON(t, server, "/api/session/refresh", "", map[string]any{"refreshToken": session.RefreshToken})
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("reused refresh: expected 401, got %d", rr.Code)
	}
}
