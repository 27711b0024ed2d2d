package app

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"agora/api/internal/realtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func doJSON(t *testing.T, server *HTTPServer, session Session, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Buffer
	if body == "" {
		reader = &bytes.Buffer{}
	} else {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if session.Token != "" {
		req.Header.Set("Authorization", "Bearer "+session.Token)
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	payload := map[string]any{}
	if rr.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &payload), rr.Body.String())
	}
	return rr, payload
}

func TestHTTPVoteAndSwitchLimit(t *testing.T) {
	svc := newTestService(t, newFakeStore())
	server := NewHTTPServer(svc, "*", nil, zaptest.NewLogger(t))
	item, sessions := seedDebate(t, svc, "alice")
	alice := sessions["alice"]
	path := "/api/debates/" + item.ID + "/vote"

	rr, payload := doJSON(t, server, alice, http.MethodPost, path, `{"side":"A"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, float64(1), payload["votesA"])
	assert.Equal(t, "cast", payload["outcome"])
	assert.Equal(t, true, payload["canSwitch"])

	for _, side := range []string{"B", "A", "B"} {
		rr, _ = doJSON(t, server, alice, http.MethodPost, path, `{"side":"`+side+`"}`)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	}

	rr, _ = doJSON(t, server, alice, http.MethodPost, path, `{"side":"A"}`)
	assertErrorCode(t, rr, http.StatusConflict, "SWITCH_LIMIT_EXCEEDED")

	rr, _ = doJSON(t, server, alice, http.MethodPost, path, `{"side":"C"}`)
	assertErrorCode(t, rr, http.StatusUnprocessableEntity, "VALIDATION_ERROR")

	rr, _ = doJSON(t, server, alice, http.MethodPost, "/api/debates/deb_missing/vote", `{"side":"A"}`)
	assertErrorCode(t, rr, http.StatusNotFound, "NOT_FOUND")

	rr, payload = doJSON(t, server, alice, http.MethodGet, "/api/debates/"+item.ID, "")
	require.Equal(t, http.StatusOK, rr.Code)
	myVote, ok := payload["myVote"].(map[string]any)
	require.True(t, ok, "myVote present after voting")
	assert.Equal(t, "B", myVote["side"])
	assert.Equal(t, float64(3), myVote["switchCount"])
	assert.Equal(t, false, myVote["canSwitch"])
	assert.Equal(t, float64(0), myVote["switchesRemaining"])
}

func TestHTTPCommentGuards(t *testing.T) {
	svc := newTestService(t, newFakeStore())
	server := NewHTTPServer(svc, "*", nil, nil)
	item, sessions := seedDebate(t, svc, "alice")
	alice := sessions["alice"]
	path := "/api/debates/" + item.ID + "/comments"

	rr, _ := doJSON(t, server, alice, http.MethodPost, path, `{"side":"A","body":"hi"}`)
	assertErrorCode(t, rr, http.StatusUnprocessableEntity, "NO_VOTE_CAST")

	rr, _ = doJSON(t, server, alice, http.MethodPost, "/api/debates/"+item.ID+"/vote", `{"side":"A"}`)
	require.Equal(t, http.StatusOK, rr.Code)

	rr, _ = doJSON(t, server, alice, http.MethodPost, path, `{"side":"B","body":"hi"}`)
	assertErrorCode(t, rr, http.StatusUnprocessableEntity, "SIDE_MISMATCH")

	rr, payload := doJSON(t, server, alice, http.MethodPost, path, `{"side":"A","body":"  tabs win  "}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	comment := payload["comment"].(map[string]any)
	assert.Equal(t, "tabs win", comment["body"])

	rr, _ = doJSON(t, server, alice, http.MethodPost, path, `{"side":"A","body":"again"}`)
	assertErrorCode(t, rr, http.StatusConflict, "DUPLICATE_COMMENT")

	rr, payload = doJSON(t, server, alice, http.MethodGet, path+"?side=A", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, payload["comments"], 1)

	rr, payload = doJSON(t, server, alice, http.MethodGet, path+"?side=B", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, payload["comments"], 0)
}

func TestHTTPPersuasionIsSoftNoopOnRepeat(t *testing.T) {
	svc := newTestService(t, newFakeStore())
	server := NewHTTPServer(svc, "*", nil, nil)
	item, sessions := seedDebate(t, svc, "alice", "bob")
	ctx := context.Background()

	_, err := svc.CastVote(ctx, sessions["bob"], item.ID, "B")
	require.NoError(t, err)
	comment, err := svc.PostComment(ctx, sessions["bob"], item.ID, "B", "Bread is bread.")
	require.NoError(t, err)

	path := "/api/debates/" + item.ID + "/comments/" + comment.ID + "/persuade"
	rr, payload := doJSON(t, server, sessions["alice"], http.MethodPost, path, "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, false, payload["alreadyCredited"])
	assert.Equal(t, float64(1), payload["persuasionCount"])

	rr, payload = doJSON(t, server, sessions["alice"], http.MethodPost, path, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, payload["alreadyCredited"])
	assert.Equal(t, float64(1), payload["persuasionCount"])
}

func TestHTTPPersuasionRequiredCarriesCandidates(t *testing.T) {
	cfg := testConfig()
	cfg.PersuasionThreshold = 0
	svc := newTestServiceWithConfig(t, newFakeStore(), cfg)
	server := NewHTTPServer(svc, "*", nil, nil)
	item, sessions := seedDebate(t, svc, "alice", "bob")
	ctx := context.Background()

	_, err := svc.CastVote(ctx, sessions["bob"], item.ID, "B")
	require.NoError(t, err)
	comment, err := svc.PostComment(ctx, sessions["bob"], item.ID, "B", "Consider the bun.")
	require.NoError(t, err)
	_, err = svc.CastVote(ctx, sessions["alice"], item.ID, "A")
	require.NoError(t, err)

	rr, payload := doJSON(t, server, sessions["alice"], http.MethodPost, "/api/debates/"+item.ID+"/vote", `{"side":"B"}`)
	assertErrorCode(t, rr, http.StatusConflict, "PERSUASION_REQUIRED")
	details := payload["details"].(map[string]any)
	candidates := details["candidates"].([]any)
	require.Len(t, candidates, 1)
	assert.Equal(t, comment.ID, candidates[0].(map[string]any)["id"])

	rr, payload = doJSON(t, server, sessions["alice"], http.MethodPost, "/api/debates/"+item.ID+"/switch",
		`{"side":"B","justifyingCommentId":"`+comment.ID+`"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "B", payload["side"])
	assert.Equal(t, float64(2), payload["votesB"])
}

func TestHTTPPersuadeOwnCommentAndClosedDebate(t *testing.T) {
	svc := newTestService(t, newFakeStore())
	server := NewHTTPServer(svc, "*", nil, nil)
	item, sessions := seedDebate(t, svc, "alice", "bob")
	ctx := context.Background()

	_, err := svc.CastVote(ctx, sessions["bob"], item.ID, "B")
	require.NoError(t, err)
	comment, err := svc.PostComment(ctx, sessions["bob"], item.ID, "B", "Mustard is a condiment.")
	require.NoError(t, err)
	persuade := "/api/debates/" + item.ID + "/comments/" + comment.ID + "/persuade"

	rr, _ := doJSON(t, server, sessions["bob"], http.MethodPost, persuade, "")
	assertErrorCode(t, rr, http.StatusUnprocessableEntity, "OWN_COMMENT")

	rr, _ = doJSON(t, server, sessions["bob"], http.MethodPost, "/api/debates/"+item.ID+"/switch",
		`{"side":"B","justifyingCommentId":"`+comment.ID+`"}`)
	assertErrorCode(t, rr, http.StatusUnprocessableEntity, "OWN_COMMENT")

	_, err = svc.DeactivateDebate(ctx, sessions["owner"], item.ID)
	require.NoError(t, err)
	rr, _ = doJSON(t, server, sessions["alice"], http.MethodPost, persuade, "")
	assertErrorCode(t, rr, http.StatusNotFound, "NOT_FOUND")
}

func TestHTTPRoleChecks(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(t, fs)
	server := NewHTTPServer(svc, "*", nil, nil)
	item, sessions := seedDebate(t, svc, "viewer")
	fs.SetUserRole(sessions["viewer"].UserID, "viewer")

	rr, _ := doJSON(t, server, sessions["viewer"], http.MethodPost, "/api/debates/"+item.ID+"/vote", `{"side":"A"}`)
	assertErrorCode(t, rr, http.StatusForbidden, "FORBIDDEN")

	rr, _ = doJSON(t, server, sessions["viewer"], http.MethodPost, "/api/debates", `{"title":"New"}`)
	assertErrorCode(t, rr, http.StatusForbidden, "FORBIDDEN")

	rr, _ = doJSON(t, server, sessions["viewer"], http.MethodGet, "/api/debates/"+item.ID, "")
	assert.Equal(t, http.StatusOK, rr.Code)

	rr, _ = doJSON(t, server, sessions["owner"], http.MethodPost, "/api/debates/"+item.ID+"/feature", "")
	assertErrorCode(t, rr, http.StatusForbidden, "FORBIDDEN")

	rr, payload := doJSON(t, server, sessions["owner"], http.MethodPost, "/api/debates/"+item.ID+"/deactivate", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, false, payload["debate"].(map[string]any)["isActive"])
}

func TestHTTPCreateAndListDebates(t *testing.T) {
	svc := newTestService(t, newFakeStore())
	server := NewHTTPServer(svc, "*", nil, nil)
	session, err := svc.Login(context.Background(), "Avery")
	require.NoError(t, err)

	rr, payload := doJSON(t, server, session, http.MethodPost, "/api/debates",
		`{"title":"Pineapple on pizza?","sideALabel":"Delicious","sideBLabel":"Crime"}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	created := payload["debate"].(map[string]any)
	assert.Equal(t, "Delicious", created["sideALabel"])

	rr, _ = doJSON(t, server, session, http.MethodPost, "/api/debates", `{"title":""}`)
	assertErrorCode(t, rr, http.StatusUnprocessableEntity, "VALIDATION_ERROR")

	rr, payload = doJSON(t, server, session, http.MethodGet, "/api/debates", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, payload["debates"], 1)

	rr, payload = doJSON(t, server, session, http.MethodGet, "/api/debates?featured=1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, payload["debates"], 0)

	rr, _ = doJSON(t, server, session, http.MethodGet, "/api/debates?limit=abc", "")
	assertErrorCode(t, rr, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
}

func TestHTTPEventStream(t *testing.T) {
	fs := newFakeStore()
	bus := realtime.NewLocalBus()
	hub := realtime.NewHub(zaptest.NewLogger(t))
	require.NoError(t, bus.StartForwarder(context.Background(), hub.Broadcast))
	svc := New(testConfig(), fs, Options{Bus: bus, Logger: zaptest.NewLogger(t)})
	item, sessions := seedDebate(t, svc, "alice")

	ts := httptest.NewServer(NewHTTPServer(svc, "*", hub, nil).Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		ts.URL+"/api/debates/"+item.ID+"/events?access_token="+sessions["alice"].Token, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	name, data := readSSE(t, reader)
	assert.Equal(t, "debate.snapshot", name)
	assert.Contains(t, data, `"votesA":0`)

	_, err = svc.CastVote(context.Background(), sessions["alice"], item.ID, "A")
	require.NoError(t, err)

	name, data = readSSE(t, reader)
	assert.Equal(t, "debate.counts", name)
	var evt realtime.Event
	require.NoError(t, json.Unmarshal([]byte(data), &evt))
	assert.Equal(t, item.ID, evt.DebateID)
	assert.Equal(t, 1, evt.VotesA)
}

func TestHTTPEventStreamRequiresToken(t *testing.T) {
	svc := newTestService(t, newFakeStore())
	server := NewHTTPServer(svc, "*", realtime.NewHub(nil), nil)

	rr, _ := doJSON(t, server, Session{}, http.MethodGet, "/api/debates/deb_1/events", "")
	assertUnauthorizedCode(t, rr)
}

func readSSE(t *testing.T, reader *bufio.Reader) (name, data string) {
	t.Helper()
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "" && name != "":
			return name, data
		}
	}
}
