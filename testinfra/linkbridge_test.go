// Package testinfra runs end-to-end tests against a real Mattermost server,
// a Matrix homeserver and a running linkbridge.
//
// The whole user journey is covered: enrolling both tokens over a DM with the
// bot, choosing a relay target, Mattermost -> Matrix relay, Matrix ->
// Mattermost relay, and the admin API snapshot.
//
// Required environment:
//
//	MM_URL, MM_USER_TOKEN, MM_BOT_USERNAME
//	MATRIX_URL, MATRIX_USER_TOKEN, MATRIX_PEER_TOKEN, MATRIX_ROOM_ID
//	LINKBRIDGE_ADMIN_URL (optional, defaults to http://localhost:29321)
package testinfra

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"
)

const pollTimeout = 30 * time.Second

var (
	mmURL         string
	mmUserToken   string
	mmBotUsername string
	mmUserID      string
	mmBotUserID   string
	mmDMChannelID string

	matrixURL       string
	matrixUserToken string
	matrixPeerToken string
	matrixRoomID    string

	adminURL string
)

func TestMain(m *testing.M) {
	mmURL = os.Getenv("MM_URL")
	mmUserToken = os.Getenv("MM_USER_TOKEN")
	mmBotUsername = os.Getenv("MM_BOT_USERNAME")
	matrixURL = os.Getenv("MATRIX_URL")
	matrixUserToken = os.Getenv("MATRIX_USER_TOKEN")
	matrixPeerToken = os.Getenv("MATRIX_PEER_TOKEN")
	matrixRoomID = os.Getenv("MATRIX_ROOM_ID")
	adminURL = envOr("LINKBRIDGE_ADMIN_URL", "http://localhost:29321")

	for _, v := range []string{mmURL, mmUserToken, mmBotUsername, matrixURL, matrixUserToken, matrixPeerToken, matrixRoomID} {
		if v == "" {
			fmt.Println("SKIP: MM_URL, MM_USER_TOKEN, MM_BOT_USERNAME, MATRIX_URL, MATRIX_USER_TOKEN, MATRIX_PEER_TOKEN and MATRIX_ROOM_ID are required")
			os.Exit(0)
		}
	}

	mmUserID = mustLookup(mmURL+"/api/v4/users/me", mmUserToken, "id")
	mmBotUserID = mustLookup(mmURL+"/api/v4/users/username/"+mmBotUsername, mmUserToken, "id")
	mmDMChannelID = mustOpenDM()

	os.Exit(m.Run())
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// ────────────────────────────────────────────────────────────────────
// HTTP helpers
// ────────────────────────────────────────────────────────────────────

func doJSONRaw(method, url string, body any, token string) (int, map[string]any, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		bodyReader = bytes.NewReader(data)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	var result map[string]any
	json.NewDecoder(resp.Body).Decode(&result) //nolint:errcheck
	return resp.StatusCode, result, nil
}

func doJSON(t testing.TB, method, url string, body any, token string) (int, map[string]any) {
	t.Helper()
	code, resp, err := doJSONRaw(method, url, body, token)
	if err != nil {
		t.Fatalf("HTTP %s %s: %v", method, url, err)
	}
	return code, resp
}

func mustLookup(url, token, field string) string {
	code, resp, err := doJSONRaw("GET", url, nil, token)
	if err != nil || code != 200 {
		fmt.Printf("FAIL: GET %s: %d %v %v\n", url, code, resp, err)
		os.Exit(1)
	}
	value, _ := resp[field].(string)
	if value == "" {
		fmt.Printf("FAIL: GET %s: no %s in %v\n", url, field, resp)
		os.Exit(1)
	}
	return value
}

func mustOpenDM() string {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	data, _ := json.Marshal([]string{mmUserID, mmBotUserID})
	req, err := http.NewRequestWithContext(ctx, "POST", mmURL+"/api/v4/channels/direct", bytes.NewReader(data))
	if err != nil {
		fmt.Printf("FAIL: open DM: %v\n", err)
		os.Exit(1)
	}
	req.Header.Set("Authorization", "Bearer "+mmUserToken)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Printf("FAIL: open DM: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	var ch map[string]any
	json.NewDecoder(resp.Body).Decode(&ch) //nolint:errcheck
	id, _ := ch["id"].(string)
	if id == "" {
		fmt.Printf("FAIL: open DM: %d %v\n", resp.StatusCode, ch)
		os.Exit(1)
	}
	return id
}

// ────────────────────────────────────────────────────────────────────
// Mattermost helpers
// ────────────────────────────────────────────────────────────────────

func postToDM(t *testing.T, message string) string {
	t.Helper()
	body := map[string]string{"channel_id": mmDMChannelID, "message": message}
	code, resp := doJSON(t, "POST", mmURL+"/api/v4/posts", body, mmUserToken)
	if code != 201 {
		t.Fatalf("MM post: %d %v", code, resp)
	}
	return resp["id"].(string)
}

func getDMPosts(t *testing.T) []map[string]any {
	t.Helper()
	code, resp := doJSON(t, "GET",
		fmt.Sprintf("%s/api/v4/channels/%s/posts", mmURL, mmDMChannelID),
		nil, mmUserToken)
	if code != 200 {
		t.Fatalf("get MM posts: %d %v", code, resp)
	}
	order, _ := resp["order"].([]any)
	postsMap, _ := resp["posts"].(map[string]any)
	var posts []map[string]any
	for _, id := range order {
		idStr, _ := id.(string)
		if p, ok := postsMap[idStr].(map[string]any); ok {
			posts = append(posts, p)
		}
	}
	return posts
}

// pollBotReply waits for a post by the bot, newer than since, containing
// want.
func pollBotReply(t *testing.T, since time.Time, want string) string {
	t.Helper()
	deadline := time.Now().Add(pollTimeout)
	for time.Now().Before(deadline) {
		for _, p := range getDMPosts(t) {
			userID, _ := p["user_id"].(string)
			msg, _ := p["message"].(string)
			createAt, _ := p["create_at"].(float64)
			if userID == mmBotUserID && int64(createAt) >= since.UnixMilli() && strings.Contains(msg, want) {
				return msg
			}
		}
		time.Sleep(time.Second)
	}
	t.Fatalf("bot never replied with %q within %v", want, pollTimeout)
	return ""
}

// ────────────────────────────────────────────────────────────────────
// Matrix helpers
// ────────────────────────────────────────────────────────────────────

func sendMatrixMsg(t *testing.T, token, message string) string {
	t.Helper()
	txnID := fmt.Sprintf("test-%d", time.Now().UnixNano())
	body := map[string]string{"msgtype": "m.text", "body": message}
	code, resp := doJSON(t, "PUT",
		fmt.Sprintf("%s/_matrix/client/v3/rooms/%s/send/m.room.message/%s",
			matrixURL, url.PathEscape(matrixRoomID), txnID),
		body, token)
	if code != 200 {
		t.Fatalf("send to %s: %d %v", matrixRoomID, code, resp)
	}
	return resp["event_id"].(string)
}

func pollMatrixForMessage(t *testing.T, match func(body string) bool) {
	t.Helper()
	deadline := time.Now().Add(pollTimeout)
	for time.Now().Before(deadline) {
		code, resp := doJSON(t, "GET",
			fmt.Sprintf("%s/_matrix/client/v3/rooms/%s/messages?dir=b&limit=30",
				matrixURL, url.PathEscape(matrixRoomID)),
			nil, matrixPeerToken)
		if code != 200 {
			t.Fatalf("messages %s: %d %v", matrixRoomID, code, resp)
		}
		chunk, _ := resp["chunk"].([]any)
		for _, c := range chunk {
			m, _ := c.(map[string]any)
			content, _ := m["content"].(map[string]any)
			body, _ := content["body"].(string)
			if match(body) {
				return
			}
		}
		time.Sleep(time.Second)
	}
	t.Fatalf("message not found in Matrix room %s within %v", matrixRoomID, pollTimeout)
}

// ════════════════════════════════════════════════════════════════════
// TESTS: Health checks
// ════════════════════════════════════════════════════════════════════

func TestMattermostHealthy(t *testing.T) {
	code, _ := doJSON(t, "GET", mmURL+"/api/v4/system/ping", nil, "")
	if code != 200 {
		t.Fatalf("Mattermost /ping: %d", code)
	}
}

func TestHomeserverHealthy(t *testing.T) {
	code, _ := doJSON(t, "GET", matrixURL+"/_matrix/client/versions", nil, "")
	if code != 200 {
		t.Fatalf("Matrix /versions: %d", code)
	}
}

func TestAdminAPIMethodNotAllowed(t *testing.T) {
	code, _, err := doJSONRaw("POST", adminURL+"/api/links", map[string]string{}, "")
	if err != nil {
		t.Skipf("admin API unreachable: %v", err)
	}
	if code != http.StatusMethodNotAllowed {
		t.Errorf("POST /api/links: got %d, want %d", code, http.StatusMethodNotAllowed)
	}
}

// ════════════════════════════════════════════════════════════════════
// TESTS: Enrollment
// ════════════════════════════════════════════════════════════════════

func TestMalformedEnrollmentIsExplained(t *testing.T) {
	since := time.Now()
	postToDM(t, "'mattermost abc'")
	pollBotReply(t, since, "Don't actually enter the ' you dummy")

	since = time.Now()
	postToDM(t, "matrix <abc>")
	pollBotReply(t, since, "Don't actually enter the < you dummy")
}

func TestRejectedMattermostToken(t *testing.T) {
	since := time.Now()
	postToDM(t, "mattermost not-a-real-token")
	pollBotReply(t, since, "Something went wrong with your mattermost token")
}

// TestFullLinkFlow walks one user from enrollment to two-way relay.
func TestFullLinkFlow(t *testing.T) {
	// Step 1: link the Mattermost account.
	since := time.Now()
	postToDM(t, "mattermost "+mmUserToken)
	pollBotReply(t, since, "Mattermost token accepted!")

	// Step 2: link the Matrix account.
	since = time.Now()
	postToDM(t, "matrix "+matrixUserToken)
	pollBotReply(t, since, "Matrix connected! Now go ahead and chat.")

	// Step 3: pick the relay target.
	since = time.Now()
	postToDM(t, "@"+mmBotUsername+" room "+matrixRoomID)
	pollBotReply(t, since, "Your messages will now go to "+matrixRoomID)

	// Step 4: Mattermost -> Matrix.
	marker := fmt.Sprintf("linkbridge-out-%d", time.Now().UnixNano())
	postToDM(t, "hello from mattermost "+marker)
	pollMatrixForMessage(t, func(body string) bool {
		return strings.Contains(body, marker)
	})

	// Step 5: Matrix -> Mattermost.
	marker = fmt.Sprintf("linkbridge-in-%d", time.Now().UnixNano())
	since = time.Now()
	sendMatrixMsg(t, matrixPeerToken, "hello from matrix "+marker)
	reply := pollBotReply(t, since, marker)
	if !strings.HasPrefix(reply, "**") {
		t.Errorf("relayed line should start with the bold sender name: %q", reply)
	}

	// Step 6: status and admin snapshot.
	since = time.Now()
	postToDM(t, "@"+mmBotUsername+" status")
	pollBotReply(t, since, "Relay target: "+matrixRoomID)

	code, resp, err := doJSONRaw("GET", adminURL+"/api/links", nil, "")
	if err != nil {
		t.Skipf("admin API unreachable: %v", err)
	}
	if code != 200 {
		t.Fatalf("GET /api/links: %d %v", code, resp)
	}
	links, _ := resp["links"].([]any)
	for _, raw := range links {
		link, _ := raw.(map[string]any)
		if link["mattermost_user_id"] == mmUserID {
			if link["enrolled"] != true {
				t.Errorf("link should be enrolled: %v", link)
			}
			if link["relay_target"] != matrixRoomID {
				t.Errorf("relay_target: got %v, want %s", link["relay_target"], matrixRoomID)
			}
			return
		}
	}
	t.Errorf("link for %s missing from admin snapshot", mmUserID)
}
