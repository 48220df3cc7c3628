package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
)

// Client talks to a homeserver on behalf of one account. Connection
// errors and 5xx responses are retried by the transport; rate limits
// and every other error are returned to the caller as *Error.
type Client struct {
	baseURL     string
	accessToken string
	userID      string
	httpClient  *http.Client
}

type leveledSlog struct {
	inner *slog.Logger
}

// Intermediate failures are retried, so they are logged as warnings.
func (l leveledSlog) Error(msg string, keysAndValues ...any) { l.inner.Warn(msg, keysAndValues...) }
func (l leveledSlog) Warn(msg string, keysAndValues ...any)  { l.inner.Warn(msg, keysAndValues...) }
func (l leveledSlog) Info(msg string, keysAndValues ...any)  { l.inner.Debug(msg, keysAndValues...) }
func (l leveledSlog) Debug(msg string, keysAndValues ...any) { l.inner.Debug(msg, keysAndValues...) }

type ClientOptions struct {
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	Timeout      time.Duration
	Logger       *slog.Logger
}

// rateLimitAwarePolicy leaves 429 handling to the action executor.
func rateLimitAwarePolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if err == nil && resp.StatusCode == http.StatusTooManyRequests {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

func NewClient(baseURL, userID, accessToken string, opts ClientOptions) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = time.Second
	retryClient.RetryWaitMax = 10 * time.Second
	if opts.RetryMax > 0 {
		retryClient.RetryMax = opts.RetryMax
	}
	if opts.RetryWaitMin > 0 {
		retryClient.RetryWaitMin = opts.RetryWaitMin
	}
	if opts.RetryWaitMax > 0 {
		retryClient.RetryWaitMax = opts.RetryWaitMax
	}
	retryClient.Logger = retryablehttp.LeveledLogger(leveledSlog{inner: logger.With("subsystem", "homeserver_client")})
	retryClient.CheckRetry = rateLimitAwarePolicy
	// Return the final response instead of a generic "giving up" error.
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	httpClient := retryClient.StandardClient()
	httpClient.Timeout = 60 * time.Second
	if opts.Timeout > 0 {
		httpClient.Timeout = opts.Timeout
	}

	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		accessToken: accessToken,
		userID:      userID,
		httpClient:  httpClient,
	}
}

// UserID is the account this client acts as.
func (c *Client) UserID() string { return c.userID }

func (c *Client) doRequest(ctx context.Context, method, path string, requestBody any, query url.Values) ([]byte, error) {
	requestURL := c.baseURL + path
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if c.accessToken != "" {
		request.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("request to %s %s failed: %w", method, path, err)
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(response.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return responseBody, nil
	}

	matrixErr := &Error{StatusCode: response.StatusCode}
	if jsonErr := json.Unmarshal(responseBody, matrixErr); jsonErr != nil || matrixErr.Code == "" {
		matrixErr.Code = ErrCodeUnknown
		matrixErr.Message = strings.TrimSpace(string(responseBody))
	}
	matrixErr.RetryAfter = retryAfter(response.Header.Get("Retry-After"), matrixErr.RetryAfterMS)
	return nil, matrixErr
}

func roomPath(roomID string, rest ...string) string {
	parts := []string{"/_matrix/client/v3/rooms", url.PathEscape(roomID)}
	for _, r := range rest {
		parts = append(parts, url.PathEscape(r))
	}
	return strings.Join(parts, "/")
}

type membershipRequest struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason,omitempty"`
}

func (c *Client) Ban(ctx context.Context, roomID, userID, reason string) error {
	if _, err := c.doRequest(ctx, http.MethodPost, roomPath(roomID, "ban"), membershipRequest{userID, reason}, nil); err != nil {
		return fmt.Errorf("ban %s in %s: %w", userID, roomID, err)
	}
	return nil
}

func (c *Client) Unban(ctx context.Context, roomID, userID, reason string) error {
	if _, err := c.doRequest(ctx, http.MethodPost, roomPath(roomID, "unban"), membershipRequest{userID, reason}, nil); err != nil {
		return fmt.Errorf("unban %s in %s: %w", userID, roomID, err)
	}
	return nil
}

func (c *Client) Kick(ctx context.Context, roomID, userID, reason string) error {
	if _, err := c.doRequest(ctx, http.MethodPost, roomPath(roomID, "kick"), membershipRequest{userID, reason}, nil); err != nil {
		return fmt.Errorf("kick %s in %s: %w", userID, roomID, err)
	}
	return nil
}

type txnIDKey struct{}

// WithTxnID makes requests issued with ctx use txnID as their client
// transaction ID. Callers that retry a write pass the same ID on every
// attempt so the homeserver applies it once.
func WithTxnID(ctx context.Context, txnID string) context.Context {
	return context.WithValue(ctx, txnIDKey{}, txnID)
}

// TxnIDFrom returns the transaction ID set by WithTxnID, if any.
func TxnIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(txnIDKey{}).(string)
	return id, ok && id != ""
}

func txnIDFrom(ctx context.Context) string {
	if id, ok := TxnIDFrom(ctx); ok {
		return id
	}
	return uuid.NewString()
}

// Redact sends a redaction under the transaction ID from ctx, or a fresh
// one when ctx carries none.
func (c *Client) Redact(ctx context.Context, roomID, eventID, reason string) error {
	body := map[string]string{}
	if reason != "" {
		body["reason"] = reason
	}
	path := roomPath(roomID, "redact", eventID, txnIDFrom(ctx))
	if _, err := c.doRequest(ctx, http.MethodPut, path, body, nil); err != nil {
		return fmt.Errorf("redact %s in %s: %w", eventID, roomID, err)
	}
	return nil
}

func (c *Client) PowerLevels(ctx context.Context, roomID string) (*PowerLevels, error) {
	body, err := c.doRequest(ctx, http.MethodGet, roomPath(roomID, "state", EventTypePowerLevels, ""), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("get power levels of %s: %w", roomID, err)
	}
	levels := DefaultPowerLevels()
	if err := json.Unmarshal(body, &levels); err != nil {
		return nil, fmt.Errorf("failed to parse power levels of %s: %w", roomID, err)
	}
	return &levels, nil
}

// SetUserPowerLevel rewrites the power_levels state with one user entry
// changed. Unknown fields of the existing content are kept.
func (c *Client) SetUserPowerLevel(ctx context.Context, roomID, userID string, level int) error {
	path := roomPath(roomID, "state", EventTypePowerLevels, "")
	body, err := c.doRequest(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return fmt.Errorf("get power levels of %s: %w", roomID, err)
	}
	var content map[string]any
	if err := json.Unmarshal(body, &content); err != nil {
		return fmt.Errorf("failed to parse power levels of %s: %w", roomID, err)
	}
	users, _ := content["users"].(map[string]any)
	if users == nil {
		users = make(map[string]any)
	}
	users[userID] = level
	content["users"] = users

	if _, err := c.doRequest(ctx, http.MethodPut, path, content, nil); err != nil {
		return fmt.Errorf("set power level of %s in %s: %w", userID, roomID, err)
	}
	return nil
}

// QuarantineScope selects which media a quarantine request covers.
type QuarantineScope string

const (
	QuarantineMedia QuarantineScope = "media"
	QuarantineUser  QuarantineScope = "user"
	QuarantineRoom  QuarantineScope = "room"
)

// Quarantine uses the Synapse admin API. target is an mxc:// URI, a user
// ID or a room ID depending on scope.
func (c *Client) Quarantine(ctx context.Context, scope QuarantineScope, target string) error {
	var path string
	switch scope {
	case QuarantineMedia:
		server, mediaID, ok := strings.Cut(strings.TrimPrefix(target, "mxc://"), "/")
		if !ok || server == "" || mediaID == "" {
			return fmt.Errorf("invalid media URI %q", target)
		}
		path = "/_synapse/admin/v1/media/quarantine/" + url.PathEscape(server) + "/" + url.PathEscape(mediaID)
	case QuarantineUser:
		path = "/_synapse/admin/v1/user/" + url.PathEscape(target) + "/media/quarantine"
	case QuarantineRoom:
		path = "/_synapse/admin/v1/room/" + url.PathEscape(target) + "/media/quarantine"
	default:
		return fmt.Errorf("unknown quarantine scope %q", scope)
	}
	if _, err := c.doRequest(ctx, http.MethodPost, path, struct{}{}, nil); err != nil {
		return fmt.Errorf("quarantine %s %s: %w", scope, target, err)
	}
	return nil
}

func (c *Client) RoomState(ctx context.Context, roomID string) ([]Event, error) {
	body, err := c.doRequest(ctx, http.MethodGet, roomPath(roomID, "state"), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("get room state of %s: %w", roomID, err)
	}
	var events []Event
	if err := json.Unmarshal(body, &events); err != nil {
		return nil, fmt.Errorf("failed to parse room state of %s: %w", roomID, err)
	}
	for i := range events {
		if events[i].RoomID == "" {
			events[i].RoomID = roomID
		}
	}
	return events, nil
}

type sendEventResponse struct {
	EventID string `json:"event_id"`
}

func (c *Client) SendStateEvent(ctx context.Context, roomID, eventType, stateKey string, content any) (string, error) {
	body, err := c.doRequest(ctx, http.MethodPut, roomPath(roomID, "state", eventType, stateKey), content, nil)
	if err != nil {
		return "", fmt.Errorf("send state %s/%s to %s: %w", eventType, stateKey, roomID, err)
	}
	var response sendEventResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("failed to parse send state response: %w", err)
	}
	return response.EventID, nil
}

func (c *Client) ResolveAlias(ctx context.Context, alias string) (string, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/directory/room/"+url.PathEscape(alias), nil, nil)
	if err != nil {
		return "", fmt.Errorf("resolve alias %s: %w", alias, err)
	}
	var response struct {
		RoomID string `json:"room_id"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("failed to parse alias response: %w", err)
	}
	return response.RoomID, nil
}

// JoinRoom joins by ID or alias and returns the room ID.
func (c *Client) JoinRoom(ctx context.Context, roomIDOrAlias string, via []string) (string, error) {
	query := url.Values{}
	for _, server := range via {
		query.Add("server_name", server)
	}
	path := "/_matrix/client/v3/join/" + url.PathEscape(roomIDOrAlias)
	body, err := c.doRequest(ctx, http.MethodPost, path, struct{}{}, query)
	if err != nil {
		return "", fmt.Errorf("join %s: %w", roomIDOrAlias, err)
	}
	var response struct {
		RoomID string `json:"room_id"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("failed to parse join response: %w", err)
	}
	return response.RoomID, nil
}

type Member struct {
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
}

func (c *Client) JoinedMembers(ctx context.Context, roomID string) (map[string]Member, error) {
	body, err := c.doRequest(ctx, http.MethodGet, roomPath(roomID, "joined_members"), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("get joined members of %s: %w", roomID, err)
	}
	var response struct {
		Joined map[string]Member `json:"joined"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to parse joined members of %s: %w", roomID, err)
	}
	return response.Joined, nil
}

type RoomMessagesOptions struct {
	From      string // empty means "from now"
	Direction string // "b" (older) or "f" (newer)
	Limit     int
}

type RoomMessagesResponse struct {
	Start string  `json:"start"`
	End   string  `json:"end"`
	Chunk []Event `json:"chunk"`
}

func (c *Client) RoomMessages(ctx context.Context, roomID string, opts RoomMessagesOptions) (*RoomMessagesResponse, error) {
	query := url.Values{}
	if opts.From != "" {
		query.Set("from", opts.From)
	}
	dir := opts.Direction
	if dir == "" {
		dir = "b"
	}
	query.Set("dir", dir)
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}

	body, err := c.doRequest(ctx, http.MethodGet, roomPath(roomID, "messages"), nil, query)
	if err != nil {
		return nil, fmt.Errorf("room messages of %s: %w", roomID, err)
	}
	var response RoomMessagesResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to parse messages response: %w", err)
	}
	for i := range response.Chunk {
		if response.Chunk[i].RoomID == "" {
			response.Chunk[i].RoomID = roomID
		}
	}
	return &response, nil
}

type SyncOptions struct {
	Since   string
	Timeout time.Duration
	Filter  string
}

type SyncResponse struct {
	NextBatch string `json:"next_batch"`
	Rooms     struct {
		Join map[string]JoinedRoom `json:"join"`
	} `json:"rooms"`
}

type JoinedRoom struct {
	State struct {
		Events []Event `json:"events"`
	} `json:"state"`
	Timeline struct {
		Events    []Event `json:"events"`
		PrevBatch string  `json:"prev_batch"`
		Limited   bool    `json:"limited"`
	} `json:"timeline"`
}

func (c *Client) Sync(ctx context.Context, opts SyncOptions) (*SyncResponse, error) {
	query := url.Values{}
	if opts.Since != "" {
		query.Set("since", opts.Since)
	}
	if opts.Timeout > 0 {
		query.Set("timeout", strconv.FormatInt(opts.Timeout.Milliseconds(), 10))
	}
	if opts.Filter != "" {
		query.Set("filter", opts.Filter)
	}
	body, err := c.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/sync", nil, query)
	if err != nil {
		return nil, fmt.Errorf("sync: %w", err)
	}
	var response SyncResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to parse sync response: %w", err)
	}
	return &response, nil
}
