package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"roomchat/internal/models"
)

// APIError is a failure envelope returned by the chat API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chat api: %d %s", e.Status, e.Message)
}

// APIClient talks to the chat REST API with a bearer token.
type APIClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewAPIClient(baseURL, token string) *APIClient {
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http: &http.Client{
			Timeout:   15 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (a *APIClient) UserByEmail(ctx context.Context, email string) (models.User, error) {
	var resp struct {
		Data models.User `json:"data"`
	}
	err := a.do(ctx, http.MethodGet, "/user/by-email?email="+url.QueryEscape(email), nil, &resp)
	return resp.Data, err
}

func (a *APIClient) Room(ctx context.Context, roomID string) (models.RoomDetails, error) {
	var resp struct {
		Data models.RoomDetails `json:"data"`
	}
	err := a.do(ctx, http.MethodGet, "/room/"+url.PathEscape(roomID), nil, &resp)
	return resp.Data, err
}

func (a *APIClient) StartChat(ctx context.Context, userID, otherUserID, roomID string) (models.ChatView, error) {
	body := map[string]string{"userId": userID, "otherUserId": otherUserID, "roomId": roomID}
	var resp struct {
		Chat models.ChatView `json:"chat"`
	}
	err := a.do(ctx, http.MethodPost, "/chat/start", body, &resp)
	return resp.Chat, err
}

func (a *APIClient) Messages(ctx context.Context, chatID string) ([]models.MessageView, error) {
	var resp struct {
		Messages []models.MessageView `json:"messages"`
	}
	err := a.do(ctx, http.MethodGet, "/chat/messages/"+url.PathEscape(chatID), nil, &resp)
	return resp.Messages, err
}

func (a *APIClient) Send(ctx context.Context, chatID, senderID, text string) (models.MessageView, error) {
	body := map[string]string{"chatId": chatID, "senderId": senderID, "text": text}
	var resp struct {
		Message models.MessageView `json:"message"`
	}
	err := a.do(ctx, http.MethodPost, "/chat/send", body, &resp)
	return resp.Message, err
}

// DevToken asks a debug server to mint a token for email.
func (a *APIClient) DevToken(ctx context.Context, email string) (string, error) {
	var resp struct {
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	err := a.do(ctx, http.MethodPost, "/auth/dev-token", map[string]string{"email": email}, &resp)
	return resp.Data.Token, err
}

func (a *APIClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var payload *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(raw)
	} else {
		payload = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, payload)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	res, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	var envelope struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	raw := new(bytes.Buffer)
	if _, err := raw.ReadFrom(res.Body); err != nil {
		return err
	}
	if err := json.Unmarshal(raw.Bytes(), &envelope); err != nil {
		return &APIError{Status: res.StatusCode, Message: http.StatusText(res.StatusCode)}
	}
	if res.StatusCode >= http.StatusBadRequest || !envelope.Success {
		return &APIError{Status: res.StatusCode, Message: envelope.Message}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw.Bytes(), out)
}
