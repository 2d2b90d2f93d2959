// Package client is the Go SDK for the KonfiChat API. It mirrors the app's
// chat screens: RoomDirectory for the room list, MessageStore for one room's
// history, PollEngine for polls and UnreadTracker for badge counts.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"time"

	"github.com/pkg/errors"

	"github.com/konfihub/konfichat/core/chat"
)

// Client is a KonfiChat API client. The zero value is not usable; use NewClient.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL:    baseURL,
		Token:      token,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
	// Fields carries per-field validation errors when the server returned any.
	Fields map[string]string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("api error %d: %v", e.StatusCode, e.Fields)
}

func newAPIError(code int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: code}

	var wrapped struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Error != "" {
		apiErr.Message = wrapped.Error
		return apiErr
	}
	var fields map[string]string
	if err := json.Unmarshal(body, &fields); err == nil && len(fields) > 0 {
		apiErr.Fields = fields
		return apiErr
	}
	apiErr.Message = string(body)
	return apiErr
}

// doRequest performs an authenticated request and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, path string, body io.Reader, contentType string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, errors.Wrap(err, "building request")
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "sending request")
	}
	defer resp.Body.Close()

	respBody, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "reading response")
	}
	if resp.StatusCode >= 400 {
		return nil, newAPIError(resp.StatusCode, respBody)
	}
	return respBody, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	body, err := c.doRequest(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return err
	}
	return errors.Wrap(json.Unmarshal(body, out), "decoding response")
}

func (c *Client) postJSON(ctx context.Context, path string, data, out interface{}) error {
	body, err := json.Marshal(data)
	if err != nil {
		return errors.Wrap(err, "encoding request")
	}
	respBody, err := c.doRequest(ctx, http.MethodPost, path, bytes.NewReader(body), "application/json")
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return errors.Wrap(json.Unmarshal(respBody, out), "decoding response")
}

// Upload carries an attachment selected by the user.
type Upload struct {
	FileName    string
	ContentType string
	Content     io.Reader
}

// sendMessage posts a message; upload is optional.
func (c *Client) sendMessage(ctx context.Context, roomID, content string, upload *Upload) (chat.Message, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if content != "" {
		if err := w.WriteField("content", content); err != nil {
			return chat.Message{}, errors.Wrap(err, "writing content field")
		}
	}
	if upload != nil {
		hdr := make(textproto.MIMEHeader)
		hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, upload.FileName))
		hdr.Set("Content-Type", upload.ContentType)
		part, err := w.CreatePart(hdr)
		if err != nil {
			return chat.Message{}, errors.Wrap(err, "creating file part")
		}
		if _, err = io.Copy(part, upload.Content); err != nil {
			return chat.Message{}, errors.Wrap(err, "copying upload")
		}
	}
	if err := w.Close(); err != nil {
		return chat.Message{}, errors.Wrap(err, "closing multipart body")
	}

	respBody, err := c.doRequest(ctx, http.MethodPost,
		fmt.Sprintf("/chat/rooms/%s/messages", roomID), &body, w.FormDataContentType())
	if err != nil {
		return chat.Message{}, err
	}
	var msg chat.Message
	return msg, errors.Wrap(json.Unmarshal(respBody, &msg), "decoding message")
}

func (c *Client) deleteMessage(ctx context.Context, messageID string) error {
	_, err := c.doRequest(ctx, http.MethodDelete, "/chat/messages/"+messageID, nil, "")
	return err
}

// FileURL resolves a stored attachment path into a fetchable URL. The token
// travels as a query parameter so the link works outside the app's session.
func (c *Client) FileURL(filePath string) string {
	return chat.ResolveURL(c.BaseURL, filePath, c.Token)
}

// EventsURL is the websocket endpoint delivering room events.
func (c *Client) EventsURL() string {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/chat/events"
	u.RawQuery = "token=" + url.QueryEscape(c.Token)
	return u.String()
}
