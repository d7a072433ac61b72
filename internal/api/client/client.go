package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/sigeti/reports/internal/models"
)

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// ScheduleList is one page of GET /api/v1/reports.
type ScheduleList struct {
	Count    int64                 `json:"count"`
	Page     int                   `json:"page"`
	PageSize int                   `json:"page_size"`
	Results  []models.ScheduleView `json:"results"`
}

// Preview is the answer of GET /api/v1/reports/:id/next.
type Preview struct {
	ID             uint        `json:"id"`
	RecurrenceType string      `json:"recurrence_type"`
	Next           []time.Time `json:"next"`
}

// NewClient reads SIGETI_API_URL and SIGETI_API_TOKEN.
func NewClient() (*Client, error) {
	baseURL := os.Getenv("SIGETI_API_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	token := os.Getenv("SIGETI_API_TOKEN")
	if token == "" {
		return nil, fmt.Errorf("SIGETI_API_TOKEN environment variable is not set, run the login command first")
	}

	return New(baseURL, token), nil
}

// New builds a client for baseURL. token may be empty for Login.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Login exchanges credentials for a bearer token.
func (c *Client) Login(username, password string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	data := map[string]string{"username": username, "password": password}
	if err := c.post("/api/v1/auth/login", data, &resp); err != nil {
		return "", err
	}
	return resp.Token, nil
}

func (c *Client) ListSchedules(page, pageSize int) (*ScheduleList, error) {
	query := url.Values{}
	if page > 0 {
		query.Set("page", strconv.Itoa(page))
	}
	if pageSize > 0 {
		query.Set("page_size", strconv.Itoa(pageSize))
	}

	var list ScheduleList
	if err := c.get("/api/v1/reports", query, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

func (c *Client) GetSchedule(id uint) (*models.ScheduleView, error) {
	var v models.ScheduleView
	if err := c.get(fmt.Sprintf("/api/v1/reports/%d", id), nil, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (c *Client) NextFirings(id uint, count int) (*Preview, error) {
	query := url.Values{}
	query.Set("count", strconv.Itoa(count))

	var p Preview
	if err := c.get(fmt.Sprintf("/api/v1/reports/%d/next", id), query, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) DeleteSchedule(id uint) error {
	resp, err := c.doRequest(http.MethodDelete, fmt.Sprintf("/api/v1/reports/%d", id), nil, nil)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// TestSMTP asks the server to send a probe through its active SMTP
// configuration.
func (c *Client) TestSMTP(to string) error {
	return c.post("/api/v1/smtp-config/test", map[string]string{"to": to}, nil)
}

func (c *Client) get(endpoint string, query url.Values, v interface{}) error {
	resp, err := c.doRequest(http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return json.NewDecoder(resp.Body).Decode(v)
}

func (c *Client) post(endpoint string, data, v interface{}) error {
	var body io.Reader
	if data != nil {
		jsonData, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		body = bytes.NewReader(jsonData)
	}

	resp, err := c.doRequest(http.MethodPost, endpoint, nil, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if v != nil {
		return json.NewDecoder(resp.Body).Decode(v)
	}
	return nil
}

func (c *Client) doRequest(method, endpoint string, query url.Values, body io.Reader) (*http.Response, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	u.Path = path.Join(u.Path, endpoint)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequest(method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		var errResp struct {
			Error  string            `json:"error"`
			Fields map[string]string `json:"fields"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil && errResp.Error != "" {
			if len(errResp.Fields) > 0 {
				return nil, fmt.Errorf("API error: %s %v", errResp.Error, errResp.Fields)
			}
			return nil, fmt.Errorf("API error: %s", errResp.Error)
		}
		return nil, fmt.Errorf("request failed with status %d", resp.StatusCode)
	}

	return resp, nil
}
