// Package dingtalk is a client for the subset of the DingTalk open API
// used to turn a login authorization code into an employee job number.
package dingtalk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/bitnp/clinic-proxy/pkg/runutil"
)

// DefaultURL is the public DingTalk open API endpoint.
const DefaultURL = "https://oapi.dingtalk.com"

// Endpoint paths, relative to the API base URL.
const (
	TokenPath      = "/gettoken"
	UserInfoPath   = "/topapi/v2/user/getuserinfo"
	UserDetailPath = "/topapi/v2/user/get"
)

const responseLimit = 32 * 1024

// Error codes DingTalk returns for an unusable access token.
const (
	CodeInvalidToken = 40014
	CodeExpiredToken = 42001
)

// Error is a non-zero errcode returned by DingTalk.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("dingtalk error %d: %s", e.Code, e.Message)
}

// InvalidToken reports whether the access token used for the call
// must be discarded.
func (e *Error) InvalidToken() bool {
	return e.Code == CodeInvalidToken || e.Code == CodeExpiredToken
}

// IsInvalidToken reports whether err was caused by an unusable access token.
func IsInvalidToken(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.InvalidToken()
}

type envelope struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

type tokenResponse struct {
	envelope
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

type userInfoRequest struct {
	Code string `json:"code"`
}

type userInfoResponse struct {
	envelope
	Result struct {
		UserID string `json:"userid"`
	} `json:"result"`
}

type userDetailRequest struct {
	UserID string `json:"userid"`
}

type userDetailResponse struct {
	envelope
	Result struct {
		JobNumber string `json:"job_number"`
	} `json:"result"`
}

// Client calls the DingTalk open API on behalf of one application.
type Client struct {
	base      *url.URL
	appKey    string
	appSecret string

	client *http.Client
	logger log.Logger
}

// New creates a Client. The http.Client is expected to carry a timeout.
func New(logger log.Logger, client *http.Client, base *url.URL, appKey, appSecret string) *Client {
	if client == nil {
		client = http.DefaultClient
	}
	return &Client{
		base:      base,
		appKey:    appKey,
		appSecret: appSecret,
		client:    client,
		logger:    log.With(logger, "component", "dingtalk"),
	}
}

// AccessToken requests a new application access token.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	q := url.Values{}
	q.Set("appkey", c.appKey)
	q.Set("appsecret", c.appSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(TokenPath, q), nil)
	if err != nil {
		return "", errors.Wrap(err, "unable to create access token request")
	}

	var resp tokenResponse
	if err := c.do(req, &resp); err != nil {
		return "", errors.Wrap(err, "failed to get access_token")
	}
	if resp.AccessToken == "" {
		return "", errors.New("failed to get access_token: server responded with an empty token")
	}
	return resp.AccessToken, nil
}

// UserID exchanges a login authorization code for the DingTalk user id.
func (c *Client) UserID(ctx context.Context, accessToken, code string) (string, error) {
	var resp userInfoResponse
	if err := c.post(ctx, UserInfoPath, accessToken, userInfoRequest{Code: code}, &resp); err != nil {
		return "", errors.Wrap(err, "failed to get user info")
	}
	if resp.Result.UserID == "" {
		return "", errors.New("failed to get user info: server responded with an empty user id")
	}
	return resp.Result.UserID, nil
}

// JobNumber returns the job number of a DingTalk user.
func (c *Client) JobNumber(ctx context.Context, accessToken, userID string) (string, error) {
	var resp userDetailResponse
	if err := c.post(ctx, UserDetailPath, accessToken, userDetailRequest{UserID: userID}, &resp); err != nil {
		return "", errors.Wrap(err, "failed to get user details")
	}
	if resp.Result.JobNumber == "" {
		return "", errors.New("failed to get user details: server responded with an empty job number")
	}
	return resp.Result.JobNumber, nil
}

func (c *Client) endpoint(path string, q url.Values) string {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) post(ctx context.Context, path, accessToken string, body, into interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	q := url.Values{}
	q.Set("access_token", accessToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path, q), bytes.NewReader(data))
	if err != nil {
		return errors.Wrap(err, "unable to create request")
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, into)
}

// response is implemented by every DingTalk response body.
type response interface {
	status() envelope
}

func (e envelope) status() envelope { return e }

func (c *Client) do(req *http.Request, into interface{}) error {
	req.Header.Set("Accept", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "unable to perform request")
	}
	defer runutil.ExhaustCloseWithLogOnErr(c.logger, res.Body, "dingtalk response body")

	body, err := io.ReadAll(io.LimitReader(res.Body, responseLimit))
	if err != nil {
		return errors.Wrap(err, "unable to read the response")
	}

	if res.StatusCode/100 != 2 {
		level.Debug(c.logger).Log("msg", "upstream rejected request", "path", req.URL.Path, "status", res.StatusCode)
		return errors.Errorf("upstream rejected request with code %d", res.StatusCode)
	}

	if err := json.Unmarshal(body, into); err != nil {
		return errors.Wrap(err, "unable to parse the response")
	}

	if r, ok := into.(response); ok {
		if s := r.status(); s.ErrCode != 0 {
			return &Error{Code: s.ErrCode, Message: s.ErrMsg}
		}
	}
	return nil
}
