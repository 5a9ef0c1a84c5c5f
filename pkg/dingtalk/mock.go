package dingtalk

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Error codes returned by the mock that have no special meaning to the client.
const (
	codeInvalidApp  = 40089
	codeInvalidCode = 40078
	codeNoSuchUser  = 60121
)

type mockUser struct {
	ID        string
	JobNumber string
}

// Mock is an in-memory DingTalk open API serving the token,
// user-info and user-detail endpoints.
type Mock struct {
	mu        sync.Mutex
	appKey    string
	appSecret string
	codes     map[string]mockUser
	tokens    map[string]struct{}
	issued    int
	calls     map[string]int
	fail      map[string]int

	logger log.Logger
}

// NewMock returns a Mock accepting the given application credentials.
func NewMock(logger log.Logger, appKey, appSecret string) *Mock {
	return &Mock{
		appKey:    appKey,
		appSecret: appSecret,
		codes:     make(map[string]mockUser),
		tokens:    make(map[string]struct{}),
		calls:     make(map[string]int),
		fail:      make(map[string]int),
		logger:    log.With(logger, "component", "dingtalk/mock"),
	}
}

// AddUser registers an authorization code for a user.
func (m *Mock) AddUser(code, userID, jobNumber string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.codes[code] = mockUser{ID: userID, JobNumber: jobNumber}
}

// RevokeTokens makes every access token issued so far invalid.
func (m *Mock) RevokeTokens() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens = make(map[string]struct{})
}

// FailPath makes the endpoint at path answer with errcode.
func (m *Mock) FailPath(path string, errcode int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail[path] = errcode
}

// Calls returns how many requests were made to the endpoint at path.
func (m *Mock) Calls(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[path]
}

// TotalCalls returns how many requests were made to any endpoint.
func (m *Mock) TotalCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		n += c
	}
	return n
}

func (m *Mock) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	defer req.Body.Close()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls[req.URL.Path]++

	if code := m.fail[req.URL.Path]; code != 0 {
		m.write(w, envelope{ErrCode: code, ErrMsg: "injected failure"})
		return
	}

	switch req.URL.Path {
	case TokenPath:
		m.serveToken(w, req)
	case UserInfoPath:
		m.serveUserInfo(w, req)
	case UserDetailPath:
		m.serveUserDetail(w, req)
	default:
		http.NotFound(w, req)
	}
}

func (m *Mock) serveToken(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := req.URL.Query()
	if q.Get("appkey") != m.appKey || q.Get("appsecret") != m.appSecret {
		m.write(w, envelope{ErrCode: codeInvalidApp, ErrMsg: "invalid appkey or appsecret"})
		return
	}
	m.issued++
	token := "access-token-" + strconv.Itoa(m.issued)
	m.tokens[token] = struct{}{}

	resp := tokenResponse{AccessToken: token, ExpiresIn: 7200}
	resp.ErrMsg = "ok"
	m.write(w, resp)
}

func (m *Mock) authorized(w http.ResponseWriter, req *http.Request) bool {
	if req.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	if _, ok := m.tokens[req.URL.Query().Get("access_token")]; !ok {
		m.write(w, envelope{ErrCode: CodeInvalidToken, ErrMsg: "invalid access_token"})
		return false
	}
	return true
}

func (m *Mock) serveUserInfo(w http.ResponseWriter, req *http.Request) {
	if !m.authorized(w, req) {
		return
	}
	var body userInfoRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	u, ok := m.codes[body.Code]
	if !ok {
		m.write(w, envelope{ErrCode: codeInvalidCode, ErrMsg: "invalid authorization code"})
		return
	}
	var resp userInfoResponse
	resp.ErrMsg = "ok"
	resp.Result.UserID = u.ID
	m.write(w, resp)
}

func (m *Mock) serveUserDetail(w http.ResponseWriter, req *http.Request) {
	if !m.authorized(w, req) {
		return
	}
	var body userDetailRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	for _, u := range m.codes {
		if u.ID == body.UserID {
			var resp userDetailResponse
			resp.ErrMsg = "ok"
			resp.Result.JobNumber = u.JobNumber
			m.write(w, resp)
			return
		}
	}
	m.write(w, envelope{ErrCode: codeNoSuchUser, ErrMsg: "user not found"})
}

func (m *Mock) write(w http.ResponseWriter, resp interface{}) {
	w.Header().Set("Content-Type", "application/json")
	data, err := json.Marshal(resp)
	if err != nil {
		level.Error(m.logger).Log("msg", "marshaling response failed", "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if _, err := w.Write(data); err != nil {
		level.Error(m.logger).Log("msg", "writing response failed", "err", err)
	}
}
