package user

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegisterValidatesBody(t *testing.T) {
	h := NewHandler(NewService(nil, "secret"))

	for name, body := range map[string]string{
		"malformed":   "{",
		"no password": `{"username":"bob"}`,
		"no username": `{"password":"pw"}`,
	} {
		t.Run(name, func(t *testing.T) {
			w := httptest.NewRecorder()
			h.Register(w, httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(body)))
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestSearchUsersRequiresQuery(t *testing.T) {
	h := NewHandler(NewService(nil, "secret"))
	w := httptest.NewRecorder()
	h.SearchUsers(w, httptest.NewRequest(http.MethodGet, "/api/users/search", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
