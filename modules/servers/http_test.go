package servers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Deepreo/swapcron/core"
	"github.com/Deepreo/swapcron/errors"
)

func TestStatusFor(t *testing.T) {
	cases := map[string]struct {
		err  error
		want int
	}{
		"validation":          {errors.ValidationError(fmt.Errorf("bad")), fiber.StatusBadRequest},
		"domain":              {errors.DomainError(fmt.Errorf("conflict")), fiber.StatusBadRequest},
		"not found level":     {errors.NotFoundError(fmt.Errorf("gone")), fiber.StatusNotFound},
		"record sentinel":     {fmt.Errorf("wrap: %w", errors.ErrRecordNotFound), fiber.StatusNotFound},
		"job sentinel":        {errors.DomainError(fmt.Errorf("%w: x", errors.ErrJobNotFound)), fiber.StatusNotFound},
		"scheduler sentinel":  {errors.ErrSchedulerUnavailable, fiber.StatusServiceUnavailable},
		"unavailable level":   {errors.UnavailableError(fmt.Errorf("down")), fiber.StatusServiceUnavailable},
		"infrastructure":      {errors.InfraError(fmt.Errorf("upstream")), fiber.StatusBadGateway},
		"plain error":         {fmt.Errorf("boom"), fiber.StatusInternalServerError},
		"fiber not found err": {fiber.ErrNotFound, fiber.StatusNotFound},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, StatusFor(tc.err))
		})
	}
}

type echoRequest struct {
	ID   string `params:"id"`
	Name string `json:"name"`
	Tag  string `query:"tag"`
}

func (r *echoRequest) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("name is required")
	}
	return nil
}

type echoHandler struct {
	err error
}

func (h *echoHandler) Handle(ctx context.Context, req *echoRequest) (*echoRequest, error) {
	if h.err != nil {
		return nil, h.err
	}
	return req, nil
}

func call(t *testing.T, s *HttpServer, body string) (int, core.BaseResponse[json.RawMessage]) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/echo/42?tag=x", nil)
	if body != "" {
		req = httptest.NewRequest(http.MethodPost, "/echo/42?tag=x", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.GetApp().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out core.BaseResponse[json.RawMessage]
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestRegister(t *testing.T) {
	s, err := NewHttpServer()
	require.NoError(t, err)

	var seen []string
	s.Use(func(next core.HandlerFunc) core.HandlerFunc {
		return func(ctx context.Context, req any) (any, error) {
			seen = append(seen, "outer")
			return next(ctx, req)
		}
	}, func(next core.HandlerFunc) core.HandlerFunc {
		return func(ctx context.Context, req any) (any, error) {
			seen = append(seen, "inner")
			return next(ctx, req)
		}
	})
	core.RegisterEndpoint[*echoRequest, *echoRequest](s, http.MethodPost, "/echo/:id", &echoHandler{})

	status, resp := call(t, s, `{"name":"swap"}`)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, resp.Success)

	var got echoRequest
	require.NoError(t, json.Unmarshal(resp.Data, &got))
	assert.Equal(t, "42", got.ID)
	assert.Equal(t, "swap", got.Name)
	assert.Equal(t, "x", got.Tag)
	assert.Equal(t, []string{"outer", "inner"}, seen)

	status, resp = call(t, s, "")
	assert.Equal(t, http.StatusBadRequest, status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "name is required", resp.Error.Message)
}

func TestRegister_HidesInternalErrors(t *testing.T) {
	s, err := NewHttpServer()
	require.NoError(t, err)
	core.RegisterEndpoint[*echoRequest, *echoRequest](s, http.MethodPost, "/echo/:id", &echoHandler{
		err: errors.InfraError(fmt.Errorf("dial tcp 10.0.0.1:5432: refused")).WithCode("DB_DOWN"),
	})

	status, resp := call(t, s, `{"name":"swap"}`)
	assert.Equal(t, http.StatusBadGateway, status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "Internal Server Error", resp.Error.Message)
	assert.Equal(t, "DB_DOWN", resp.Error.Code)
}

func TestBuildFiberConfig_InvalidTimeout(t *testing.T) {
	_, err := NewHttpServer(WithConfig(&HttpServerConfig{ReadTimeout: "soon"}))
	assert.Error(t, err)
}
