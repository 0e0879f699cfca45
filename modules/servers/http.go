package servers

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/etag"
	"github.com/gofiber/fiber/v2/middleware/healthcheck"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/gofiber/swagger"

	"go.elastic.co/apm/module/apmfiber/v2"
	"go.elastic.co/apm/v2"

	"github.com/Deepreo/swapcron/core"
	"github.com/Deepreo/swapcron/errors"
)

const (
	DefaultReadTimeout     = 3 * time.Second
	DefaultWriteTimeout    = 3 * time.Second
	DefaultServerHeader    = "Fiber"
	DefaultBodyLimit       = 4 * 1024 * 1024 // 4 MB
	DefaultPort            = "8080"
	DefaultAllowedOrigins  = "*"
	DefaultShutdownTimeout = 5 * time.Second
	DefaultSwaggerUIPath   = "/api/swagger/*"
	DefaultHost            = "localhost"
)

type HttpServer struct {
	app         *fiber.App
	cfg         *HttpServerConfig
	middlewares []core.Middleware
}

type HttpServerConfig struct {
	ReadTimeout    string `mapstructure:"read_timeout"`
	WriteTimeout   string `mapstructure:"write_timeout"`
	ServerHeader   string `mapstructure:"server_header"`
	BodyLimit      int    `mapstructure:"body_limit"`
	ErrorHandler   fiber.ErrorHandler
	Port           string   `mapstructure:"port"`
	Host           string   `mapstructure:"host"`
	AllowedOrigins string   `mapstructure:"allowed_origins"`
	Features       Features `mapstructure:"features"`
}

type Features struct {
	RequestID   RequestID   `mapstructure:"request_id"`
	Proxy       Proxy       `mapstructure:"proxy"`
	RateLimit   RateLimit   `mapstructure:"rate_limit"`
	HealthCheck HealthCheck `mapstructure:"health_check"`
	Etag        Etag        `mapstructure:"etag"`
	ElasticAPM  ElasticAPM  `mapstructure:"elastic_apm"`
	SwaggerUI   SwaggerUI   `mapstructure:"swagger_ui"`
}
type Etag struct {
	Enabled bool `mapstructure:"enabled"`
}

type ElasticAPM struct {
	Enabled bool `mapstructure:"enabled"`
}

type RequestID struct {
	Enabled bool `mapstructure:"enabled"`
}

type Proxy struct {
	Enabled        bool     `mapstructure:"enabled"`
	ProxyHeader    string   `mapstructure:"proxy_header"`
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

type RateLimit struct {
	Enabled    bool   `mapstructure:"enabled"`
	Max        int    `mapstructure:"max"`
	Expiration string `mapstructure:"expiration"`
}

type HealthCheck struct {
	Enabled bool `mapstructure:"enabled"`
}

type SwaggerUI struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

func WithConfig(cfg *HttpServerConfig) func(*HttpServerConfig) {
	return func(s *HttpServerConfig) {
		if cfg.ReadTimeout != "" {
			s.ReadTimeout = cfg.ReadTimeout
		}
		if cfg.WriteTimeout != "" {
			s.WriteTimeout = cfg.WriteTimeout
		}
		if cfg.ServerHeader != "" {
			s.ServerHeader = cfg.ServerHeader
		}
		if cfg.BodyLimit != 0 {
			s.BodyLimit = cfg.BodyLimit
		}
		if cfg.ErrorHandler != nil {
			s.ErrorHandler = cfg.ErrorHandler
		}
		if cfg.Port != "" {
			s.Port = cfg.Port
		}
		if cfg.AllowedOrigins != "" {
			s.AllowedOrigins = cfg.AllowedOrigins
		}
		s.Features = cfg.Features
		if cfg.Host != "" {
			s.Host = cfg.Host
		}
	}
}

func NewHttpServer(options ...func(*HttpServerConfig)) (*HttpServer, error) {
	cfg := &HttpServerConfig{
		ReadTimeout:    DefaultReadTimeout.String(),
		WriteTimeout:   DefaultWriteTimeout.String(),
		ServerHeader:   DefaultServerHeader,
		BodyLimit:      DefaultBodyLimit,
		Port:           DefaultPort,
		AllowedOrigins: DefaultAllowedOrigins,
		Host:           DefaultHost,
	}
	for _, option := range options {
		option(cfg)
	}
	fiberConfig, err := buildFiberConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid server configuration: %w", err)
	}

	app := fiber.New(fiberConfig)

	server := &HttpServer{
		app: app,
		cfg: cfg,
	}
	server.applyMiddlewares()
	return server, nil
}

func (s *HttpServer) applyMiddlewares() {
	s.app.Use(recover.New())
	s.app.Use(helmet.New())
	s.app.Use(cors.New(cors.Config{
		AllowOrigins:  s.cfg.AllowedOrigins,
		AllowMethods:  "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders:  "Accept, Content-Type, Last-Event-ID",
		ExposeHeaders: "Content-Length, X-Request-ID, Link",
		AllowCredentials: func() bool {
			return s.cfg.AllowedOrigins != "*"
		}(),
		MaxAge: 300, // 5 minutes
	}))
	if s.cfg.Features.RequestID.Enabled {
		s.app.Use(requestid.New())
	}
	if s.cfg.Features.RateLimit.Enabled {
		s.app.Use(limiter.New(limiter.Config{
			Max: s.cfg.Features.RateLimit.Max,
			Expiration: func() time.Duration {
				if s.cfg.Features.RateLimit.Expiration != "" {
					d, err := time.ParseDuration(s.cfg.Features.RateLimit.Expiration)
					if err != nil {
						return 60 * time.Second
					}
					return d
				}
				return 60 * time.Second
			}(),
		}))
	}
	if s.cfg.Features.HealthCheck.Enabled {
		s.app.Use(healthcheck.New())
	}
	if s.cfg.Features.Etag.Enabled {
		s.app.Use(etag.New())
	}
	if s.cfg.Features.ElasticAPM.Enabled {
		s.app.Use(apmfiber.Middleware())
	}
	if s.cfg.Features.SwaggerUI.Enabled {
		path := s.cfg.Features.SwaggerUI.Path
		if path == "" {
			path = DefaultSwaggerUIPath
		}
		s.app.Get(path, swagger.New(swagger.Config{TryItOutEnabled: true}))
	}
}

func (s *HttpServer) GetApp() *fiber.App {
	return s.app
}

func (s *HttpServer) Run() error {
	return s.app.Listen(func() string {
		if s.cfg.Features.Proxy.Enabled {
			return fmt.Sprintf(":%s", s.cfg.Port)
		}
		return fmt.Sprintf("%s:%s", s.cfg.Host, s.cfg.Port)
	}())
}

func (s *HttpServer) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

// Use adds middleware around every handler registered afterwards.
func (s *HttpServer) Use(middleware ...core.Middleware) {
	s.middlewares = append(s.middlewares, middleware...)
}

func buildFiberConfig(cfg *HttpServerConfig) (fiber.Config, error) {
	var config fiber.Config
	if cfg.ReadTimeout != "" {
		readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
		if err != nil {
			return fiber.Config{}, fmt.Errorf("invalid read_timeout: %s", cfg.ReadTimeout)
		}
		config.ReadTimeout = readTimeout
	} else {
		config.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout != "" {
		writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
		if err != nil {
			return fiber.Config{}, fmt.Errorf("invalid write_timeout: %s", cfg.WriteTimeout)
		}
		config.WriteTimeout = writeTimeout
	} else {
		config.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.ServerHeader != "" {
		config.ServerHeader = cfg.ServerHeader
	} else {
		config.ServerHeader = DefaultServerHeader
	}
	if cfg.BodyLimit != 0 {
		config.BodyLimit = cfg.BodyLimit
	} else {
		config.BodyLimit = DefaultBodyLimit
	}
	if cfg.Features.Proxy.Enabled {
		if cfg.Features.Proxy.ProxyHeader != "" {
			config.ProxyHeader = cfg.Features.Proxy.ProxyHeader
		}
		if len(cfg.Features.Proxy.TrustedProxies) > 0 {
			config.EnableTrustedProxyCheck = true
			config.TrustedProxies = cfg.Features.Proxy.TrustedProxies
		}
	}
	if cfg.ErrorHandler != nil {
		config.ErrorHandler = cfg.ErrorHandler
	} else {
		config.ErrorHandler = ErrorHandler
	}
	return config, nil
}

// ErrorHandler renders errors escaping fiber handlers in the BaseResponse
// envelope.
func ErrorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(core.BaseResponse[any]{Error: &core.APIError{Message: fe.Message}})
	}
	return WriteError(c, err)
}

func traceID(ctx context.Context) string {
	if tx := apm.TransactionFromContext(ctx); tx != nil {
		return tx.TraceContext().Trace.String()
	}
	return ""
}

// StatusFor maps an error onto the HTTP status it is reported with.
func StatusFor(err error) int {
	switch {
	case errors.Is(errors.ErrRecordNotFound, err), errors.Is(errors.ErrJobNotFound, err):
		return fiber.StatusNotFound
	case errors.Is(errors.ErrSchedulerUnavailable, err):
		return fiber.StatusServiceUnavailable
	case errors.Is(fiber.ErrNotFound, err):
		return fiber.StatusNotFound
	}
	switch errors.GetLevel(err) {
	case errors.ERR_VALIDATION, errors.ERR_DOMAIN:
		return fiber.StatusBadRequest
	case errors.ERR_NOT_FOUND:
		return fiber.StatusNotFound
	case errors.ERR_UNAVAILABLE, errors.ERR_APPLICATION:
		return fiber.StatusServiceUnavailable
	case errors.ERR_INFRASTRUCTURE:
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}

// WriteError writes err as a failed BaseResponse. Infrastructure and
// unknown errors hide their message behind the trace id.
func WriteError(c *fiber.Ctx, err error) error {
	status := StatusFor(err)
	resp := core.BaseResponse[any]{Error: &core.APIError{Message: err.Error()}}

	var extendErr *errors.ExtendError
	if errors.As(err, &extendErr) {
		resp.Error.Code = extendErr.Code
		if extendErr.Metadata != nil {
			resp.Error.Details = extendErr.Metadata
		}
	}

	if status >= fiber.StatusInternalServerError {
		id := traceID(c.UserContext())
		resp.Error.Message = fiber.ErrInternalServerError.Message
		if status == fiber.StatusServiceUnavailable {
			resp.Error.Message = fiber.ErrServiceUnavailable.Message
		}
		if resp.Error.Details == nil {
			resp.Error.Details = err.Error()
		}
		resp.Error.TraceID = id
	}
	return c.Status(status).JSON(resp)
}

func (s *HttpServer) Register(method, path string, handler core.HandlerFunc, reqFactory func() any) {
	for i := len(s.middlewares) - 1; i >= 0; i-- {
		handler = s.middlewares[i](handler)
	}

	genHandler := func(c *fiber.Ctx) error {
		req := reqFactory()

		if len(c.Body()) > 0 {
			if err := c.BodyParser(req); err != nil && !errors.Is(fiber.ErrUnprocessableEntity, err) {
				return WriteError(c, errors.ValidationError(err))
			}
		}
		if err := c.ParamsParser(req); err != nil {
			return WriteError(c, errors.ValidationError(err))
		}
		if err := c.QueryParser(req); err != nil {
			return WriteError(c, errors.ValidationError(err))
		}
		if err := c.ReqHeaderParser(req); err != nil {
			return WriteError(c, errors.ValidationError(err))
		}

		if validator, ok := req.(core.Request); ok {
			if err := validator.Validate(); err != nil {
				return WriteError(c, errors.ValidationError(err))
			}
		}

		res, err := handler(c.UserContext(), req)
		if err != nil {
			return WriteError(c, err)
		}
		return c.JSON(core.BaseResponse[any]{Success: true, Data: res})
	}

	s.app.Add(method, path, genHandler)
}

var _ core.Server = (*HttpServer)(nil)
