package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/diffsync/internal/auth"
	"github.com/MarcoPoloResearchLab/diffsync/internal/catchup"
	"github.com/MarcoPoloResearchLab/diffsync/internal/hub"
	"github.com/MarcoPoloResearchLab/diffsync/internal/metrics"
	"github.com/MarcoPoloResearchLab/diffsync/internal/pipeline"
	"github.com/MarcoPoloResearchLab/diffsync/internal/schema"
	"github.com/MarcoPoloResearchLab/diffsync/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const accountContextKey = "diffsync_account"

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingAccountResolver  = errors.New("account resolver dependency required")
	errMissingSchema           = errors.New("schema dependency required")
	errMissingHub              = errors.New("hub dependency required")
	errMissingPipeline         = errors.New("pipeline dependency required")
	errMissingCatchup          = errors.New("catchup loader dependency required")
)

// SessionValidator authenticates the hub handshake.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// AccountResolver maps a session to its tenant and profile.
type AccountResolver interface {
	Resolve(ctx context.Context, claims auth.SessionClaims) (users.Account, error)
}

// Units is the part of the pipeline the hub handler submits to.
type Units interface {
	Enqueue(ctx context.Context, unit pipeline.Unit) (<-chan pipeline.Acknowledgement, error)
}

type Dependencies struct {
	Sessions       SessionValidator
	Accounts       AccountResolver
	Schema         *schema.Schema
	Hub            *hub.Hub
	Pipeline       Units
	Catchup        *catchup.Loader
	Metrics        *metrics.Metrics
	AllowedOrigins []string
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.Sessions == nil:
		return nil, errMissingSessionValidator
	case deps.Accounts == nil:
		return nil, errMissingAccountResolver
	case deps.Schema == nil:
		return nil, errMissingSchema
	case deps.Hub == nil:
		return nil, errMissingHub
	case deps.Pipeline == nil:
		return nil, errMissingPipeline
	case deps.Catchup == nil:
		return nil, errMissingCatchup
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	handler := &httpHandler{
		sessions: deps.Sessions,
		accounts: deps.Accounts,
		schema:   deps.Schema,
		hub:      deps.Hub,
		units:    deps.Pipeline,
		catchup:  deps.Catchup,
		logger:   logger,
	}
	handler.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(deps.AllowedOrigins),
	}
	deps.Hub.OnClose(deps.Catchup.Forget)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "connections": deps.Hub.Len()})
	})
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/schema", handler.handleSchema)
	protected.GET("/hub", handler.handleHub)

	return router, nil
}

type httpHandler struct {
	sessions SessionValidator
	accounts AccountResolver
	schema   *schema.Schema
	hub      *hub.Hub
	units    Units
	catchup  *catchup.Loader
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

func corsMiddleware(origins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Sec-WebSocket-Protocol"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

func originChecker(origins []string) func(r *http.Request) bool {
	if len(origins) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, allowed := range origins {
			if strings.EqualFold(allowed, origin) {
				return true
			}
		}
		return false
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	account, err := h.accounts.Resolve(c.Request.Context(), claims)
	if err != nil {
		if errors.Is(err, users.ErrUnknownAccount) || errors.Is(err, users.ErrInvalidIdentity) {
			h.logger.Info("account resolution refused", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		h.logger.Error("account resolution failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "account_lookup_failed"})
		return
	}
	c.Set(accountContextKey, account)
	c.Next()
}

func accountFrom(c *gin.Context) (users.Account, bool) {
	value, ok := c.Get(accountContextKey)
	if !ok {
		return users.Account{}, false
	}
	account, ok := value.(users.Account)
	return account, ok
}

type schemaResponse struct {
	Area    string                   `json:"area"`
	Profile string                   `json:"profile"`
	Tables  []schema.TableDescriptor `json:"tables"`
}

func (h *httpHandler) handleSchema(c *gin.Context) {
	account, ok := accountFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	area := strings.TrimSpace(c.Query("area"))
	if !h.schema.HasArea(area) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_area"})
		return
	}
	subject := account.Subject(area)
	c.JSON(http.StatusOK, schemaResponse{
		Area:    area,
		Profile: subject.Profile.String(),
		Tables:  h.schema.Describe(subject),
	})
}
