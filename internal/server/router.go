package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/marginalia/internal/annotations"
	"github.com/MarcoPoloResearchLab/marginalia/internal/auth"
	"github.com/MarcoPoloResearchLab/marginalia/internal/metrics"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const userIDContextKey = "marginalia_user_id"

var (
	errMissingTokenManager      = errors.New("token manager dependency required")
	errMissingAnnotationService = errors.New("annotation service dependency required")
	errMissingIdentityResolver  = errors.New("identity resolver required when sign-in is enabled")
	errInvalidAuthorization     = errors.New("authorization header missing or invalid")
)

// AnnotationService is the persistence surface behind the annotation routes.
type AnnotationService interface {
	Create(ctx context.Context, userID string, annotation annotations.Annotation) (annotations.Annotation, error)
	List(ctx context.Context, userID, folderID string) ([]annotations.Annotation, error)
	Patch(ctx context.Context, userID, annotationID string, patch annotations.Patch) (annotations.Annotation, error)
	Delete(ctx context.Context, userID, annotationID string) (string, error)
}

// TokenManager issues and validates API bearer tokens.
type TokenManager interface {
	IssueToken(ctx context.Context, subject string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// IDTokenVerifier checks a provider ID token presented at sign-in.
type IDTokenVerifier interface {
	Verify(ctx context.Context, token string) (auth.IdentityClaims, error)
}

// IdentityResolver maps a verified provider identity onto the canonical user id.
type IdentityResolver interface {
	Resolve(ctx context.Context, claims auth.IdentityClaims) (string, error)
}

type Dependencies struct {
	Annotations AnnotationService
	Tokens      TokenManager
	// SignInVerifier enables POST /auth/google when set.
	SignInVerifier IDTokenVerifier
	Identities     IdentityResolver
	Realtime       *RealtimeDispatcher
	Metrics        *metrics.Metrics
	Gatherer       prometheus.Gatherer
	CookieName     string
	Heartbeat      time.Duration
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenManager
	}
	if deps.Annotations == nil {
		return nil, errMissingAnnotationService
	}
	if deps.SignInVerifier != nil && deps.Identities == nil {
		return nil, errMissingIdentityResolver
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dispatcher := deps.Realtime
	if dispatcher == nil {
		dispatcher = NewRealtimeDispatcher()
	}
	heartbeat := deps.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(deps.Metrics.GinMiddleware())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		annotations: deps.Annotations,
		tokens:      deps.Tokens,
		verifier:    deps.SignInVerifier,
		identities:  deps.Identities,
		realtime:    dispatcher,
		metrics:     deps.Metrics,
		cookieName:  deps.CookieName,
		heartbeat:   heartbeat,
		logger:      logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}
	if deps.SignInVerifier != nil {
		router.POST("/auth/google", handler.handleGoogleAuth)
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/annotations", handler.handleCreate)
	protected.GET("/annotations/:folderId", handler.handleList)
	protected.PATCH("/annotations/:id", handler.handlePatch)
	protected.DELETE("/annotations/:id", handler.handleDelete)
	protected.GET("/realtime", handler.handleRealtime)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodPatch,
			http.MethodDelete,
			http.MethodOptions,
		},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	annotations AnnotationService
	tokens      TokenManager
	verifier    IDTokenVerifier
	identities  IdentityResolver
	realtime    *RealtimeDispatcher
	metrics     *metrics.Metrics
	cookieName  string
	heartbeat   time.Duration
	logger      *zap.Logger
}

type authRequestPayload struct {
	IDToken string `json:"id_token"`
	Token   string `json:"token"`
}

func (p authRequestPayload) credential() string {
	if token := strings.TrimSpace(p.IDToken); token != "" {
		return token
	}
	return strings.TrimSpace(p.Token)
}

type authResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
	UserID      string `json:"user_id"`
}

func (h *httpHandler) handleGoogleAuth(c *gin.Context) {
	var request authRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.credential() == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	claims, err := h.verifier.Verify(c.Request.Context(), request.credential())
	if err != nil {
		h.logger.Warn("google token verification failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	userID, err := h.identities.Resolve(c.Request.Context(), claims)
	if err != nil {
		h.logger.Error("failed to resolve identity", zap.String("provider", claims.Provider), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "identity_resolution_failed"})
		return
	}

	token, expiresIn, err := h.tokens.IssueToken(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("failed to issue api token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, authResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		UserID:      userID,
	})
}

type listResponsePayload struct {
	Annotations []annotations.Annotation `json:"annotations"`
}

func (h *httpHandler) handleCreate(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	var request annotations.Annotation
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	created, err := h.annotations.Create(c.Request.Context(), userID, request)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	h.publishChange(userID, created.FolderID, created.ID)
	c.JSON(http.StatusCreated, created)
}

func (h *httpHandler) handleList(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	list, err := h.annotations.List(c.Request.Context(), userID, c.Param("folderId"))
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, listResponsePayload{Annotations: list})
}

func (h *httpHandler) handlePatch(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	var patch annotations.Patch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if patch.Empty() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty_patch"})
		return
	}

	updated, err := h.annotations.Patch(c.Request.Context(), userID, c.Param("id"), patch)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	h.publishChange(userID, updated.FolderID, updated.ID)
	c.JSON(http.StatusOK, updated)
}

func (h *httpHandler) handleDelete(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	annotationID := c.Param("id")
	folderID, err := h.annotations.Delete(c.Request.Context(), userID, annotationID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	h.publishChange(userID, folderID, annotationID)
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) publishChange(userID, folderID, annotationID string) {
	h.realtime.Publish(RealtimeMessage{
		UserID:        userID,
		EventType:     RealtimeEventAnnotationsChanged,
		FolderID:      folderID,
		AnnotationIDs: []string{annotationID},
		Timestamp:     time.Now().UTC(),
	})
}

func (h *httpHandler) respondServiceError(c *gin.Context, err error) {
	status := statusForServiceError(err)
	body := gin.H{"error": http.StatusText(status)}
	var serviceErr *annotations.ServiceError
	if errors.As(err, &serviceErr) {
		body["code"] = serviceErr.Code()
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("annotation request failed", zap.String("path", c.FullPath()), zap.Error(err))
	} else {
		h.logger.Debug("annotation request rejected", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, body)
}

func statusForServiceError(err error) int {
	switch {
	case errors.Is(err, annotations.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, annotations.ErrOwnershipConflict):
		return http.StatusConflict
	case errors.Is(err, annotations.ErrInvalidAnnotationID),
		errors.Is(err, annotations.ErrInvalidFolderID),
		errors.Is(err, annotations.ErrMissingDocumentID),
		errors.Is(err, annotations.ErrInvalidAnchor),
		errors.Is(err, annotations.ErrInvalidColor):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token, err := auth.TokenFromRequest(c.Request, h.cookieName)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}
