package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"partnerhub/internal/config"
	"partnerhub/internal/middleware"
	"partnerhub/internal/models"
	"partnerhub/internal/services"
	"partnerhub/pkg/protocol"
)

var (
	adminID   = protocol.Identity{ID: "admin-1", Role: protocol.RoleAdmin}
	partnerID = protocol.Identity{ID: "p1", Role: protocol.RolePartner}
	partner2  = protocol.Identity{ID: "p2", Role: protocol.RolePartner}
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := models.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// apiEnv wires the REST handlers over an in-memory database with real JWT auth.
type apiEnv struct {
	t      *testing.T
	cfg    *config.Config
	db     *gorm.DB
	router *gin.Engine
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.GetDefaultConfig()
	cfg.JWT.Secret = "test-secret"
	cfg.Chat.DefaultAdminID = adminID.ID
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	db := newTestDB(t)
	chat := services.NewChatService(db, nil, cfg.Chat, logger)
	sessions := services.NewRemoteSessionService(db, nil, nil, cfg.RemoteAccess, logger)
	activity := services.NewActivityService(db, nil, cfg.Activity, logger)

	r := gin.New()
	api := r.Group("/api")
	api.Use(middleware.AuthMiddleware(cfg))
	RegisterChatRoutes(api, NewChatHandler(chat, logger))
	RegisterRemoteAccessRoutes(api, NewRemoteAccessHandler(sessions, logger))
	RegisterAIRoutes(api, NewAIHandler(activity, logger), middleware.RequireRole(protocol.RoleAdmin))

	return &apiEnv{t: t, cfg: cfg, db: db, router: r}
}

func (e *apiEnv) token(id protocol.Identity) string {
	e.t.Helper()
	tok, err := middleware.IdentityToken(id, e.cfg.JWT.Secret, time.Hour)
	if err != nil {
		e.t.Fatalf("token: %v", err)
	}
	return tok
}

func (e *apiEnv) do(id *protocol.Identity, method, path string, body interface{}) *httptest.ResponseRecorder {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			e.t.Fatalf("encode body: %v", err)
		}
	}
	req, _ := http.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if id != nil {
		req.Header.Set("Authorization", "Bearer "+e.token(*id))
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

// data decodes the success envelope's data field into v.
func data(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	var env struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("invalid json: %v body=%s", err, w.Body.String())
	}
	if !env.Success {
		t.Fatalf("expected success=true, body=%s", w.Body.String())
	}
	if v != nil {
		if err := json.Unmarshal(env.Data, v); err != nil {
			t.Fatalf("decode data: %v", err)
		}
	}
}

func errorKind(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp protocol.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid error json: %v body=%s", err, w.Body.String())
	}
	return resp.Error
}
