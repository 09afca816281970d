package services

import (
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"partnerhub/internal/models"
	"partnerhub/pkg/protocol"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := "file:" + name + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
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

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return logger
}

type pushed struct {
	to  string
	env protocol.Envelope
}

// recordingNotifier captures pushes instead of writing to sockets.
type recordingNotifier struct {
	mu   sync.Mutex
	sent []pushed
}

func (r *recordingNotifier) SendToIdentity(identity protocol.Identity, env protocol.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, pushed{to: identity.Key(), env: env})
}

func (r *recordingNotifier) SendToRole(role protocol.Role, env protocol.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, pushed{to: "role:" + string(role), env: env})
}

func (r *recordingNotifier) byType(msgType string) []pushed {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []pushed
	for _, p := range r.sent {
		if p.env.Type == msgType {
			out = append(out, p)
		}
	}
	return out
}

func (r *recordingNotifier) recipients(msgType string) map[string]int {
	out := make(map[string]int)
	for _, p := range r.byType(msgType) {
		out[p.to]++
	}
	return out
}

var (
	testAdmin    = protocol.Identity{ID: "admin-1", Role: protocol.RoleAdmin}
	testAdmin2   = protocol.Identity{ID: "admin-2", Role: protocol.RoleAdmin}
	testPartner  = protocol.Identity{ID: "p1", Role: protocol.RolePartner}
	otherPartner = protocol.Identity{ID: "p2", Role: protocol.RolePartner}
)
