package cli

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"partnerhub/internal/config"
	"partnerhub/internal/middleware"
	"partnerhub/pkg/partnerapi"
	"partnerhub/pkg/protocol"
	"partnerhub/pkg/realtime"
)

var (
	flagClientID   string
	flagClientRole string
	flagBaseURL    string
	flagToken      string
)

func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&flagClientID, "id", "admin-1", "identity id to connect as")
	cmd.Flags().StringVar(&flagClientRole, "role", string(protocol.RoleAdmin), "identity role: admin or partner")
	cmd.Flags().StringVar(&flagBaseURL, "base-url", "", "server base URL (default client.base_url)")
	cmd.Flags().StringVar(&flagToken, "token", "", "bearer token (default client.token, or minted from jwt.secret)")
}

// clientSession REST 客户端与推送连接
type clientSession struct {
	identity protocol.Identity
	api      *partnerapi.Client
	conn     *realtime.ConnectionManager
}

func newClientSession(cfg *config.Config, logger *logrus.Logger) (*clientSession, error) {
	identity := protocol.Identity{ID: flagClientID, Role: protocol.Role(flagClientRole)}
	if err := identity.Validate(); err != nil {
		return nil, err
	}

	baseURL := flagBaseURL
	if baseURL == "" {
		baseURL = cfg.Client.BaseURL
	}
	token := flagToken
	if token == "" {
		token = cfg.Client.Token
	}
	if token == "" && cfg.JWT.Secret != "" {
		minted, err := middleware.IdentityToken(identity, cfg.JWT.Secret, cfg.JWT.ExpiresIn)
		if err != nil {
			return nil, err
		}
		token = minted
	}

	wsURL, err := pushURL(baseURL)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	policy := realtime.DefaultPolicy()
	if cfg.Client.BackoffMin > 0 {
		policy.Base = cfg.Client.BackoffMin
	}
	if cfg.Client.BackoffMax > 0 {
		policy.Cap = cfg.Client.BackoffMax
	}

	api := partnerapi.NewClient(&partnerapi.Config{
		BaseURL:    baseURL,
		Token:      token,
		Timeout:    cfg.Client.Timeout,
		MaxRetries: cfg.Client.MaxRetries,
		RetryDelay: policy.Base,
	}, logger)

	conn := realtime.NewConnectionManager(realtime.Options{
		URL:               wsURL,
		Header:            header,
		Backoff:           policy,
		HeartbeatInterval: cfg.Realtime.HeartbeatInterval,
		Logger:            logger,
	})
	return &clientSession{identity: identity, api: api, conn: conn}, nil
}

// pushURL 将 http(s)://host 转换为 ws(s)://host/api/v1/ws
func pushURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid base url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws", "":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported base url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/v1/ws"
	return u.String(), nil
}
