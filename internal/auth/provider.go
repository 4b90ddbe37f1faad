package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/nkkko/feedhub/internal/domain"
	"github.com/nkkko/feedhub/pkg/proto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

var _ domain.AuthProvider = (*Provider)(nil)

var (
	// ErrNoCredential indicates there is no local credential registration
	ErrNoCredential = errors.New("no local credential registration")

	// ErrInvalidToken indicates a token failed verification
	ErrInvalidToken = errors.New("invalid token")

	// ErrInvalidRole indicates an unknown role name
	ErrInvalidRole = errors.New("invalid role")

	// ErrInvalidIdentity indicates an empty identity
	ErrInvalidIdentity = errors.New("identity is required")
)

// Config contains provider configuration
type Config struct {
	// HMAC secret for session tokens
	Secret string

	// Token issuer claim
	Issuer string

	// Token lifetime
	TokenTTL time.Duration

	// File holding the local credential registration. Empty disables silent resume.
	CredentialPath string
}

// DefaultConfig returns a default provider configuration
func DefaultConfig() Config {
	return Config{
		Issuer:         "feedhub",
		TokenTTL:       24 * time.Hour,
		CredentialPath: "./data/credential.yaml",
	}
}

// credential is the on-disk local registration
type credential struct {
	Identity     string    `yaml:"identity"`
	RegisteredAt time.Time `yaml:"registered_at"`
}

// Claims are the session token claims
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Provider is the identity collaborator: it holds the session state,
// issues tokens and grants roles.
type Provider struct {
	config Config
	roles  RoleStore
	logger zerolog.Logger

	mu        sync.Mutex
	state     proto.AuthState
	callbacks map[int]func(proto.AuthState)
	nextCB    int
}

// NewProvider creates an inactive provider
func NewProvider(config Config, roles RoleStore) (*Provider, error) {
	if config.Secret == "" {
		return nil, fmt.Errorf("auth secret is required")
	}
	if config.TokenTTL <= 0 {
		config.TokenTTL = DefaultConfig().TokenTTL
	}
	if roles == nil {
		roles = NewMemoryRoleStore()
	}

	return &Provider{
		config:    config,
		roles:     roles,
		logger:    log.With().Str("component", "auth").Logger(),
		state:     proto.Inactive(),
		callbacks: make(map[int]func(proto.AuthState)),
	}, nil
}

// State returns the current session state
func (p *Provider) State() proto.AuthState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// IsActive reports whether a session is active
func (p *Provider) IsActive() bool {
	return p.State().IsActive
}

// ActiveIdentity returns the identity of the active session, or ""
func (p *Provider) ActiveIdentity() string {
	return p.State().Identity
}

// OnStateChange registers cb for session transitions
func (p *Provider) OnStateChange(cb func(proto.AuthState)) func() {
	p.mu.Lock()
	id := p.nextCB
	p.nextCB++
	p.callbacks[id] = cb
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.callbacks, id)
			p.mu.Unlock()
		})
	}
}

// setState stores next and notifies callbacks outside the lock
func (p *Provider) setState(next proto.AuthState) {
	p.mu.Lock()
	if p.state == next {
		p.mu.Unlock()
		return
	}
	p.state = next
	cbs := make([]func(proto.AuthState), 0, len(p.callbacks))
	for _, cb := range p.callbacks {
		cbs = append(cbs, cb)
	}
	p.mu.Unlock()

	p.logger.Info().Str("state", next.String()).Msg("Session state changed")
	for _, cb := range cbs {
		cb(next)
	}
}

// Login activates a session for identity and returns a signed token.
// A fresh identity without a role is granted the user role. With register
// set the identity is also stored as the local credential for silent resume.
func (p *Provider) Login(ctx context.Context, identity string, register bool) (string, string, error) {
	if identity == "" {
		return "", "", ErrInvalidIdentity
	}

	role, err := p.EnsureUserRole(ctx, identity)
	if err != nil {
		return "", "", err
	}

	if register {
		if err := p.writeCredential(identity); err != nil {
			return "", "", err
		}
	}

	token, err := p.IssueToken(identity, role)
	if err != nil {
		return "", "", err
	}

	p.setState(proto.Active(identity))
	return token, role, nil
}

// Logout ends the session. The local credential registration is kept.
func (p *Provider) Logout() {
	p.setState(proto.Inactive())
}

// EnsureUserRole grants the user role to an identity that has none and
// returns the identity's role.
func (p *Provider) EnsureUserRole(ctx context.Context, identity string) (string, error) {
	created, err := p.roles.SetRoleIfAbsent(ctx, identity, RoleUser)
	if err != nil {
		return "", fmt.Errorf("failed to ensure user role: %w", err)
	}
	if created {
		p.logger.Info().Str("identity", identity).Msg("Granted default user role")
		return RoleUser, nil
	}
	return p.RoleOf(ctx, identity)
}

// RoleOf returns the role of identity; identities without a role are guests
func (p *Provider) RoleOf(ctx context.Context, identity string) (string, error) {
	role, err := p.roles.GetRole(ctx, identity)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return RoleGuest, nil
		}
		return "", err
	}
	return role, nil
}

// AssignRole grants role to identity
func (p *Provider) AssignRole(ctx context.Context, identity, role string) error {
	if identity == "" {
		return ErrInvalidIdentity
	}
	if !ValidRole(role) {
		return fmt.Errorf("%w: %s", ErrInvalidRole, role)
	}
	if err := p.roles.SetRole(ctx, identity, role); err != nil {
		return err
	}
	p.logger.Info().Str("identity", identity).Str("role", role).Msg("Role assigned")
	return nil
}

// IssueToken signs a session token for identity
func (p *Provider) IssueToken(identity, role string) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity,
			Issuer:    p.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(p.config.TokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(p.config.Secret))
}

// VerifyToken checks a session token and returns its identity
func (p *Provider) VerifyToken(tokenString string) (string, error) {
	claims := &Claims{}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if p.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.config.Issuer))
	}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(p.config.Secret), nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims.Subject, nil
}

// HasLocalCredentialRegistration reports whether a credential file exists
func (p *Provider) HasLocalCredentialRegistration() bool {
	_, err := p.readCredential()
	return err == nil
}

// ResumeLocal activates the locally registered identity without a login
func (p *Provider) ResumeLocal(ctx context.Context) error {
	cred, err := p.readCredential()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	p.logger.Info().Str("identity", cred.Identity).Msg("Resuming local credential")
	p.setState(proto.Active(cred.Identity))
	return nil
}

func (p *Provider) readCredential() (*credential, error) {
	if p.config.CredentialPath == "" {
		return nil, ErrNoCredential
	}
	data, err := os.ReadFile(p.config.CredentialPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCredential
		}
		return nil, fmt.Errorf("failed to read credential: %w", err)
	}
	var cred credential
	if err := yaml.Unmarshal(data, &cred); err != nil {
		return nil, fmt.Errorf("failed to parse credential: %w", err)
	}
	if cred.Identity == "" {
		return nil, ErrNoCredential
	}
	return &cred, nil
}

func (p *Provider) writeCredential(identity string) error {
	if p.config.CredentialPath == "" {
		return nil
	}
	data, err := yaml.Marshal(credential{Identity: identity, RegisteredAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p.config.CredentialPath), 0755); err != nil {
		return fmt.Errorf("failed to create credential directory: %w", err)
	}
	if err := os.WriteFile(p.config.CredentialPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write credential: %w", err)
	}
	return nil
}
