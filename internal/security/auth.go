package security

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/gin-gonic/gin"
	"github.com/recallio/recall/internal/config"
)

// Gin context keys for the resolved caller identity.
const (
	ContextKeyUserID   = "userID"
	ContextKeyClientID = "clientID"
	ContextKeyRoles    = "roles"
	ContextKeyIsAdmin  = "isAdmin"
)

const (
	RoleAdmin   = "admin"
	RoleAuditor = "auditor"
	RoleIndexer = "indexer"
)

// Identity is a resolved caller: the user behind the token, the agent client
// acting on their behalf, and any operational roles.
type Identity struct {
	UserID   string
	ClientID string
	Roles    map[string]bool
	IsAdmin  bool
}

// TokenResolver resolves bearer tokens to caller identities. Built once at
// startup and shared by every listener.
type TokenResolver struct {
	verifier        *oidc.IDTokenVerifier
	apiKeys         map[string]string
	adminOIDCRole   string
	auditorOIDCRole string
	indexerOIDCRole string
	adminUsers      map[string]bool
	auditorUsers    map[string]bool
	indexerUsers    map[string]bool
	adminClients    map[string]bool
	auditorClients  map[string]bool
	indexerClients  map[string]bool
	testingMode     bool
}

// NewTokenResolver builds a resolver from config, running OIDC provider
// discovery once when an issuer is configured. Discovery failure degrades to
// API key auth rather than refusing to start.
func NewTokenResolver(cfg *config.Config) *TokenResolver {
	adminOIDCRole := strings.TrimSpace(cfg.AdminOIDCRole)
	if adminOIDCRole == "" {
		adminOIDCRole = RoleAdmin
	}
	auditorOIDCRole := strings.TrimSpace(cfg.AuditorOIDCRole)
	if auditorOIDCRole == "" {
		auditorOIDCRole = RoleAuditor
	}

	return &TokenResolver{
		verifier:        discoverOIDCVerifier(cfg),
		apiKeys:         cfg.APIKeys,
		adminOIDCRole:   adminOIDCRole,
		auditorOIDCRole: auditorOIDCRole,
		indexerOIDCRole: strings.TrimSpace(cfg.IndexerOIDCRole),
		adminUsers:      splitCSV(cfg.AdminUsers),
		auditorUsers:    splitCSV(cfg.AuditorUsers),
		indexerUsers:    splitCSV(cfg.IndexerUsers),
		adminClients:    splitCSV(cfg.AdminClients),
		auditorClients:  splitCSV(cfg.AuditorClients),
		indexerClients:  splitCSV(cfg.IndexerClients),
		testingMode:     cfg.Mode == config.ModeTesting,
	}
}

// discoverOIDCVerifier runs provider discovery. When the discovery URL differs
// from the issuer (internal hostname vs the external URL tokens carry), the
// verifier is built against the configured issuer so validation does not fail
// on the mismatch.
func discoverOIDCVerifier(cfg *config.Config) *oidc.IDTokenVerifier {
	issuer := strings.TrimSpace(cfg.OIDCIssuer)
	if issuer == "" {
		return nil
	}

	ctx := context.Background()
	discoveryTarget := issuer
	if d := strings.TrimSpace(cfg.OIDCDiscoveryURL); d != "" && d != issuer {
		ctx = oidc.InsecureIssuerURLContext(ctx, issuer)
		discoveryTarget = d
	}

	provider, err := oidc.NewProvider(ctx, discoveryTarget)
	if err != nil {
		log.Error("Failed to initialize OIDC provider; falling back to API key auth", "issuer", discoveryTarget, "err", err)
		return nil
	}

	verifierCfg := &oidc.Config{SkipClientIDCheck: true}
	if discoveryTarget != issuer {
		var providerClaims struct {
			JWKSURI string `json:"jwks_uri"`
		}
		if err := provider.Claims(&providerClaims); err == nil && providerClaims.JWKSURI != "" {
			keySet := oidc.NewRemoteKeySet(ctx, providerClaims.JWKSURI)
			log.Info("OIDC auth enabled", "issuer", issuer, "discovery", discoveryTarget)
			return oidc.NewVerifier(issuer, keySet, verifierCfg)
		}
	}
	log.Info("OIDC auth enabled", "issuer", issuer)
	return provider.Verifier(verifierCfg)
}

var (
	errInvalidJWT      = errors.New("invalid JWT")
	errMissingIdentity = errors.New("JWT missing identity claims")
)

// Resolve turns a bearer token plus optional X-API-Key / X-Client-ID headers
// into an Identity. Tokens that look like JWTs are verified against OIDC when
// configured; otherwise the token value is taken as the user id directly (API
// key deployments). X-Client-ID is only honored in testing mode here; route
// groups that accept per-request client ids mount ClientIDMiddleware instead.
func (r *TokenResolver) Resolve(ctx context.Context, bearerToken, apiKey, clientIDHeader string) (*Identity, error) {
	clientID := r.resolveClientID(apiKey, clientIDHeader)

	var userID string
	var tokenRoles map[string]bool
	jwtAuth := r.verifier != nil && strings.Count(bearerToken, ".") >= 2
	if jwtAuth {
		var err error
		userID, tokenRoles, err = r.verifyJWT(ctx, bearerToken)
		if err != nil {
			return nil, err
		}
	} else {
		userID = bearerToken
	}

	roles := r.resolveRoles(userID, clientID, tokenRoles, !jwtAuth)
	return &Identity{
		UserID:   userID,
		ClientID: clientID,
		Roles:    roles,
		IsAdmin:  roles[RoleAdmin],
	}, nil
}

func (r *TokenResolver) resolveClientID(apiKey, clientIDHeader string) string {
	if key := strings.TrimSpace(apiKey); key != "" {
		if resolved, ok := r.apiKeys[key]; ok {
			return resolved
		}
		log.Warn("Received invalid API key")
	}
	if r.testingMode {
		return strings.TrimSpace(clientIDHeader)
	}
	return ""
}

// verifyJWT validates the token and extracts the user id, preferring
// preferred_username, then upn, then sub.
func (r *TokenResolver) verifyJWT(ctx context.Context, token string) (string, map[string]bool, error) {
	idToken, err := r.verifier.Verify(ctx, token)
	if err != nil {
		return "", nil, errors.Join(errInvalidJWT, err)
	}

	var claims struct {
		Sub               string `json:"sub"`
		PreferredUsername string `json:"preferred_username"`
		UPN               string `json:"upn"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return "", nil, errors.Join(errInvalidJWT, err)
	}
	userID := claims.PreferredUsername
	if userID == "" {
		userID = claims.UPN
	}
	if userID == "" {
		userID = claims.Sub
	}
	if userID == "" {
		return "", nil, errMissingIdentity
	}

	var rawClaims map[string]any
	if err := idToken.Claims(&rawClaims); err != nil {
		return userID, nil, nil
	}
	return userID, extractTokenRoles(rawClaims), nil
}

// resolveRoles merges role grants from token claims, the configured user
// lists, and (for API key callers) the configured client lists. Admin implies
// auditor and indexer.
func (r *TokenResolver) resolveRoles(userID, clientID string, tokenRoles map[string]bool, apiKeyAuth bool) map[string]bool {
	roles := map[string]bool{}

	if tokenRoles[r.adminOIDCRole] {
		roles[RoleAdmin] = true
	}
	if tokenRoles[r.auditorOIDCRole] {
		roles[RoleAuditor] = true
	}
	if r.indexerOIDCRole != "" && tokenRoles[r.indexerOIDCRole] {
		roles[RoleIndexer] = true
	}

	if r.adminUsers[userID] {
		roles[RoleAdmin] = true
	}
	if r.auditorUsers[userID] {
		roles[RoleAuditor] = true
	}
	if r.indexerUsers[userID] {
		roles[RoleIndexer] = true
	}

	if apiKeyAuth && clientID != "" {
		if r.adminClients[clientID] {
			roles[RoleAdmin] = true
		}
		if r.auditorClients[clientID] {
			roles[RoleAuditor] = true
		}
		if r.indexerClients[clientID] {
			roles[RoleIndexer] = true
		}
	}

	if roles[RoleAdmin] {
		roles[RoleAuditor] = true
		roles[RoleIndexer] = true
	}
	return roles
}

// --- Gin middleware ---

// GetUserID returns the authenticated user ID from the gin context.
func GetUserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}

// GetClientID returns the agent client ID from the gin context.
func GetClientID(c *gin.Context) string {
	return c.GetString(ContextKeyClientID)
}

// IsAdmin returns true if the request is from an admin.
func IsAdmin(c *gin.Context) bool {
	v, _ := c.Get(ContextKeyIsAdmin)
	b, _ := v.(bool)
	return b
}

// HasRole returns true if the caller holds the given role.
func HasRole(c *gin.Context, role string) bool {
	v, ok := c.Get(ContextKeyRoles)
	if !ok {
		return false
	}
	roles, ok := v.(map[string]bool)
	if !ok {
		return false
	}
	return roles[role]
}

// EffectiveAdminRole returns the strongest operational role the caller holds.
func EffectiveAdminRole(c *gin.Context) string {
	switch {
	case HasRole(c, RoleAdmin):
		return RoleAdmin
	case HasRole(c, RoleAuditor):
		return RoleAuditor
	default:
		return ""
	}
}

// AuthMiddleware authenticates every request via the Authorization header and
// stores the resolved identity in the gin context.
func AuthMiddleware(resolver *TokenResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if auth == "" {
			log.Info("Auth rejected: missing Authorization header", "method", c.Request.Method, "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing Authorization header"})
			return
		}

		token := strings.TrimPrefix(auth, "Bearer ")
		if token == auth {
			log.Info("Auth rejected: invalid Authorization header; expected Bearer token", "method", c.Request.Method, "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid Authorization header; expected Bearer token"})
			return
		}

		id, err := resolver.Resolve(
			c.Request.Context(),
			token,
			c.GetHeader("X-API-Key"),
			c.GetHeader("X-Client-ID"),
		)
		if err != nil {
			log.Info("Auth rejected", "method", c.Request.Method, "path", c.Request.URL.Path, "err", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		c.Set(ContextKeyUserID, id.UserID)
		if id.ClientID != "" {
			c.Set(ContextKeyClientID, id.ClientID)
		}
		c.Set(ContextKeyRoles, id.Roles)
		c.Set(ContextKeyIsAdmin, id.IsAdmin)
		c.Next()
	}
}

// RequireAdminRole rejects callers without the admin role.
func RequireAdminRole() gin.HandlerFunc {
	return requireRole(RoleAdmin)
}

// RequireAuditorRole rejects callers without auditor (or admin, which implies
// it).
func RequireAuditorRole() gin.HandlerFunc {
	return requireRole(RoleAuditor)
}

func requireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !HasRole(c, role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

// ClientIDMiddleware honors a per-request X-Client-ID. The client id is a
// namespace for an agent's private channels within the caller's own access,
// not a privilege boundary, so the raw header is trusted.
func ClientIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if clientID := c.GetHeader("X-Client-ID"); clientID != "" {
			c.Set(ContextKeyClientID, clientID)
		}
		c.Next()
	}
}

// --- helpers ---

func splitCSV(raw string) map[string]bool {
	result := map[string]bool{}
	for _, part := range strings.Split(raw, ",") {
		item := strings.TrimSpace(part)
		if item == "" {
			continue
		}
		result[item] = true
	}
	return result
}

// extractTokenRoles flattens the role-bearing claims issuers commonly use:
// roles, groups, the OAuth scope string, and Keycloak's realm_access.roles.
func extractTokenRoles(claims map[string]any) map[string]bool {
	result := map[string]bool{}
	addList := func(values []string) {
		for _, v := range values {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			result[v] = true
		}
	}

	addList(toStringSlice(claims["roles"]))
	addList(toStringSlice(claims["groups"]))

	if scope, ok := claims["scope"].(string); ok {
		addList(strings.Fields(scope))
	}

	if realm, ok := claims["realm_access"].(map[string]any); ok {
		addList(toStringSlice(realm["roles"]))
	}

	return result
}

func toStringSlice(value any) []string {
	switch v := value.(type) {
	case nil:
		return nil
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{v}
	default:
		// Claims decoding may yield nested json.RawMessage values.
		var out []string
		if data, err := json.Marshal(v); err == nil {
			_ = json.Unmarshal(data, &out)
		}
		return out
	}
}
