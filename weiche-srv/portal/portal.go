package portal

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"html"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/codefionn/weiche/weiche-srv/config"
	"github.com/codefionn/weiche/weiche-srv/logger"
	"github.com/codefionn/weiche/weiche-srv/router"
	"github.com/codefionn/weiche/weiche-srv/stats"
)

const (
	// PortalDomain is the default domain for the proxy portal
	PortalDomain = "weiche.internal"
	// SessionCookieName is the name of the authentication session cookie
	SessionCookieName = "weiche_portal_session"
	// SessionTimeout is the duration for which sessions are valid
	SessionTimeout = 24 * time.Hour
)

// Portal provides a control surface for the routing engine, reachable
// through the proxy itself on the configured portal domain.
type Portal struct {
	config    *config.Config
	collector stats.Collector
	router    *router.Router
	jwtSecret []byte
	startTime time.Time
	version   string
	requests  int64 // accessed atomically
}

// NewPortal creates a new portal instance
func NewPortal(cfg *config.Config, collector stats.Collector, rtr *router.Router) *Portal {
	// Generate a random JWT secret on the fly
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		// Fallback to a deterministic secret if random generation fails
		secret = fmt.Appendf(nil, "weiche-portal-%d", time.Now().Unix())
	}

	p := &Portal{
		config:    cfg,
		collector: collector,
		router:    rtr,
		jwtSecret: secret,
		startTime: time.Now(),
		version:   "1.0.0",
	}

	logger.Info("Portal initialized with statistics: %t", cfg.Statistics.Enabled)
	return p
}

// domain returns the host name the portal answers on.
func (p *Portal) domain() string {
	if p.config.Portal.Domain != "" {
		return p.config.Portal.Domain
	}
	return PortalDomain
}

// IsPortalRequest checks if a request is for the portal domain
func (p *Portal) IsPortalRequest(req *http.Request) bool {
	if !p.config.Portal.Enabled {
		return false
	}
	host := req.Host
	if strings.Contains(host, ":") {
		host = strings.Split(host, ":")[0]
	}
	return strings.EqualFold(host, p.domain())
}

// ServeHTTP handles HTTP requests for the portal
func (p *Portal) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger.Debug("Portal request: %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)

	// Check authentication for portal routes (only if authentication is configured)
	if p.requiresAuthentication() && !strings.HasPrefix(r.URL.Path, "/login") && r.URL.Path != "/healthz" {
		if !p.isAuthenticated(r) {
			http.Redirect(w, r, "/login", http.StatusSeeOther)
			return
		}
	}

	switch r.URL.Path {
	case "/", "/dashboard":
		p.serveDashboard(w, r)
	case "/api/dashboard":
		p.serveData(w, r)
	case "/api/proxies":
		p.serveProxies(w, r)
	case "/api/affinity":
		p.serveAffinity(w, r)
	case "/api/errors":
		p.serveErrorsData(w, r)
	case "/api/domains":
		p.serveDomainsData(w, r)
	case "/api/stats":
		p.serveLegacyStats(w, r)
	case "/healthz":
		p.serveHealth(w, r)
	case "/login":
		p.serveLogin(w, r)
	case "/logout":
		p.serveLogout(w, r)
	default:
		http.NotFound(w, r)
	}
}

// serveDashboard serves the routing overview page
func (p *Portal) serveDashboard(w http.ResponseWriter, r *http.Request) {
	logger.Debug("Serving dashboard to %s", r.RemoteAddr)

	var rows strings.Builder
	for _, proxy := range p.router.Table().Proxies() {
		ruleTexts := make([]string, 0, len(proxy.Rules))
		for _, rule := range proxy.Rules {
			ruleTexts = append(ruleTexts, fmt.Sprint(rule))
		}
		fmt.Fprintf(&rows, "<tr><td>%s</td><td>%s</td><td>%s</td><td>%d</td><td>%s</td></tr>\n",
			html.EscapeString(proxy.Name), html.EscapeString(proxy.Scheme), html.EscapeString(proxy.Address()),
			proxy.Weight, html.EscapeString(strings.Join(ruleTexts, ", ")))
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, err := fmt.Fprintf(w, `
		<!DOCTYPE html>
		<html>
		<head>
			<title>weiche Proxy</title>
			<style>
				body { font-family: sans-serif; padding: 30px; }
				h1 { color: #333; }
				p { color: #666; }
				.status { color: green; }
				table { border-collapse: collapse; margin-top: 20px; }
				th, td { border: 1px solid #ccc; padding: 6px 12px; text-align: left; }
			</style>
		</head>
		<body>
			<h1>weiche Proxy</h1>
			<p class="status">Routing engine is active</p>
			<p>Version: %s</p>
			<p>Requests Served: %d</p>
			<p>Upstream Proxies: %d</p>
			<p>Affinity Entries: %d (TTL %s)</p>
			<table>
				<tr><th>Name</th><th>Scheme</th><th>Address</th><th>Weight</th><th>Rules</th></tr>
				%s
			</table>
		</body>
		</html>
	`, p.version, atomic.LoadInt64(&p.requests), p.router.Table().Len(),
		p.router.Affinity().Len(), p.router.Affinity().TTL(), rows.String())
	if err != nil {
		logger.Error("Failed to write dashboard page: %v", err)
	}
}

// serveData serves portal statistics as JSON
func (p *Portal) serveData(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	data, err := p.getData(ctx)
	if err != nil {
		logger.Error("Failed to query portal stats: %v", err)
		http.Error(w, "Failed to load data", http.StatusInternalServerError)
		return
	}

	writeJSON(w, data)
}

// getData loads dashboard data using the stats collector and the live
// routing engine
func (p *Portal) getData(ctx context.Context) (*Data, error) {
	data := &Data{
		LastUpdated: time.Now(),
		Routing: &RoutingStats{
			Proxies:            p.router.Table().Len(),
			AffinityEntries:    p.router.Affinity().Len(),
			AffinityTTLSeconds: p.router.Affinity().TTL().Seconds(),
		},
	}

	if p.collector == nil {
		logger.Debug("Stats collector not available, returning routing data only")
		return data, nil
	}

	overview, err := p.collector.GetOverviewStats(ctx)
	if err != nil {
		logger.Error("Failed to load overview stats: %v", err)
		return nil, err
	}
	data.Overview = overview

	usage, err := p.collector.GetProxyUsage(ctx, 50)
	if err != nil {
		logger.Error("Failed to load proxy usage: %v", err)
		return nil, err
	}
	data.ProxyUsage = usage

	dialErrors, err := p.collector.GetRecentDialErrors(ctx, 20)
	if err != nil {
		logger.Error("Failed to load recent dial errors: %v", err)
		return nil, err
	}
	data.DialErrors = dialErrors

	domains, err := p.collector.GetTopDomains(ctx, 50)
	if err != nil {
		logger.Error("Failed to load top domains: %v", err)
		return nil, err
	}
	data.TopDomains = domains

	return data, nil
}

// serveProxies serves the configured upstream proxies as JSON, with
// credentials redacted
func (p *Portal) serveProxies(w http.ResponseWriter, _ *http.Request) {
	proxies := p.router.Table().Proxies()
	proxyList := make([]ProxyInfo, 0, len(proxies))
	for _, proxy := range proxies {
		ruleTexts := make([]string, 0, len(proxy.Rules))
		for _, rule := range proxy.Rules {
			ruleTexts = append(ruleTexts, fmt.Sprint(rule))
		}
		proxyList = append(proxyList, ProxyInfo{
			Name:         proxy.Name,
			Scheme:       proxy.Scheme,
			Address:      proxy.Address(),
			URL:          proxy.Redacted(),
			Weight:       proxy.Weight,
			Credentials:  proxy.HasCredentials(),
			DefaultRoute: proxy.HasDefaultRule(),
			Rules:        ruleTexts,
		})
	}
	writeJSON(w, map[string]interface{}{
		"proxies": proxyList,
	})
}

// serveAffinity serves the live session affinity entries as JSON
func (p *Portal) serveAffinity(w http.ResponseWriter, _ *http.Request) {
	cache := p.router.Affinity()
	writeJSON(w, map[string]interface{}{
		"ttl_seconds": cache.TTL().Seconds(),
		"count":       cache.Len(),
		"entries":     cache.Snapshot(200),
	})
}

// serveErrorsData serves recent upstream dial errors as JSON
func (p *Portal) serveErrorsData(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if p.collector == nil {
		logger.Debug("Stats collector not available, returning empty error data")
		writeJSON(w, []stats.DialErrorInfo{})
		return
	}

	dialErrors, err := p.collector.GetRecentDialErrors(ctx, 50)
	if err != nil {
		logger.Error("Failed to get errors data: %v", err)
		http.Error(w, "Failed to load data", http.StatusInternalServerError)
		return
	}

	writeJSON(w, dialErrors)
}

// serveDomainsData serves domain statistics as JSON
func (p *Portal) serveDomainsData(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if p.collector == nil {
		logger.Debug("Stats collector not available, returning empty domain data")
		writeJSON(w, []stats.DomainStats{})
		return
	}

	domains, err := p.collector.GetTopDomains(ctx, 100)
	if err != nil {
		logger.Error("Failed to get domain data: %v", err)
		http.Error(w, "Failed to load data", http.StatusInternalServerError)
		return
	}

	writeJSON(w, domains)
}

// serveLegacyStats serves basic process statistics
func (p *Portal) serveLegacyStats(w http.ResponseWriter, _ *http.Request) {
	requests := atomic.AddInt64(&p.requests, 1)
	writeJSON(w, map[string]interface{}{
		"startTime":      p.startTime.Format(time.RFC3339),
		"uptime":         time.Since(p.startTime).Seconds(),
		"requestsServed": requests,
		"proxies":        p.router.Table().Len(),
	})
}

// serveHealth reports collector health, 503 when the backend is down
func (p *Portal) serveHealth(w http.ResponseWriter, r *http.Request) {
	if p.collector != nil {
		if err := p.collector.HealthCheck(r.Context()); err != nil {
			logger.Warn("Health check failed: %v", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			writeJSON(w, map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

// serveLogin serves the login page
func (p *Portal) serveLogin(w http.ResponseWriter, r *http.Request) {
	if p.isAuthenticated(r) {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	if r.Method == "POST" {
		username := r.FormValue("username")
		password := r.FormValue("password")

		logger.Debug("Login attempt for username: %s from %s", username, r.RemoteAddr)

		// Get credentials from portal config
		configUsername := p.config.Portal.Username
		configPassword := p.config.Portal.Password

		// Use default credentials if not configured
		if configUsername == "" {
			configUsername = "admin"
		}
		if configPassword == "" {
			configPassword = "admin"
		}

		// Constant-time comparison to prevent timing attacks
		usernameMatch := subtle.ConstantTimeCompare([]byte(username), []byte(configUsername)) == 1
		passwordMatch := subtle.ConstantTimeCompare([]byte(password), []byte(configPassword)) == 1

		if usernameMatch && passwordMatch {
			token, err := p.createSession(username)
			if err != nil {
				logger.Error("Failed to create JWT session token: %v", err)
				http.Error(w, "Failed to create session", http.StatusInternalServerError)
				return
			}

			http.SetCookie(w, &http.Cookie{
				Name:     SessionCookieName,
				Value:    token,
				Path:     "/",
				HttpOnly: true,
				MaxAge:   int(SessionTimeout.Seconds()),
				Secure:   false, // Set to true in production with HTTPS
				SameSite: http.SameSiteLaxMode,
			})
			logger.Info("Successful login for username: %s from %s", username, r.RemoteAddr)
			http.Redirect(w, r, "/", http.StatusSeeOther)
			return
		}

		logger.Warn("Failed login attempt for username: %s from %s", username, r.RemoteAddr)
		p.writeLoginPage(w, http.StatusUnauthorized, "Invalid username or password")
		return
	}

	p.writeLoginPage(w, http.StatusOK, "")
}

// writeLoginPage renders the login form, optionally with an error line
func (p *Portal) writeLoginPage(w http.ResponseWriter, status int, errorMsg string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)

	errorLine := ""
	if errorMsg != "" {
		errorLine = fmt.Sprintf(`<p class="error">%s</p>`, html.EscapeString(errorMsg))
	}

	_, err := fmt.Fprintf(w, `
		<!DOCTYPE html>
		<html>
		<head>
			<title>Login - weiche Portal</title>
			<style>
				body { font-family: sans-serif; text-align: center; padding-top: 50px; }
				h1 { color: #333; }
				.error { color: #c00; }
				input { margin: 4px; padding: 6px; }
			</style>
		</head>
		<body>
			<h1>weiche Portal</h1>
			%s
			<form method="POST" action="/login">
				<div><input type="text" name="username" placeholder="Username"></div>
				<div><input type="password" name="password" placeholder="Password"></div>
				<div><input type="submit" value="Login"></div>
			</form>
		</body>
		</html>
	`, errorLine)
	if err != nil {
		logger.Error("Failed to write login page: %v", err)
	}
}

// serveLogout handles logout
func (p *Portal) serveLogout(w http.ResponseWriter, r *http.Request) {
	logger.Info("User logged out from %s", r.RemoteAddr)
	http.SetCookie(w, p.deleteSession())
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

// requiresAuthentication checks if authentication is required (username and password are configured)
func (p *Portal) requiresAuthentication() bool {
	return p.config.Portal.Username != "" && p.config.Portal.Password != ""
}

// isAuthenticated checks if the request has a valid session
func (p *Portal) isAuthenticated(r *http.Request) bool {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil {
		if err != http.ErrNoCookie {
			logger.Debug("Cookie error: %v", err)
		}
		return false
	}

	token, err := p.parseJWTToken(cookie.Value)
	if err != nil {
		logger.Debug("JWT token validation failed: %v", err)
		return false
	}
	return token.Valid
}

// parseJWTToken parses and validates a JWT token
func (p *Portal) parseJWTToken(tokenString string) (*jwt.Token, error) {
	return jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			logger.Warn("Unexpected JWT signing method: %v", token.Header["alg"])
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return p.jwtSecret, nil
	})
}

// createJWTSession creates a new JWT token for the session
func (p *Portal) createJWTSession(username string) (string, error) {
	claims := jwt.MapClaims{
		"username": username,
		"exp":      time.Now().Add(SessionTimeout).Unix(),
		"iat":      time.Now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(p.jwtSecret)
	if err != nil {
		logger.Error("Failed to sign JWT token: %v", err)
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}

// createSession creates a new session and returns the JWT token
func (p *Portal) createSession(username string) (string, error) {
	logger.Debug("Creating new session for username: %s", username)
	token, err := p.createJWTSession(username)
	if err != nil {
		logger.Error("Failed to create session for username %s: %v", username, err)
	}
	return token, err
}

// deleteSession removes a session by setting an expired JWT token
func (p *Portal) deleteSession() *http.Cookie {
	logger.Debug("Creating expired session cookie for logout")
	return &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		Secure:   false,
		SameSite: http.SameSiteLaxMode,
	}
}

// Close cleans up resources
func (p *Portal) Close() error {
	logger.Info("Portal resources cleaned up")
	return nil
}
