package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/hashicorp/go-version"
	"go.uber.org/zap"

	"github.com/debugrelay/host/internal/debugger"
	apperrors "github.com/debugrelay/host/internal/errors"
	"github.com/debugrelay/host/internal/session"
)

// globalsExpression reads the globals dwds injects into the page.
const globalsExpression = "[$dartExtensionUri, $dartAppId, $dartAppInstanceId, window.$dwdsVersion, window.$dartEntrypointPath]"

const (
	authPath    = "$dwdsExtensionAuthentication"
	authSuccess = "Dart Debug Authentication Success!"
	maxAuthBody = 64 * 1024
)

// User-facing messages of the start flow.
const (
	MsgMissingGlobals   = "Unable to debug app. Missing Dart debugging global variables"
	MsgNotDetected      = "Could not find a Dart app to start debugging. The Dart Debug Extension will turn blue when a Dart application is detected."
	MsgNotAuthenticated = "Not authenticated."
	MsgNoDartApp        = "No Dart application detected. Are you trying to debug an application that includes a Chrome hosted app?"
	MsgAlreadyOpened    = "DevTools is already opened on a different window."
)

// authMinVersion is the first dwds release that requires the extension to
// authenticate.
var authMinVersion = version.Must(version.NewVersion("9.1.0"))

// pageGlobals is the decoded globalsExpression result.
type pageGlobals struct {
	ExtensionURI   string
	AppID          string
	InstanceID     string
	Version        string
	EntrypointPath string
}

func parseGlobals(raw json.RawMessage) (pageGlobals, error) {
	var values []*string
	if err := json.Unmarshal(raw, &values); err != nil {
		return pageGlobals{}, apperrors.Wrap(apperrors.CodeBridgeAppNotDetected, MsgMissingGlobals, err)
	}
	at := func(i int) string {
		if i < len(values) && values[i] != nil {
			return *values[i]
		}
		return ""
	}
	p := pageGlobals{
		ExtensionURI:   at(0),
		AppID:          at(1),
		InstanceID:     at(2),
		Version:        at(3),
		EntrypointPath: at(4),
	}
	if p.ExtensionURI == "" || p.AppID == "" || p.InstanceID == "" {
		return pageGlobals{}, apperrors.New(apperrors.CodeBridgeAppNotDetected, MsgMissingGlobals)
	}
	if p.Version == "" {
		p.Version = "0.0.0"
	}
	return p, nil
}

// authURL is the dwds authentication endpoint next to the extension URI,
// always over http(s).
func authURL(extensionURI string) (string, error) {
	base, err := url.Parse(extensionURI)
	if err != nil {
		return "", err
	}
	switch base.Scheme {
	case "ws":
		base.Scheme = "http"
	case "wss":
		base.Scheme = "https"
	}
	return base.ResolveReference(&url.URL{Path: authPath}).String(), nil
}

// requiresAuth reports whether the dwds version needs the authentication
// check. Unparseable versions are treated as old.
func requiresAuth(v string) bool {
	parsed, err := version.NewVersion(v)
	if err != nil {
		return false
	}
	return parsed.GreaterThanOrEqual(authMinVersion)
}

// authenticate checks that the browser session is authenticated with dwds.
func (b *Bridge) authenticate(ctx context.Context, tabID int, p pageGlobals) error {
	if !requiresAuth(p.Version) {
		return nil
	}
	target, err := authURL(p.ExtensionURI)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeBridgeNotAuthenticated, MsgNotAuthenticated, err)
	}

	err = b.checkAuth(ctx, target)
	if err != nil {
		b.log.Warn("dwds authentication failed", zap.Int("tab", tabID), zap.String("url", target), zap.Error(err))
		b.notify(tabID, fmt.Sprintf("Authentication required. Open %s to authenticate, then try again.", target))
		return apperrors.Wrap(apperrors.CodeBridgeNotAuthenticated, MsgNotAuthenticated, err)
	}
	return nil
}

func (b *Bridge) checkAuth(ctx context.Context, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAuthBody))
	if err != nil {
		return err
	}
	if !strings.Contains(string(body), authSuccess) {
		return fmt.Errorf("unexpected authentication response (%s)", resp.Status)
	}
	return nil
}

// mapAttachError turns debugger and registry failures into the messages
// shown to the user.
func mapAttachError(err error) error {
	if errors.Is(err, debugger.ErrAlreadyAttached) || apperrors.IsCode(err, apperrors.CodeSessionAlreadyAttached) {
		return apperrors.Wrap(apperrors.CodeSessionAlreadyAttached, MsgAlreadyOpened, err)
	}
	msg := err.Error()
	if strings.Contains(msg, "Cannot access") || strings.Contains(msg, "Cannot attach") {
		return apperrors.Wrap(apperrors.CodeBridgeAppNotDetected, MsgNoDartApp, err)
	}
	return err
}

// StartDebugging checks the tab for a dwds app, authenticates when the dwds
// version requires it, and attaches a session.
func (b *Bridge) StartDebugging(ctx context.Context, tabID int) (*session.Session, error) {
	detected, warning := b.Detected(tabID)
	if warning != "" {
		return nil, apperrors.New(apperrors.CodeBridgeWarning, warning)
	}

	eval, err := b.browser.Evaluate(ctx, tabID, globalsExpression)
	if err != nil {
		return nil, mapAttachError(err)
	}
	p, err := parseGlobals(eval.Value)
	if err != nil {
		if !detected {
			return nil, apperrors.Wrap(apperrors.CodeBridgeAppNotDetected, MsgNotDetected, err)
		}
		return nil, err
	}
	if err := b.authenticate(ctx, tabID, p); err != nil {
		return nil, err
	}

	tab, err := b.browser.Tab(ctx, tabID)
	if err != nil {
		b.log.Debug("tab lookup failed", zap.Int("tab", tabID), zap.Error(err))
	}
	contextID := eval.ContextID

	s, err := b.registry.Attach(ctx, session.Target{
		TabID:          tabID,
		AppID:          p.AppID,
		InstanceID:     p.InstanceID,
		EntrypointPath: p.EntrypointPath,
		ServerURL:      p.ExtensionURI,
		TabURL:         tab.URL,
		ContextID:      &contextID,
	})
	if err != nil {
		return nil, mapAttachError(err)
	}

	b.mu.Lock()
	b.state(tabID).detected = true
	b.mu.Unlock()
	b.log.Info("connected to dwds",
		zap.String("version", p.Version),
		zap.String("app", p.AppID),
		zap.Int("tab", tabID))
	return s, nil
}
