package browser

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"

	"github.com/lzA6/doubao2api-go/internal/config"
	"github.com/lzA6/doubao2api-go/internal/credentials"
	"github.com/lzA6/doubao2api-go/internal/statestore"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/141.0.0.0 Safari/537.36"

// stealthScript hides the most common automation tell before any upstream
// script runs
const stealthScript = `Object.defineProperty(navigator, 'webdriver', {get: () => undefined});`

// LaunchConfig controls how upstream chat sessions are warmed up
type LaunchConfig struct {
	ChatURL         string
	CookieDomain    string
	Headless        bool
	Fingerprint     config.Fingerprint
	ReadySelector   string
	NavigateTimeout time.Duration
}

// PlaywrightLauncher launches headless Chromium sessions logged into the
// upstream chat application. Each launch takes the next credential bundle in
// rotation; previously saved browser state for that slot wins over the
// configured cookies, since the upstream rotates tokens between visits.
type PlaywrightLauncher struct {
	pw     *playwright.Playwright
	creds  *credentials.Manager
	states *statestore.Store
	cfg    LaunchConfig
	logger *zap.Logger
}

// NewPlaywrightLauncher installs browser binaries if needed and starts the
// Playwright driver.
func NewPlaywrightLauncher(cfg LaunchConfig, creds *credentials.Manager, states *statestore.Store, logger *zap.Logger) (*PlaywrightLauncher, error) {
	if cfg.NavigateTimeout == 0 {
		cfg.NavigateTimeout = 60 * time.Second
	}

	opts := &playwright.RunOptions{
		Verbose: false,
		Stdout:  io.Discard,
		Stderr:  io.Discard,
	}
	if err := playwright.Install(opts); err != nil {
		return nil, fmt.Errorf("failed to install playwright: %w", err)
	}
	pw, err := playwright.Run(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	return &PlaywrightLauncher{
		pw:     pw,
		creds:  creds,
		states: states,
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Launch warms up one session: browser, authenticated context, chat page
func (l *PlaywrightLauncher) Launch(ctx context.Context) (*Session, error) {
	bundle := l.creds.Next()
	sessionID := uuid.New().String()

	br, err := l.pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(l.cfg.Headless),
		Args:     []string{"--no-sandbox", "--disable-setuid-sandbox"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	bctx, err := l.newAuthenticatedContext(br, bundle)
	if err != nil {
		br.Close()
		return nil, err
	}

	page, err := bctx.NewPage()
	if err != nil {
		bctx.Close()
		br.Close()
		return nil, fmt.Errorf("failed to create page: %w", err)
	}

	if err := ctx.Err(); err != nil {
		page.Close()
		bctx.Close()
		br.Close()
		return nil, err
	}

	if err := l.warmUp(page); err != nil {
		// A saved state that no longer reaches a usable chat surface is
		// stale; drop it so the next launch falls back to the configured
		// cookie bundle.
		if l.states.Has(bundle.Slot) {
			if derr := l.states.Delete(bundle.Slot); derr != nil {
				l.logger.Warn("failed to drop stale browser state", zap.Int("slot", bundle.Slot), zap.Error(derr))
			}
		}
		page.Close()
		bctx.Close()
		br.Close()
		return nil, err
	}

	closeFn := func() error {
		if _, serr := bctx.StorageState(l.states.Path(bundle.Slot)); serr != nil {
			l.logger.Warn("failed to persist browser state", zap.Int("slot", bundle.Slot), zap.Error(serr))
		}
		page.Close()
		bctx.Close()
		return br.Close()
	}

	l.logger.Info("browser session warmed up",
		zap.String("session", sessionID),
		zap.Int("slot", bundle.Slot))
	return NewSession(sessionID, bundle.Slot, page, closeFn), nil
}

// newAuthenticatedContext builds a browser context carrying the bundle's
// identity: saved storage state when available, configured cookies otherwise.
func (l *PlaywrightLauncher) newAuthenticatedContext(br playwright.Browser, bundle credentials.Bundle) (playwright.BrowserContext, error) {
	opts := playwright.BrowserNewContextOptions{
		UserAgent: playwright.String(userAgent),
		Viewport:  &playwright.Size{Width: 1280, Height: 800},
	}
	fromState := l.states.Has(bundle.Slot)
	if fromState {
		opts.StorageStatePath = playwright.String(l.states.Path(bundle.Slot))
	}

	bctx, err := br.NewContext(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create context: %w", err)
	}

	if !fromState {
		pwCookies := make([]playwright.OptionalCookie, 0, len(bundle.Cookies))
		for _, c := range bundle.Cookies {
			pwCookies = append(pwCookies, playwright.OptionalCookie{
				Name:   c.Name,
				Value:  c.Value,
				Domain: playwright.String(l.cfg.CookieDomain),
				Path:   playwright.String("/"),
			})
		}
		if err := bctx.AddCookies(pwCookies); err != nil {
			bctx.Close()
			return nil, fmt.Errorf("failed to set cookies: %w", err)
		}
	}

	if err := bctx.AddInitScript(playwright.Script{Content: playwright.String(stealthScript)}); err != nil {
		bctx.Close()
		return nil, fmt.Errorf("failed to add stealth script: %w", err)
	}
	if script := l.fingerprintScript(); script != "" {
		if err := bctx.AddInitScript(playwright.Script{Content: playwright.String(script)}); err != nil {
			bctx.Close()
			return nil, fmt.Errorf("failed to add fingerprint script: %w", err)
		}
	}

	return bctx, nil
}

// warmUp navigates to the chat page and waits until the composer is usable
func (l *PlaywrightLauncher) warmUp(page playwright.Page) error {
	timeout := float64(l.cfg.NavigateTimeout.Milliseconds())

	if _, err := page.Goto(l.cfg.ChatURL, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateLoad,
		Timeout:   playwright.Float(timeout),
	}); err != nil {
		return fmt.Errorf("failed to reach chat page: %w", err)
	}

	if l.cfg.ReadySelector != "" {
		if _, err := page.WaitForSelector(l.cfg.ReadySelector, playwright.PageWaitForSelectorOptions{
			State:   playwright.WaitForSelectorStateVisible,
			Timeout: playwright.Float(timeout),
		}); err != nil {
			return fmt.Errorf("chat composer never became usable, credentials may be expired: %w", err)
		}
	}

	return nil
}

// fingerprintScript seeds the device identity the upstream web app reads
// from local storage
func (l *PlaywrightLauncher) fingerprintScript() string {
	fp := l.cfg.Fingerprint
	if fp.DeviceID == "" && fp.WebID == "" {
		return ""
	}
	return fmt.Sprintf(`try {
	localStorage.setItem('device_id', %q);
	localStorage.setItem('fp', %q);
	localStorage.setItem('tea_uuid', %q);
	localStorage.setItem('web_id', %q);
} catch (e) {}`, fp.DeviceID, fp.FP, fp.TeaUUID, fp.WebID)
}

// Close stops the Playwright driver
func (l *PlaywrightLauncher) Close() error {
	return l.pw.Stop()
}
