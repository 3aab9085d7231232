package printing

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"
)

// PDFExporter turns a print HTML page into PDF bytes
type PDFExporter interface {
	Export(ctx context.Context, html []byte) ([]byte, error)
}

// ChromeConfig holds headless browser settings
type ChromeConfig struct {
	// Bin overrides the browser binary; empty looks it up on PATH
	Bin       string        `mapstructure:"browser_bin"`
	NoSandbox bool          `mapstructure:"no_sandbox"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// DefaultChromeConfig returns settings for a containerized Chromium
func DefaultChromeConfig() ChromeConfig {
	return ChromeConfig{
		NoSandbox: true,
		Timeout:   30 * time.Second,
	}
}

// ChromeExporter prints HTML with a shared headless Chromium. The browser
// is launched on first use and relaunched after it dies.
type ChromeExporter struct {
	config ChromeConfig
	logger *zap.Logger

	mu       sync.Mutex
	launcher *launcher.Launcher
	browser  *rod.Browser
}

// NewChromeExporter creates an exporter; no browser is started yet
func NewChromeExporter(cfg ChromeConfig, logger *zap.Logger) *ChromeExporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultChromeConfig().Timeout
	}
	return &ChromeExporter{config: cfg, logger: logger}
}

// Export renders html in a fresh page and prints it honoring the CSS page size
func (e *ChromeExporter) Export(ctx context.Context, html []byte) ([]byte, error) {
	browser, err := e.connect()
	if err != nil {
		return nil, err
	}

	page, err := browser.Context(ctx).Timeout(e.config.Timeout).Page(proto.TargetCreateTarget{})
	if err != nil {
		e.reset()
		return nil, fmt.Errorf("create page: %w", err)
	}
	defer func() {
		_ = page.Close()
	}()

	if err := page.SetDocumentContent(string(html)); err != nil {
		return nil, fmt.Errorf("set document content: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return nil, fmt.Errorf("wait load: %w", err)
	}

	reader, err := page.PDF(&proto.PagePrintToPDF{
		PrintBackground:   true,
		PreferCSSPageSize: true,
	})
	if err != nil {
		return nil, fmt.Errorf("export pdf: %w", err)
	}
	defer func() {
		_ = reader.Close()
	}()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read pdf bytes: %w", err)
	}
	return data, nil
}

func (e *ChromeExporter) connect() (*rod.Browser, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.browser != nil {
		return e.browser, nil
	}

	l := launcher.New().Headless(true).NoSandbox(e.config.NoSandbox)
	if e.config.Bin != "" {
		l = l.Bin(e.config.Bin)
	} else if path, ok := launcher.LookPath(); ok {
		l = l.Bin(path)
	}

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch chromium: %w", err)
	}
	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Cleanup()
		return nil, fmt.Errorf("connect browser: %w", err)
	}

	e.launcher = l
	e.browser = browser
	e.logger.Info("chromium started", zap.String("control_url", controlURL))
	return browser, nil
}

// reset drops the browser so the next export relaunches it
func (e *ChromeExporter) reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closeLocked()
}

// Close shuts the browser down
func (e *ChromeExporter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closeLocked()
	return nil
}

func (e *ChromeExporter) closeLocked() {
	if e.browser != nil {
		_ = e.browser.Close()
		e.browser = nil
	}
	if e.launcher != nil {
		e.launcher.Cleanup()
		e.launcher = nil
	}
}
