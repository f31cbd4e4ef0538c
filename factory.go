package browserpool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	pool "github.com/jolestar/go-commons-pool/v2"
	"go.uber.org/zap"

	"github.com/eskriett/browserpool/driver"
	"github.com/eskriett/browserpool/driver/cdp"
	"github.com/eskriett/browserpool/driver/docker"
	"github.com/eskriett/browserpool/driver/gorod"
	"github.com/eskriett/browserpool/driver/pw"
)

// sessionFactory creates and destroys sessions for a single driver
// configuration.
type sessionFactory struct {
	cfg            DriverConfig
	engine         Engine
	launch         driver.Launcher
	stop           func() error
	destroyTimeout time.Duration
	logger         *zap.Logger

	nextID atomic.Int64
}

var _ pool.PooledObjectFactory = (*sessionFactory)(nil)

func newSessionFactory(cfg Config, launch driver.Launcher, logger *zap.Logger) (*sessionFactory, error) {
	f := &sessionFactory{
		cfg:            cfg.Driver,
		engine:         cfg.Driver.ResolvedEngine(),
		launch:         launch,
		destroyTimeout: cfg.Pool.DestroyTimeout,
		logger:         logger,
	}
	if f.destroyTimeout <= 0 {
		f.destroyTimeout = defaultDestroyTimeout
	}

	if f.launch == nil {
		var err error
		f.launch, f.stop, err = engineLauncher(f.engine, logger)
		if err != nil {
			return nil, err
		}
	}

	return f, nil
}

// engineLauncher returns the launcher for an engine and an optional hook
// that releases state shared between its browsers.
func engineLauncher(engine Engine, logger *zap.Logger) (driver.Launcher, func() error, error) {
	switch engine {
	case EngineCDP:
		return cdp.Launch, nil, nil
	case EngineRod:
		return gorod.Launch, nil, nil
	case EngineDocker:
		return docker.Launch, nil, nil
	case EnginePlaywright:
		rt := pw.NewRuntime(logger)
		return rt.Launch, rt.Stop, nil
	default:
		return nil, nil, fmt.Errorf("unknown engine %q", engine)
	}
}

func (f *sessionFactory) MakeObject(ctx context.Context) (*pool.PooledObject, error) {
	d, err := f.launch(ctx, f.cfg.options(f.logger))
	if err != nil {
		return nil, &LaunchError{Engine: f.engine, Err: err}
	}

	s := newSession(int(f.nextID.Add(1)), d)

	f.logger.Debug("created browser session",
		zap.Int("session", s.ID()),
		zap.String("engine", string(f.engine)),
		zap.String("browser", string(f.cfg.Name)))

	return s.object, nil
}

func (f *sessionFactory) DestroyObject(ctx context.Context, object *pool.PooledObject) error {
	s := object.Object.(*Session)
	s.terminate()

	f.logger.Debug("closing browser session", zap.Int("session", s.ID()))

	ctx, cancel := context.WithTimeout(ctx, f.destroyTimeout)
	defer cancel()

	if err := s.driver.Close(ctx); err != nil && !errors.Is(err, driver.ErrClosed) {
		return fmt.Errorf("close session %d: %w", s.ID(), err)
	}
	return nil
}

func (f *sessionFactory) ValidateObject(ctx context.Context, object *pool.PooledObject) bool {
	s := object.Object.(*Session)

	if err := s.driver.Ping(ctx); err != nil {
		f.logger.Debug("browser session failed validation", zap.Int("session", s.ID()), zap.Error(err))
		return false
	}

	return true
}

// ActivateObject clears the previous holder's page before the session is
// leased again.
func (f *sessionFactory) ActivateObject(ctx context.Context, object *pool.PooledObject) error {
	s := object.Object.(*Session)
	if s.Uses() <= 1 {
		return nil
	}

	if err := s.driver.Navigate(ctx, driver.BlankPage); err != nil {
		return fmt.Errorf("reset session %d: %w", s.ID(), err)
	}
	return nil
}

func (f *sessionFactory) PassivateObject(_ context.Context, object *pool.PooledObject) error {
	s := object.Object.(*Session)

	f.logger.Debug("browser session returned",
		zap.Int("session", s.ID()),
		zap.Int("uses", s.Uses()),
		zap.Duration("age", time.Since(s.CreatedAt())))

	return nil
}

// close releases engine-wide resources once every session is destroyed.
func (f *sessionFactory) close() error {
	if f.stop == nil {
		return nil
	}
	return f.stop()
}
