package cli

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"

	"github.com/felo/mailcore/internal/blob"
	"github.com/felo/mailcore/internal/config"
	"github.com/felo/mailcore/internal/db"
	"github.com/felo/mailcore/internal/delivery"
	"github.com/felo/mailcore/internal/janitor"
	"github.com/felo/mailcore/internal/mailer"
	"github.com/felo/mailcore/internal/poller"
	"github.com/felo/mailcore/internal/threading"
)

// app is the wired object graph shared by the commands
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	db         *db.DB
	blobs      blob.Store
	fsBlobs    *blob.FSStore
	dispatcher *mailer.Dispatcher
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	database, err := openDB(cfg)
	if err != nil {
		return nil, err
	}

	blobs, fsBlobs, err := openBlobs(ctx, cfg, logger)
	if err != nil {
		database.Close()
		return nil, err
	}

	channels := buildChannels(cfg, logger)
	if len(channels) == 0 {
		logger.Warn("no delivery channel enabled, outbound email will be recorded as failed")
	}
	selector := delivery.NewSelector(logger, cfg.Delivery.ChannelTimeout, channels...)
	reconciler := threading.NewReconciler(database, threading.Options{
		SubjectFallback: cfg.Threading.SubjectFallback,
	}, logger)

	d := mailer.New(database, blobs, selector, reconciler, mailer.Options{
		DefaultFrom:    cfg.Delivery.DefaultFrom,
		DBContentLimit: cfg.Storage.DBContentLimit,
		BatchSize:      cfg.Bulk.BatchSize,
		BatchDelay:     cfg.Bulk.BatchDelay,
		DownloadTTL:    cfg.Storage.DownloadTTL,
	}, logger)

	logger.Info("mailcore ready",
		"database", cfg.Database.Driver,
		"storage", cfg.Storage.Backend,
		"channels", selector.Channels(),
	)
	return &app{
		cfg:        cfg,
		logger:     logger,
		db:         database,
		blobs:      blobs,
		fsBlobs:    fsBlobs,
		dispatcher: d,
	}, nil
}

func (a *app) Close() error {
	return a.db.Close()
}

// newJanitor opens a separate database handle for the janitor so sweeps
// never wait behind request traffic on the shared connection
func (a *app) newJanitor() (*janitor.Janitor, func() error, error) {
	store, err := openDB(a.cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open janitor database: %w", err)
	}
	j := janitor.New(store, a.blobs, janitor.Options{
		Retention:      a.cfg.Retention.DeletedAfter,
		DraftRetention: a.cfg.Retention.DraftsAfter,
		OrphanGrace:    a.cfg.Retention.OrphanGrace,
		Interval:       a.cfg.Retention.Interval,
	}, a.logger.With("component", "janitor"))
	return j, store.Close, nil
}

func (a *app) newPoller() *poller.Poller {
	c := a.cfg.Inbound.IMAP
	dial := poller.IMAPDialer(poller.IMAPConfig{
		Host:     c.Host,
		Port:     c.Port,
		TLS:      c.TLS,
		Username: c.Username,
		Password: c.Password,
		Mailbox:  c.Mailbox,
		Timeout:  c.Timeout,
	})
	return poller.New(dial, a.dispatcher, c.Interval, a.logger.With("component", "poller"))
}

func openDB(cfg *config.Config) (*db.DB, error) {
	switch cfg.Database.Driver {
	case "postgres":
		return db.OpenDriver(db.DialectPostgres, cfg.Database.DSN)
	default:
		return db.OpenDriver(db.DialectSQLite, cfg.Database.Path)
	}
}

// openBlobs returns the configured store. The filesystem store is also
// returned on its own because the HTTP API serves its signed links.
func openBlobs(ctx context.Context, cfg *config.Config, logger *slog.Logger) (blob.Store, *blob.FSStore, error) {
	if cfg.Storage.Backend == "s3" {
		s := cfg.Storage.S3
		store, err := blob.NewS3Store(ctx, blob.S3Config{
			Bucket:          s.Bucket,
			Region:          s.Region,
			Endpoint:        s.Endpoint,
			AccessKeyID:     s.AccessKeyID,
			SecretAccessKey: s.SecretAccessKey,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	}

	key := []byte(cfg.Storage.SigningKey)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, nil, fmt.Errorf("failed to generate signing key: %w", err)
		}
		logger.Warn("storage.signing_key is not set, download links will not survive a restart")
	}
	store, err := blob.NewFSStore(cfg.Storage.Dir, key, cfg.URL()+"/blobs")
	if err != nil {
		return nil, nil, err
	}
	return store, store, nil
}

// buildChannels returns the enabled delivery channels in attempt order:
// sendgrid, smtp, then the development sink
func buildChannels(cfg *config.Config, logger *slog.Logger) []delivery.SendTransport {
	var channels []delivery.SendTransport
	d := cfg.Delivery

	if d.SendGrid.Enabled {
		if d.SendGrid.APIKey == "" {
			logger.Warn("sendgrid is enabled without an api key, skipping")
		} else {
			channels = append(channels, delivery.NewSendGridTransport(d.SendGrid.APIKey, d.SendGrid.Host))
		}
	}
	if d.SMTP.Enabled {
		if d.SMTP.Host == "" {
			logger.Warn("smtp is enabled without a host, skipping")
		} else {
			channels = append(channels, delivery.NewSMTPTransport(delivery.SMTPConfig{
				Host:               d.SMTP.Host,
				Port:               d.SMTP.Port,
				Username:           d.SMTP.Username,
				Password:           d.SMTP.Password,
				InsecureSkipVerify: d.SMTP.InsecureSkipVerify,
			}))
		}
	}
	if cfg.IsDevelopment() {
		channels = append(channels, delivery.NewDevSink(d.DevSink.Path))
	}
	return channels
}
