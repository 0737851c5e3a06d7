// Package rollcalld parses registry daemon flags and runs its lifecycle:
// open the store, serve until interrupted, then compact, optionally back up
// and close with retry.
package rollcalld

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/louisbranch/rollcall/internal/backup"
	entrypoint "github.com/louisbranch/rollcall/internal/platform/cmd"
	"github.com/louisbranch/rollcall/internal/storage/sqlite"
)

// Config holds registry daemon configuration.
type Config struct {
	DataDir          string        `env:"ROLLCALL_DATA_DIR" envDefault:"data"`
	EncryptionKey    string        `env:"ROLLCALL_ENCRYPTION_KEY"`
	EncryptionSalt   string        `env:"ROLLCALL_ENCRYPTION_SALT"`
	CacheDisabled    bool          `env:"ROLLCALL_CACHE_DISABLED" envDefault:"false"`
	BackupDir        string        `env:"ROLLCALL_BACKUP_DIR"`
	BackupInterval   time.Duration `env:"ROLLCALL_BACKUP_INTERVAL" envDefault:"0"`
	BackupOnShutdown bool          `env:"ROLLCALL_BACKUP_ON_SHUTDOWN" envDefault:"false"`
	CloseWait        time.Duration `env:"ROLLCALL_CLOSE_WAIT" envDefault:"30s"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "The registry data directory")
	fs.StringVar(&cfg.BackupDir, "backup-dir", cfg.BackupDir, "The snapshot destination directory")
	fs.DurationVar(&cfg.BackupInterval, "backup-interval", cfg.BackupInterval, "Automatic backup interval (0 disables)")
	fs.BoolVar(&cfg.BackupOnShutdown, "backup-on-shutdown", cfg.BackupOnShutdown, "Take a final snapshot before closing")
	fs.BoolVar(&cfg.CacheDisabled, "cache-disabled", cfg.CacheDisabled, "Disable the provider read caches")
	fs.DurationVar(&cfg.CloseWait, "close-wait", cfg.CloseWait, "How long to retry closing the store on shutdown")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run opens the registry store and keeps it available until ctx is cancelled.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceRegistry, func(ctx context.Context) error {
		store, err := sqlite.Open(cfg.DataDir, sqlite.Options{
			EncryptionKey:  cfg.EncryptionKey,
			EncryptionSalt: cfg.EncryptionSalt,
			CacheDisabled:  cfg.CacheDisabled,
		})
		if err != nil {
			return err
		}
		log.Printf("registry store open in %s", cfg.DataDir)

		var scheduler *backup.Scheduler
		if cfg.BackupDir != "" {
			scheduler = backup.NewScheduler(store, cfg.BackupDir, cfg.BackupInterval)
			if cfg.BackupInterval > 0 {
				go scheduler.Run(ctx)
				log.Printf("automatic backups every %s into %s", cfg.BackupInterval, cfg.BackupDir)
			}
		}

		<-ctx.Done()
		log.Print("shutting down registry store")

		// Shutdown work runs on a fresh context: the signal context is
		// already cancelled.
		shutdownCtx := context.Background()
		if err := store.GC(shutdownCtx); err != nil {
			log.Printf("final compaction: %v", err)
		}
		if cfg.BackupOnShutdown && scheduler != nil {
			if err := scheduler.BackupNow(shutdownCtx); err != nil {
				log.Printf("final backup: %v", err)
			}
		}
		return store.CloseWithRetry(cfg.CloseWait)
	})
}
